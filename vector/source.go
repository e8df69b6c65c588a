package vector

import (
	"context"
	"fmt"
	"sort"

	"github.com/goccy/go-json"

	"github.com/rushteam/rslash/core"
)

// ItemSource 是全量重建的数据来源。
type ItemSource interface {
	Items(ctx context.Context) ([]*core.Item, error)
}

// FileSource 从 JSON Lines 文件读取物品。
type FileSource struct {
	Path string
}

func (s FileSource) Items(_ context.Context) ([]*core.Item, error) {
	return LoadFile(s.Path)
}

// TableSource 从 KeyValueStore 的 Hash（field=物品 ID，value=物品 JSON）读取物品。
type TableSource struct {
	Store core.KeyValueStore
	Key   string
}

func (s TableSource) Items(ctx context.Context) ([]*core.Item, error) {
	rows, err := s.Store.HGetAll(ctx, s.Key)
	if err != nil {
		if core.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("vector: read item table %s: %w", s.Key, err)
	}
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	items := make([]*core.Item, 0, len(rows))
	for _, id := range ids {
		var it core.Item
		if err := json.Unmarshal(rows[id], &it); err != nil {
			return nil, core.Malformed(core.ModuleVector, fmt.Sprintf("vector: item table row %s: %v", id, err))
		}
		if it.ID == "" {
			it.ID = id
		}
		items = append(items, &it)
	}
	return items, nil
}

// StaticSource 直接返回给定物品，测试与引导加载使用。
type StaticSource []*core.Item

func (s StaticSource) Items(_ context.Context) ([]*core.Item, error) { return s, nil }

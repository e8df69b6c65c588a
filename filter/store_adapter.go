package filter

import (
	"context"

	"github.com/rushteam/rslash/core"
)

// StoreAdapter 把黑名单存为 KeyValueStore 中的 Hash：field 为物品 ID，value 为下架原因。
// 运营可以逐条增删，不需要整体覆盖。
type StoreAdapter struct {
	store core.KeyValueStore
}

// NewStoreAdapter 创建一个 KeyValueStore 适配器。
func NewStoreAdapter(s core.KeyValueStore) *StoreAdapter {
	return &StoreAdapter{store: s}
}

// Blacklist 读取全部黑名单物品。
func (a *StoreAdapter) Blacklist(ctx context.Context, key string) (map[string]struct{}, error) {
	fields, err := a.store.HGetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(fields))
	for id := range fields {
		out[id] = struct{}{}
	}
	return out, nil
}

// Add 把物品加入黑名单。
func (a *StoreAdapter) Add(ctx context.Context, key, itemID, reason string) error {
	return a.store.HSet(ctx, key, itemID, []byte(reason))
}

// Remove 把物品移出黑名单。
func (a *StoreAdapter) Remove(ctx context.Context, key, itemID string) error {
	return a.store.HDel(ctx, key, itemID)
}

package feature

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/rushteam/rslash/feast"
	"github.com/rushteam/rslash/pkg/conv"
)

// ItemFeatureSource 批量读取物品的外部特征（实时统计、质量分等）。
// 返回结果只包含查到的物品；缺失的物品不报错。
type ItemFeatureSource interface {
	ItemFeatures(ctx context.Context, itemIDs []string) (map[string]map[string]float64, error)
}

// StaticItemFeatures 是固定的物品特征表，测试与离线回放使用。
type StaticItemFeatures map[string]map[string]float64

func (s StaticItemFeatures) ItemFeatures(_ context.Context, itemIDs []string) (map[string]map[string]float64, error) {
	out := make(map[string]map[string]float64, len(itemIDs))
	for _, id := range itemIDs {
		if f, ok := s[id]; ok {
			out[id] = f
		}
	}
	return out, nil
}

// FeastItemFeatures 从 Feast 在线存储读取物品特征，带进程内 TTL 缓存。
//
// 特征名形如 "item_stats:engagement"，写入候选时只保留冒号后的部分（engagement）。
type FeastItemFeatures struct {
	client   feast.Client
	features []string
	entity   string
	cache    *ristretto.Cache[string, map[string]float64]
	ttl      time.Duration
}

// FeastOption 配置 FeastItemFeatures
type FeastOption func(*FeastItemFeatures)

// WithEntityKey 设置实体列名，默认 item_id
func WithEntityKey(key string) FeastOption {
	return func(f *FeastItemFeatures) { f.entity = key }
}

// WithCacheTTL 设置缓存时间，<=0 关闭缓存
func WithCacheTTL(ttl time.Duration) FeastOption {
	return func(f *FeastItemFeatures) { f.ttl = ttl }
}

func NewFeastItemFeatures(client feast.Client, features []string, opts ...FeastOption) (*FeastItemFeatures, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("feature: feast item features need at least one feature name")
	}
	f := &FeastItemFeatures{
		client:   client,
		features: features,
		entity:   "item_id",
		ttl:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.ttl > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, map[string]float64]{
			NumCounters: 1 << 20,
			MaxCost:     1 << 17,
			BufferItems: 64,

			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("feature: create item feature cache: %w", err)
		}
		f.cache = cache
	}
	return f, nil
}

func (f *FeastItemFeatures) ItemFeatures(ctx context.Context, itemIDs []string) (map[string]map[string]float64, error) {
	out := make(map[string]map[string]float64, len(itemIDs))
	missing := make([]string, 0, len(itemIDs))
	for _, id := range itemIDs {
		if f.cache != nil {
			if v, ok := f.cache.Get(id); ok {
				out[id] = v
				continue
			}
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	rows := make([]map[string]any, len(missing))
	for i, id := range missing {
		rows[i] = map[string]any{f.entity: id}
	}
	resp, err := f.client.GetOnlineFeatures(ctx, &feast.GetOnlineFeaturesRequest{
		Features:   f.features,
		EntityRows: rows,
	})
	if err != nil {
		return out, err
	}
	for i, vec := range resp.FeatureVectors {
		if i >= len(missing) {
			break
		}
		values := make(map[string]float64, len(vec.Values))
		for name, v := range vec.Values {
			if x, ok := conv.ToFloat64(v); ok {
				values[shortName(name)] = x
			}
		}
		out[missing[i]] = values
		if f.cache != nil {
			f.cache.SetWithTTL(missing[i], values, 1, f.ttl)
		}
	}
	return out, nil
}

// Close 释放缓存与客户端
func (f *FeastItemFeatures) Close() error {
	if f.cache != nil {
		f.cache.Close()
	}
	return f.client.Close()
}

func shortName(name string) string {
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		return name[i+1:]
	}
	return name
}

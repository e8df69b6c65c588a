package store

import (
	"bytes"
	"cmp"
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rushteam/rslash/core"
)

// MemoryStore 是进程内的 KeyValueStore，单机部署与测试使用。
// 支持 TTL（惰性过期 + 后台清理），进程重启后数据丢失。
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]memEntry
	zsets  map[string]map[string]float64 // zset key -> member -> score
	hashes map[string]map[string][]byte

	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

type memEntry struct {
	value  []byte
	expire time.Time // 零值表示不过期
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expire.IsZero() && !now.Before(e.expire)
}

// MemoryOption 配置 MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock 替换时间源（测试 TTL 用）
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// WithCleanupInterval 设置后台清理周期，<=0 关闭后台清理
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		if d <= 0 {
			m.stop = nil
			return
		}
		m.startCleanup(d)
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		data:   make(map[string]memEntry),
		zsets:  make(map[string]map[string]float64),
		hashes: make(map[string]map[string][]byte),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) startCleanup(interval time.Duration) {
	m.stop = make(chan struct{})
	go func(stop chan struct{}) {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				m.sweep()
			}
		}
	}(m.stop)
}

func (m *MemoryStore) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.data {
		if e.expired(now) {
			delete(m.data, k)
		}
	}
}

func (m *MemoryStore) Name() string { return "memory" }

func expiry(now time.Time, ttl []int) time.Time {
	if len(ttl) > 0 && ttl[0] > 0 {
		return now.Add(time.Duration(ttl[0]) * time.Second)
	}
	return time.Time{}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.data[key]
	if !ok || e.expired(m.now()) {
		return nil, core.ErrStoreNotFound
	}
	return e.value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl ...int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = memEntry{value: bytes.Clone(value), expire: expiry(m.now(), ttl)}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	delete(m.zsets, key)
	delete(m.hashes, key)
	return nil
}

func (m *MemoryStore) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]byte, len(keys))
	now := m.now()
	for _, k := range keys {
		if e, ok := m.data[k]; ok && !e.expired(now) {
			result[k] = e.value
		}
	}
	return result, nil
}

func (m *MemoryStore) BatchSet(ctx context.Context, kvs map[string][]byte, ttl ...int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp := expiry(m.now(), ttl)
	for k, v := range kvs {
		m.data[k] = memEntry{value: bytes.Clone(v), expire: exp}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.once.Do(func() {
		if m.stop != nil {
			close(m.stop)
		}
	})
	return nil
}

var _ core.KeyValueStore = (*MemoryStore)(nil)

// zset 返回 key 对应的有序集合，create 为 true 时按需创建。调用方持有写锁。
func (m *MemoryStore) zset(key string, create bool) map[string]float64 {
	z := m.zsets[key]
	if z == nil && create {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	return z
}

func (m *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	m.zset(key, true)[member] = score
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ZIncrBy(_ context.Context, key string, increment float64, member string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zset(key, true)
	z[member] += increment
	return z[member], nil
}

// ZRange 按分数降序，同分按成员字典序降序，与 ZREVRANGE 一致。
func (m *MemoryStore) ZRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	members := slices.Collect(maps.Keys(m.zsets[key]))
	z := m.zsets[key]
	slices.SortFunc(members, func(a, b string) int {
		if c := cmp.Compare(z[b], z[a]); c != 0 {
			return c
		}
		return strings.Compare(b, a)
	})
	m.mu.RUnlock()

	lo, hi, ok := rangeBounds(int64(len(members)), start, stop)
	if !ok {
		return nil, nil
	}
	return members[lo : hi+1], nil
}

// rangeBounds 把 Redis 风格的闭区间下标（负数从末尾计）换算成有效下标。
func rangeBounds(n, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start = max(start+n, 0)
	}
	if stop < 0 {
		stop += n
	}
	stop = min(stop, n-1)
	return start, stop, n > 0 && start <= stop
}

func (m *MemoryStore) ZScore(_ context.Context, key string, member string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	score, ok := m.zsets[key][member]
	if !ok {
		return 0, core.ErrStoreNotFound
	}
	return score, nil
}

// ZScale 缩放后低于 floor 的成员被移除，集合空了就删掉 key。
func (m *MemoryStore) ZScale(_ context.Context, key string, factor, floor float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zset(key, false)
	if z == nil {
		return nil
	}
	maps.DeleteFunc(z, func(_ string, score float64) bool { return score*factor < floor })
	for member := range z {
		z[member] *= factor
	}
	if len(z) == 0 {
		delete(m.zsets, key)
	}
	return nil
}

func (m *MemoryStore) HGet(_ context.Context, key, field string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.hashes[key][field]
	if !ok {
		return nil, core.ErrStoreNotFound
	}
	return v, nil
}

func (m *MemoryStore) HSet(_ context.Context, key, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashes[key]
	if h == nil {
		h = make(map[string][]byte)
		m.hashes[key] = h
	}
	h[field] = bytes.Clone(value)
	return nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := maps.Clone(m.hashes[key])
	if out == nil {
		out = map[string][]byte{}
	}
	return out, nil
}

func (m *MemoryStore) HDel(_ context.Context, key, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.hashes[key]; h != nil {
		delete(h, field)
		if len(h) == 0 {
			delete(m.hashes, key)
		}
	}
	return nil
}

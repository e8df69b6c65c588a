package feature

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/rushteam/rslash/core"
)

// CachedProfileStore 是画像读缓存，放在远程画像存储（Redis/Badger）前面，
// 减少推荐请求对远程存储的访问。
//
// 读：命中直接返回，未命中读穿透并回填。
// 写：Update/Reset 先写后端，成功后刷新缓存（同步等待缓存写入生效）。
type CachedProfileStore struct {
	inner core.ProfileStore
	cache *ristretto.Cache[string, *core.UserProfile]
	ttl   time.Duration

	// 串行化回填，保证缓存中的版本只增不减
	fillMu sync.Mutex
}

// NewCachedProfileStore maxProfiles 为缓存的画像数量上限，ttl 为条目过期时间。
func NewCachedProfileStore(inner core.ProfileStore, maxProfiles int64, ttl time.Duration) (*CachedProfileStore, error) {
	if maxProfiles <= 0 {
		maxProfiles = 100_000
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *core.UserProfile]{
		NumCounters: maxProfiles * 10,
		MaxCost:     maxProfiles,
		BufferItems: 64,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("feature: create profile cache: %w", err)
	}
	return &CachedProfileStore{inner: inner, cache: cache, ttl: ttl}, nil
}

func (s *CachedProfileStore) Get(ctx context.Context, userID string) (*core.UserProfile, error) {
	if p, ok := s.cache.Get(userID); ok {
		return p, nil
	}
	p, err := s.inner.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.refresh(userID, p)
	return p, nil
}

func (s *CachedProfileStore) Update(ctx context.Context, userID string, fn func(p *core.UserProfile) error) (*core.UserProfile, error) {
	s.cache.Del(userID)
	p, err := s.inner.Update(ctx, userID, fn)
	if err != nil {
		return nil, err
	}
	s.refresh(userID, p)
	return p, nil
}

func (s *CachedProfileStore) Reset(ctx context.Context, userID string) error {
	s.cache.Del(userID)
	if err := s.inner.Reset(ctx, userID); err != nil {
		return err
	}
	if p, err := s.inner.Get(ctx, userID); err == nil {
		s.refresh(userID, p)
	}
	return nil
}

// refresh 回填缓存；缓存中已有更新的版本时不覆盖。
func (s *CachedProfileStore) refresh(userID string, p *core.UserProfile) {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	if cur, ok := s.cache.Get(userID); ok && cur.Version > p.Version {
		return
	}
	s.cache.SetWithTTL(userID, p, 1, s.ttl)
	s.cache.Wait()
}

// Invalidate 丢弃某个用户的缓存
func (s *CachedProfileStore) Invalidate(userID string) { s.cache.Del(userID) }

// Close 释放缓存
func (s *CachedProfileStore) Close() { s.cache.Close() }

var _ core.ProfileStore = (*CachedProfileStore)(nil)

package session

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rushteam/rslash/core"
)

const memoryShards = 64

// MemoryCache 是进程内会话缓存，按会话哈希分片，不同会话互不加锁。
type MemoryCache struct {
	opts   Options
	shards [memoryShards]memoryShard
	now    func() time.Time
}

type memoryShard struct {
	mu       sync.Mutex
	sessions map[string]map[string]time.Time // session -> item -> 最后下发时间
}

func NewMemoryCache(opts Options) *MemoryCache {
	c := &MemoryCache{opts: opts.withDefaults(), now: time.Now}
	for i := range c.shards {
		c.shards[i].sessions = make(map[string]map[string]time.Time)
	}
	return c
}

// WithClock 替换时间源（测试用）
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

func (c *MemoryCache) shard(sessionID string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &c.shards[h.Sum32()%memoryShards]
}

// pruneLocked 删除会话中过期的条目，会话为空时一并删除
func (s *memoryShard) pruneLocked(sessionID string, cutoff time.Time) map[string]time.Time {
	rec := s.sessions[sessionID]
	for id, at := range rec {
		if !at.After(cutoff) {
			delete(rec, id)
		}
	}
	if rec != nil && len(rec) == 0 {
		delete(s.sessions, sessionID)
		return nil
	}
	return rec
}

func (c *MemoryCache) Filter(ctx context.Context, sessionID string, cands []*core.Candidate, want int) ([]*core.Candidate, error) {
	if sessionID == "" || len(cands) == 0 {
		return cands, nil
	}
	cutoff := c.now().Add(-c.opts.TTL)

	s := c.shard(sessionID)
	s.mu.Lock()
	rec := s.pruneLocked(sessionID, cutoff)
	served := make(map[string]time.Time)
	for _, cand := range cands {
		if at, ok := rec[cand.ID()]; ok {
			served[cand.ID()] = at
		}
	}
	s.mu.Unlock()

	return applyWindow(cands, served, want, c.opts.ExhaustionRatio), nil
}

func (c *MemoryCache) Record(ctx context.Context, sessionID string, itemIDs []string) error {
	if sessionID == "" || len(itemIDs) == 0 {
		return nil
	}
	now := c.now()

	s := c.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.pruneLocked(sessionID, now.Add(-c.opts.TTL))
	if rec == nil {
		rec = make(map[string]time.Time, len(itemIDs))
		s.sessions[sessionID] = rec
	}
	for _, id := range itemIDs {
		rec[id] = now
	}
	return nil
}

// Sweep 清理所有会话中的过期条目，返回清理后的会话数。
func (c *MemoryCache) Sweep() int {
	cutoff := c.now().Add(-c.opts.TTL)
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for id := range s.sessions {
			s.pruneLocked(id, cutoff)
		}
		n += len(s.sessions)
		s.mu.Unlock()
	}
	return n
}

// Run 周期性执行 Sweep，直到 ctx 结束。
func (c *MemoryCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.opts.TTL / 2
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep()
		}
	}
}

var _ core.SessionCache = (*MemoryCache)(nil)

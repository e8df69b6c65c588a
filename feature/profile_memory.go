package feature

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rushteam/rslash/core"
)

const profileShards = 64

// MemoryProfileStore 是进程内画像存储。
//
// 每个用户一个槽位：写入者持槽位锁，在副本上修改后整体替换快照；
// 读取只做一次原子指针读取。不同用户的槽位互不相干，分片锁只在首次创建槽位时持有。
type MemoryProfileStore struct {
	shards [profileShards]profileShard
	now    func() time.Time
}

type profileShard struct {
	mu    sync.RWMutex
	slots map[string]*profileSlot
}

type profileSlot struct {
	mu   sync.Mutex
	snap atomic.Pointer[core.UserProfile]
}

func NewMemoryProfileStore() *MemoryProfileStore {
	s := &MemoryProfileStore{now: time.Now}
	for i := range s.shards {
		s.shards[i].slots = make(map[string]*profileSlot)
	}
	return s
}

func (s *MemoryProfileStore) shard(userID string) *profileShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &s.shards[h.Sum32()%profileShards]
}

func (s *MemoryProfileStore) slot(userID string, create bool) *profileSlot {
	sh := s.shard(userID)
	sh.mu.RLock()
	sl := sh.slots[userID]
	sh.mu.RUnlock()
	if sl != nil || !create {
		return sl
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sl = sh.slots[userID]; sl == nil {
		sl = &profileSlot{}
		sh.slots[userID] = sl
	}
	return sl
}

func (s *MemoryProfileStore) Get(_ context.Context, userID string) (*core.UserProfile, error) {
	sl := s.slot(userID, false)
	if sl == nil {
		return nil, core.ErrProfileNotFound
	}
	p := sl.snap.Load()
	if p == nil {
		return nil, core.ErrProfileNotFound
	}
	return p, nil
}

func (s *MemoryProfileStore) Update(ctx context.Context, userID string, fn func(p *core.UserProfile) error) (*core.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sl := s.slot(userID, true)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	working := sl.snap.Load().Clone()
	if working == nil {
		working = core.NewUserProfile(userID)
	}
	if err := fn(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = s.now()
	working.Version++
	sl.snap.Store(working)
	return working, nil
}

func (s *MemoryProfileStore) Reset(ctx context.Context, userID string) error {
	_, err := s.Update(ctx, userID, func(p *core.UserProfile) error {
		p.ResetTo(s.now())
		return nil
	})
	return err
}

// Len 返回画像数量
func (s *MemoryProfileStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, sl := range sh.slots {
			if sl.snap.Load() != nil {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

var _ core.ProfileStore = (*MemoryProfileStore)(nil)

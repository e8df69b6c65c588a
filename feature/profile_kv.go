package feature

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/rushteam/rslash/core"
)

const profileLockStripes = 256

// KVProfileStore 把画像以 JSON 存在任意 core.Store 中（key: profile:<userID>）。
//
// 同一进程内按用户串行写入（条带锁）；多进程同时写同一用户时以最后写入为准，
// 部署上由反馈按用户哈希路由保证单写者。
type KVProfileStore struct {
	store  core.Store
	prefix string
	locks  [profileLockStripes]sync.Mutex
	now    func() time.Time
}

func NewKVProfileStore(store core.Store) *KVProfileStore {
	return &KVProfileStore{store: store, prefix: "profile:", now: time.Now}
}

// WithPrefix 设置 key 前缀
func (s *KVProfileStore) WithPrefix(prefix string) *KVProfileStore {
	s.prefix = prefix
	return s
}

func (s *KVProfileStore) key(userID string) string { return s.prefix + userID }

func (s *KVProfileStore) lock(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &s.locks[h.Sum32()%profileLockStripes]
}

func (s *KVProfileStore) Get(ctx context.Context, userID string) (*core.UserProfile, error) {
	data, err := s.store.Get(ctx, s.key(userID))
	if err != nil {
		if core.IsNotFound(err) {
			return nil, core.ErrProfileNotFound
		}
		return nil, err
	}
	var p core.UserProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, core.WrapDomainError(core.ModuleFeature, core.ErrorCodeInternalError, "feature: decode profile "+userID, err)
	}
	if p.Affinity == nil {
		p.Affinity = make(map[string]float64)
	}
	return &p, nil
}

func (s *KVProfileStore) Update(ctx context.Context, userID string, fn func(p *core.UserProfile) error) (*core.UserProfile, error) {
	mu := s.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.Get(ctx, userID)
	switch {
	case core.IsNotFound(err):
		p = core.NewUserProfile(userID)
	case err != nil:
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = s.now()
	p.Version++

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("feature: encode profile %s: %w", userID, err)
	}
	if err := s.store.Set(ctx, s.key(userID), data); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *KVProfileStore) Reset(ctx context.Context, userID string) error {
	_, err := s.Update(ctx, userID, func(p *core.UserProfile) error {
		p.ResetTo(s.now())
		return nil
	})
	return err
}

var _ core.ProfileStore = (*KVProfileStore)(nil)

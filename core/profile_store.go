package core

import "context"

// ProfileStore 是用户画像存储（Feature Store）的领域接口。
//
// 并发模型：
//   - Get 读取不可变快照，不被写入阻塞（至多等待一次指针交换）
//   - Update 按用户串行：同一用户的更新排队，不同用户完全并行
//
// 实现：
//   - feature.MemoryProfileStore：进程内，分片 + 每用户锁
//   - feature.KVProfileStore：任意 core.Store（Redis、Badger、内存）
//   - feature.CachedProfileStore：TTL 读缓存装饰器
type ProfileStore interface {
	// Get 读取画像快照；不存在返回 NOT_FOUND。返回值不得被修改。
	Get(ctx context.Context, userID string) (*UserProfile, error)

	// Update 在用户级互斥内执行 fn。fn 收到的是可修改的副本（不存在时为新的冷启动画像），
	// fn 返回 nil 时副本被提交并返回。
	Update(ctx context.Context, userID string, fn func(p *UserProfile) error) (*UserProfile, error)

	// Reset 把画像重置为冷启动（清空亲和度与探索计数）。
	Reset(ctx context.Context, userID string) error
}

// SessionCache 是会话去重层的领域接口。
type SessionCache interface {
	// Filter 去除会话窗口内已下发过的候选。want 为下游期望条数，
	// 当过滤会移除过大比例且剩余不足 want 时，按最久未下发的顺序放回部分候选。
	Filter(ctx context.Context, sessionID string, cands []*Candidate, want int) ([]*Candidate, error)

	// Record 记录本次下发的物品。
	Record(ctx context.Context, sessionID string, itemIDs []string) error
}

// ErrProfileNotFound 表示用户画像不存在
var ErrProfileNotFound = NewDomainError(ModuleFeature, ErrorCodeNotFound, "feature: profile not found")

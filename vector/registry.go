package vector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pkg/logging"
	"github.com/rushteam/rslash/pkg/metrics"
)

// Registry 持有当前服务中的索引，实现 core.EmbeddingIndex。
//
// Swap 整体替换索引：已经拿到旧索引的查询在旧索引上完成，新请求看到新索引。
// Rebuild 在服务路径之外全量构建，期间的写入先作用于旧索引并记入日志，
// 构建完成后在新索引上重放，再交换，保证不丢写。
type Registry struct {
	cur atomic.Pointer[Index]

	// table 可选，物品主表（Hash），管理接口的写入同步落表，供重建使用
	table    core.KeyValueStore
	tableKey string

	rebuildMu sync.Mutex // 同一时间只允许一个重建

	gate       sync.RWMutex // 写入持读锁，重建收尾持写锁
	journalMu  sync.Mutex
	rebuilding bool
	journal    []journalOp
}

type journalOp struct {
	item   *core.Item // nil 表示删除
	remove string
}

// NewRegistry 以 idx 作为初始索引。
func NewRegistry(idx *Index) *Registry {
	r := &Registry{}
	r.cur.Store(idx)
	metrics.IndexItems.Set(float64(idx.Len()))
	return r
}

// WithTable 配置物品主表，Upsert/Remove 会同步写入该 Hash。
func (r *Registry) WithTable(table core.KeyValueStore, key string) *Registry {
	r.table = table
	r.tableKey = key
	return r
}

// Current 返回当前索引。
func (r *Registry) Current() *Index { return r.cur.Load() }

// Swap 替换当前索引，返回旧索引。
func (r *Registry) Swap(idx *Index) *Index {
	old := r.cur.Swap(idx)
	metrics.IndexItems.Set(float64(idx.Len()))
	return old
}

func (r *Registry) Upsert(ctx context.Context, item *core.Item) error {
	r.gate.RLock()
	defer r.gate.RUnlock()

	if err := r.cur.Load().Upsert(ctx, item); err != nil {
		return err
	}
	r.record(journalOp{item: item.Clone()})
	metrics.IndexItems.Set(float64(r.Len()))

	if r.table != nil {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("vector: encode item %s: %w", item.ID, err)
		}
		if err := r.table.HSet(ctx, r.tableKey, item.ID, data); err != nil {
			return fmt.Errorf("vector: write item table: %w", err)
		}
	}
	return nil
}

func (r *Registry) Remove(ctx context.Context, itemID string) error {
	r.gate.RLock()
	defer r.gate.RUnlock()

	if err := r.cur.Load().Remove(ctx, itemID); err != nil {
		return err
	}
	r.record(journalOp{remove: itemID})
	metrics.IndexItems.Set(float64(r.Len()))

	if r.table != nil {
		if err := r.table.HDel(ctx, r.tableKey, itemID); err != nil && !core.IsNotFound(err) {
			return fmt.Errorf("vector: delete from item table: %w", err)
		}
	}
	return nil
}

func (r *Registry) QueryTopK(ctx context.Context, vec []float64, k int) ([]core.Hit, error) {
	return r.cur.Load().QueryTopK(ctx, vec, k)
}

func (r *Registry) Get(ctx context.Context, itemID string) (*core.Item, error) {
	return r.cur.Load().Get(ctx, itemID)
}

func (r *Registry) Len() int { return r.cur.Load().Len() }

func (r *Registry) record(op journalOp) {
	r.journalMu.Lock()
	if r.rebuilding {
		r.journal = append(r.journal, op)
	}
	r.journalMu.Unlock()
}

// Rebuild 从 src 构建新索引（参数沿用当前索引）并交换。
func (r *Registry) Rebuild(ctx context.Context, src ItemSource) (int, error) {
	if !r.rebuildMu.TryLock() {
		return 0, core.NewDomainError(core.ModuleVector, core.ErrorCodeUnavailable, "vector: rebuild already running")
	}
	defer r.rebuildMu.Unlock()

	start := time.Now()
	log := logging.Component("vector")

	// 等待进行中的写入完成落表后再开启日志
	r.gate.Lock()
	r.journalMu.Lock()
	r.rebuilding = true
	r.journal = nil
	r.journalMu.Unlock()
	r.gate.Unlock()
	defer func() {
		r.journalMu.Lock()
		r.rebuilding = false
		r.journal = nil
		r.journalMu.Unlock()
	}()

	items, err := src.Items(ctx)
	if err != nil {
		metrics.IndexRebuilds.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("vector: read rebuild source: %w", err)
	}
	next, err := New(r.cur.Load().Options())
	if err != nil {
		return 0, err
	}
	if err := next.UpsertBatch(ctx, items); err != nil {
		metrics.IndexRebuilds.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("vector: load rebuild source: %w", err)
	}

	// 收尾：阻塞新的写入，重放日志后交换
	r.gate.Lock()
	r.journalMu.Lock()
	journal := r.journal
	r.journal = nil
	r.journalMu.Unlock()
	for _, op := range journal {
		if op.item != nil {
			err = next.Upsert(ctx, op.item)
		} else {
			err = next.Remove(ctx, op.remove)
		}
		if err != nil {
			r.gate.Unlock()
			metrics.IndexRebuilds.WithLabelValues("error").Inc()
			return 0, fmt.Errorf("vector: replay journal: %w", err)
		}
	}
	r.Swap(next)
	r.gate.Unlock()

	metrics.IndexRebuilds.WithLabelValues("ok").Inc()
	log.Info().
		Int("items", next.Len()).
		Int("replayed", len(journal)).
		Int("ivf_shards", next.Trained()).
		Dur("elapsed", time.Since(start)).
		Msg("index rebuilt")
	return next.Len(), nil
}

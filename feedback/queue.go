package feedback

import (
	"sync"

	"github.com/rushteam/rslash/core"
)

type queued struct {
	seq uint64
	ev  *core.FeedbackEvent
}

// fifo 是切片实现的先进先出队列，出队过半时压缩底层数组。
type fifo struct {
	items []queued
	head  int
}

func (f *fifo) len() int { return len(f.items) - f.head }

func (f *fifo) push(q queued) { f.items = append(f.items, q) }

func (f *fifo) peek() (queued, bool) {
	if f.len() == 0 {
		return queued{}, false
	}
	return f.items[f.head], true
}

func (f *fifo) pop() queued {
	q := f.items[f.head]
	f.items[f.head] = queued{}
	f.head++
	if f.head > 64 && f.head*2 >= len(f.items) {
		n := copy(f.items, f.items[f.head:])
		clear(f.items[n:])
		f.items = f.items[:n]
		f.head = 0
	}
	return q
}

// shardQueue 是一个 worker 的有界队列。曝光与交互分开排队，出队时按全局序号取更早的一个，
// 整体仍是先进先出；满了只淘汰曝光，交互总是入队。
type shardQueue struct {
	mu           sync.Mutex
	capacity     int
	impressions  fifo
	interactions fifo
	ready        chan struct{}
	closed       bool
}

func newShardQueue(capacity int) *shardQueue {
	return &shardQueue{capacity: capacity, ready: make(chan struct{}, 1)}
}

type pushResult struct {
	closed   bool // 队列已关闭，事件未入队
	admitted bool
	evicted  *core.FeedbackEvent // 为腾出空间被淘汰的最老曝光
	overflow bool                // 交互超出容量入队
}

func (q *shardQueue) push(seq uint64, ev *core.FeedbackEvent) pushResult {
	q.mu.Lock()
	var res pushResult
	if q.closed {
		q.mu.Unlock()
		res.closed = true
		return res
	}
	full := q.impressions.len()+q.interactions.len() >= q.capacity
	switch {
	case !full:
		res.admitted = true
	case q.impressions.len() > 0:
		res.evicted = q.impressions.pop().ev
		res.admitted = true
	case ev.IsInteraction():
		res.admitted = true
		res.overflow = true
	}
	if res.admitted {
		if ev.IsInteraction() {
			q.interactions.push(queued{seq: seq, ev: ev})
		} else {
			q.impressions.push(queued{seq: seq, ev: ev})
		}
	}
	q.mu.Unlock()

	if res.admitted {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return res
}

// close 之后 push 一律拒绝；已入队的事件仍可 pop。
func (q *shardQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// pop 取出序号最小的事件，队列为空时返回 false。
func (q *shardQueue) pop() (*core.FeedbackEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	imp, okImp := q.impressions.peek()
	act, okAct := q.interactions.peek()
	switch {
	case okImp && (!okAct || imp.seq < act.seq):
		return q.impressions.pop().ev, true
	case okAct:
		return q.interactions.pop().ev, true
	}
	return nil, false
}

func (q *shardQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.impressions.len() + q.interactions.len()
}

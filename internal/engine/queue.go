package engine

import (
	"sync"
)

// Queue 无界 FIFO 事件队列。
//
// 撮合事件（尤其是多 maker 成交串）绝不允许因背压丢弃，所以这里不用
// 带缓冲 channel：写入永不阻塞、永不失败，读取按到达顺序逐条取出。
// 模式切换不可交换，顺序就是语义。
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []any
	closed bool
}

func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push 入队。队列已关闭时返回 false（事件被丢弃方知情）。
func (q *Queue) Push(item any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return true
}

// Pop 阻塞等待下一个事件。
// 关闭后仍会把剩余事件排空，之后返回 (nil, false)。
func (q *Queue) Pop() (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items[0] = nil // 让底层数组尽快释放引用
	q.items = q.items[1:]
	return item, true
}

// Len 当前积压长度。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close 关闭队列：之后 Push 失败，Pop 排空剩余后返回 false。
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

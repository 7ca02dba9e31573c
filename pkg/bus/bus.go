package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// TaskBus connects front-end bridges to the router: bridges publish inbound
// tasks, the gateway loop consumes them and publishes replies back out.
type TaskBus struct {
	inbound  chan Task
	outbound chan Reply
	closed   bool
	dropped  droppedCounters
	mu       sync.RWMutex
}

type droppedCounters struct {
	inbound  atomic.Uint64
	outbound atomic.Uint64
}

const publishTimeout = 100 * time.Millisecond

func NewTaskBus() *TaskBus {
	return &TaskBus{
		inbound:  make(chan Task, 100),
		outbound: make(chan Reply, 100),
	}
}

func (tb *TaskBus) PublishTask(task Task) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	if tb.closed {
		return
	}

	select {
	case tb.inbound <- task:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case tb.inbound <- task:
		case <-timer.C:
			tb.dropped.inbound.Add(1)
		}
	}
}

func (tb *TaskBus) ConsumeTask(ctx context.Context) (Task, bool) {
	select {
	case task, ok := <-tb.inbound:
		if !ok {
			return Task{}, false
		}
		return task, true
	case <-ctx.Done():
		return Task{}, false
	}
}

func (tb *TaskBus) PublishReply(reply Reply) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	if tb.closed {
		return
	}

	select {
	case tb.outbound <- reply:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case tb.outbound <- reply:
		case <-timer.C:
			tb.dropped.outbound.Add(1)
		}
	}
}

func (tb *TaskBus) ConsumeReply(ctx context.Context) (Reply, bool) {
	select {
	case reply, ok := <-tb.outbound:
		if !ok {
			return Reply{}, false
		}
		return reply, true
	case <-ctx.Done():
		return Reply{}, false
	}
}

func (tb *TaskBus) Close() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.closed {
		return
	}
	tb.closed = true
	close(tb.inbound)
	close(tb.outbound)
}

func (tb *TaskBus) DroppedTasks() uint64 {
	return tb.dropped.inbound.Load()
}

func (tb *TaskBus) DroppedReplies() uint64 {
	return tb.dropped.outbound.Load()
}

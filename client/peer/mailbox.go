package peer

import (
	"context"
	"sync"
)

// mailbox runs tasks of one session strictly one after another in push order.
type mailbox struct {
	mx     sync.Mutex
	tasks  []func(context.Context)
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// push enqueues task. It reports false once the mailbox is closed.
func (b *mailbox) push(task func(context.Context)) bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return false
	}
	b.tasks = append(b.tasks, task)
	b.notify()
	return true
}

// close lets already queued tasks finish and then stops run.
func (b *mailbox) close() {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.closed = true
	b.notify()
}

func (b *mailbox) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// run executes tasks until the mailbox is closed and drained. Tasks keep
// running after ctx is done and see it canceled, so a queued close is never lost.
func (b *mailbox) run(ctx context.Context) {
	defer close(b.done)
	for {
		<-b.wake
		for {
			b.mx.Lock()
			if len(b.tasks) == 0 {
				closed := b.closed
				b.mx.Unlock()
				if closed {
					return
				}
				break
			}
			task := b.tasks[0]
			b.tasks[0] = nil
			b.tasks = b.tasks[1:]
			b.mx.Unlock()

			task(ctx)
		}
	}
}

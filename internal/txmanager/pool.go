package txmanager

import (
	"container/list"
	"context"
	"sync"
)

// slotPool is a counting semaphore with strict FIFO hand-off. A released
// slot goes straight to the oldest waiter instead of back to the counter, so
// a newcomer can never overtake someone already queued.
type slotPool struct {
	mu        sync.Mutex
	size      int
	available int
	waiters   list.List // of chan struct{}
}

func newSlotPool(size int) *slotPool {
	return &slotPool{size: size, available: size}
}

// acquire takes a slot, waiting in line if none is free. It only fails when
// ctx ends before a slot is handed over.
func (p *slotPool) acquire(ctx context.Context) error {
	p.mu.Lock()
	if p.available > 0 && p.waiters.Len() == 0 {
		p.available--
		p.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	elem := p.waiters.PushBack(ready)
	p.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		select {
		case <-ready:
			// Handed a slot while giving up: pass it on.
			p.mu.Unlock()
			p.release()
		default:
			p.waiters.Remove(elem)
			p.mu.Unlock()
		}
		return ctx.Err()
	}
}

// release returns a slot, waking the oldest waiter if there is one.
func (p *slotPool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}

	if p.available == p.size {
		panic("txmanager: slot released more times than acquired")
	}
	p.available++
}

func (p *slotPool) availableSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

func (p *slotPool) waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters.Len()
}

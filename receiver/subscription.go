package receiver

import (
	"context"
	"sync"
	"sync/atomic"

	"go.mau.fi/fedsync/fedtypes"
)

// Subscription receives accepted PDUs until it's closed.
type Subscription struct {
	ch      chan *fedtypes.PDU
	lock    sync.RWMutex
	closed  bool
	dropped atomic.Int64
	stop    func() bool
	r       *Receiver
}

// Subscribe creates a subscription for newly accepted PDUs. If the buffer is
// full when a PDU is accepted, the PDU is dropped for this subscriber. The
// subscription is closed automatically when the context is canceled.
func (r *Receiver) Subscribe(ctx context.Context, buffer int) *Subscription {
	sub := &Subscription{
		ch: make(chan *fedtypes.PDU, max(buffer, 0)),
		r:  r,
	}
	r.subscriptions.Add(sub)
	sub.stop = context.AfterFunc(ctx, sub.close)
	return sub
}

// Events returns the channel that accepted PDUs are delivered to. It's closed
// when the subscription ends.
func (sub *Subscription) Events() <-chan *fedtypes.PDU {
	return sub.ch
}

// Dropped returns the number of PDUs that didn't fit into the buffer.
func (sub *Subscription) Dropped() int64 {
	return sub.dropped.Load()
}

func (sub *Subscription) Close() {
	sub.stop()
	sub.close()
}

func (sub *Subscription) close() {
	sub.r.subscriptions.Pop(sub)
	sub.lock.Lock()
	defer sub.lock.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

func (sub *Subscription) publish(pdu *fedtypes.PDU) bool {
	sub.lock.RLock()
	defer sub.lock.RUnlock()
	if sub.closed {
		return true
	}
	select {
	case sub.ch <- pdu:
		return true
	default:
		sub.dropped.Add(1)
		return false
	}
}

func (r *Receiver) publish(pdu *fedtypes.PDU) {
	for _, sub := range r.subscriptions.AsList() {
		if !sub.publish(pdu) {
			droppedNotifications.Inc()
		}
	}
}

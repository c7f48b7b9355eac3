package realtime

import (
	"context"
	"sync"
)

// Notifier runs a set of subscribers and feeds their events to an invalidator.
type Notifier struct {
	subscribers []*Subscriber
	invalidator *Invalidator
	wg          sync.WaitGroup
}

// NewNotifier builds a subscriber per source sharing cfg.
func NewNotifier(invalidator *Invalidator, cfg SubscriberConfig, sources ...Source) *Notifier {
	n := &Notifier{invalidator: invalidator}
	for _, src := range sources {
		n.subscribers = append(n.subscribers, NewSubscriber(src, cfg))
	}
	return n
}

// Start launches every subscriber and the invalidation loop.
func (n *Notifier) Start(ctx context.Context) {
	streams := make([]<-chan Event, 0, len(n.subscribers))
	for _, sub := range n.subscribers {
		streams = append(streams, sub.Events())
		n.wg.Add(1)
		go func(s *Subscriber) {
			defer n.wg.Done()
			s.Run(ctx)
		}(sub)
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.invalidator.Run(ctx, streams...)
	}()
}

// Wait blocks until every goroutine started by Start has returned.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Reconnect asks every subscriber to rebuild its subscription.
func (n *Notifier) Reconnect() {
	for _, sub := range n.subscribers {
		sub.Reconnect()
	}
}

// Status reports every subscriber.
func (n *Notifier) Status() []Snapshot {
	out := make([]Snapshot, 0, len(n.subscribers))
	for _, sub := range n.subscribers {
		out = append(out, sub.Snapshot())
	}
	return out
}

// Healthy reports whether every subscriber currently holds a subscription.
func (n *Notifier) Healthy() bool {
	for _, sub := range n.subscribers {
		if sub.Snapshot().State != StateSubscribed {
			return false
		}
	}
	return true
}

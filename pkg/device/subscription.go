package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/xmihome/internal/groutine"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Callback receives property change notifications.
type Callback func(value interface{})

// subscription is one property's live registration: its ordered callbacks
// and the teardown for the underlying delivery mechanism.
type subscription struct {
	prop      *PropertyDescriptor
	callbacks *orderedmap.OrderedMap[int, Callback]
	stop      func(context.Context) error
}

// subscriptionSet holds a device's subscriptions in registration order, so
// post-reconnect restore replays them exactly as they were established.
type subscriptionSet struct {
	dev *Device

	mu        sync.Mutex
	m         *orderedmap.OrderedMap[string, *subscription]
	nextToken int
}

func newSubscriptionSet(dev *Device) *subscriptionSet {
	return &subscriptionSet{dev: dev, m: orderedmap.New[string, *subscription]()}
}

// add registers a callback, creating the underlying delivery mechanism when
// it is the property's first.
func (s *subscriptionSet) add(ctx context.Context, tr Transport, prop *PropertyDescriptor, fn Callback) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.m.Get(prop.Name)
	if !ok {
		sub = &subscription{prop: prop, callbacks: orderedmap.New[int, Callback]()}
		stop, err := s.establish(ctx, tr, sub)
		if err != nil {
			return 0, err
		}
		sub.stop = stop
		s.m.Set(prop.Name, sub)
	}

	s.nextToken++
	token := s.nextToken
	sub.callbacks.Set(token, fn)
	return token, nil
}

// remove drops one registration; the last one tears the mechanism down.
func (s *subscriptionSet) remove(ctx context.Context, name string, token int) error {
	s.mu.Lock()
	sub, ok := s.m.Get(name)
	if !ok {
		s.mu.Unlock()
		return nil
	}
	sub.callbacks.Delete(token)
	if sub.callbacks.Len() > 0 {
		s.mu.Unlock()
		return nil
	}
	s.m.Delete(name)
	stop := sub.stop
	sub.stop = nil
	s.mu.Unlock()

	if stop != nil {
		return stop(ctx)
	}
	return nil
}

// stopAll tears down every subscription best-effort. Errors are logged, not
// returned: teardown must not block a disconnect.
func (s *subscriptionSet) stopAll(ctx context.Context) {
	s.mu.Lock()
	var stale []*subscription
	for pair := s.m.Oldest(); pair != nil; pair = pair.Next() {
		stale = append(stale, pair.Value)
	}
	s.m = orderedmap.New[string, *subscription]()
	s.mu.Unlock()

	for _, sub := range stale {
		if sub.stop == nil {
			continue
		}
		if err := sub.stop(ctx); err != nil {
			s.dev.log.WithFields(logrus.Fields{
				"property": sub.prop.Name,
				"error":    err,
			}).Warn("Failed to stop subscription")
		}
		sub.stop = nil
	}
}

// snapshot returns the live subscriptions in registration order. The
// entries keep their callbacks, so restore can rebuild delivery without
// touching caller registrations.
func (s *subscriptionSet) snapshot() []*subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*subscription, 0, s.m.Len())
	for pair := s.m.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// restore re-establishes captured subscriptions in their original order.
// Cancellation mid-restore leaves the remaining ones unregistered.
func (s *subscriptionSet) restore(ctx context.Context, tr Transport, subs []*subscription) {
	for i, sub := range subs {
		if ctx.Err() != nil {
			s.dev.log.WithField("remaining", len(subs)-i).Warn("Reconnect cancelled, subscriptions left unregistered")
			return
		}
		stop, err := s.establish(ctx, tr, sub)
		if err != nil {
			s.dev.log.WithFields(logrus.Fields{
				"property": sub.prop.Name,
				"error":    err,
			}).Warn("Failed to restore subscription")
			continue
		}
		s.mu.Lock()
		sub.stop = stop
		s.m.Set(sub.prop.Name, sub)
		s.mu.Unlock()
	}
}

// establish creates the underlying delivery mechanism for a subscription.
func (s *subscriptionSet) establish(ctx context.Context, tr Transport, sub *subscription) (func(context.Context) error, error) {
	if n, ok := tr.(Notifier); ok {
		return n.StartNotify(ctx, sub.prop, func(v interface{}) { s.dispatch(sub.prop, v) })
	}
	return s.startPolling(tr, sub), nil
}

// startPolling emulates notifications for transports without native notify:
// a fixed-interval read that only dispatches when the value's fingerprint
// differs from the last delivered one.
func (s *subscriptionSet) startPolling(tr Transport, sub *subscription) func(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	groutine.Go(ctx, "poll-"+sub.prop.Name, func(ctx context.Context) {
		defer close(done)
		ticker := time.NewTicker(s.dev.opts.PollInterval)
		defer ticker.Stop()

		var last string
		var delivered bool
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				value, err := tr.GetProperty(ctx, sub.prop)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					s.dev.log.WithFields(logrus.Fields{
						"property": sub.prop.Name,
						"error":    err,
					}).Debug("Poll read failed")
					continue
				}
				fp := fmt.Sprintf("%v", value)
				if delivered && fp == last {
					continue
				}
				last, delivered = fp, true
				s.dispatch(sub.prop, value)
			}
		}
	})

	return func(context.Context) error {
		cancel()
		<-done
		return nil
	}
}

// dispatch fans a value out to the property's callbacks in registration
// order, then publishes it on the device event stream.
func (s *subscriptionSet) dispatch(prop *PropertyDescriptor, value interface{}) {
	s.mu.Lock()
	sub, ok := s.m.Get(prop.Name)
	if !ok {
		s.mu.Unlock()
		return
	}
	fns := make([]Callback, 0, sub.callbacks.Len())
	for pair := sub.callbacks.Oldest(); pair != nil; pair = pair.Next() {
		fns = append(fns, pair.Value)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
	s.dev.emit(PropertyChangedEvent{Property: prop.Name, Value: value})
}

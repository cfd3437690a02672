package utils

import "sync"

// Subscription is one consumer of a Dispatcher.
type Subscription[T interface{}] struct {
	channel    chan T
	blocking   bool
	dispatcher *Dispatcher[T]
}

// Dispatcher fans values out to all current subscriptions. Non-blocking
// subscriptions drop values while their buffer is full.
type Dispatcher[T interface{}] struct {
	mutex         sync.Mutex
	subscriptions []*Subscription[T]
}

func (d *Dispatcher[T]) Subscribe(capacity int, blocking bool) *Subscription[T] {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	subscription := &Subscription[T]{
		channel:    make(chan T, capacity),
		blocking:   blocking,
		dispatcher: d,
	}
	d.subscriptions = append(d.subscriptions, subscription)

	return subscription
}

func (s *Subscription[T]) Unsubscribe() {
	if s.dispatcher == nil {
		return
	}

	s.dispatcher.Unsubscribe(s)
}

func (s *Subscription[T]) Channel() <-chan T {
	return s.channel
}

func (d *Dispatcher[T]) Unsubscribe(subscription *Subscription[T]) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if subscription.dispatcher != d {
		return
	}

	for i, s := range d.subscriptions {
		if s == subscription {
			d.subscriptions = append(d.subscriptions[:i], d.subscriptions[i+1:]...)
			subscription.dispatcher = nil
			return
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (d *Dispatcher[T]) SubscriberCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.subscriptions)
}

func (d *Dispatcher[T]) Fire(data T) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for _, s := range d.subscriptions {
		if s.blocking {
			s.channel <- data
		} else {
			select {
			case s.channel <- data:
			default:
			}
		}
	}
}

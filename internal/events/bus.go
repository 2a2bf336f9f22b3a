// Package events carries device and task notifications from the core to its
// consumers. A subscriber only sees events published after it subscribed.
package events

import (
	"slices"
	"sync"
	"time"
)

type Kind string

const (
	DeviceOnline       Kind = "device_online"
	DeviceOffline      Kind = "device_offline"
	DeviceUnauthorized Kind = "device_unauthorized"
	DeviceListChanged  Kind = "device_list_changed"
	PackageListChanged Kind = "package_list_changed"
	TaskFinished       Kind = "task_finished"
)

// Event data is a models.Device for device events, a []models.Device for
// DeviceListChanged and a models.TaskInfo for TaskFinished.
type Event struct {
	Kind      Kind
	Serial    string
	Timestamp time.Time
	Data      any
}

// Subscription delivers events on C until it is unsubscribed, after which C
// is closed.
type Subscription struct {
	C <-chan Event

	out   chan Event
	kinds []Kind
}

func (s *Subscription) wants(kind Kind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, kind)
}

type Bus struct {
	mu   sync.Mutex
	subs []*Subscription
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a subscriber buffering up to size events. With no kinds
// every event is delivered.
func (b *Bus) Subscribe(size int, kinds ...Kind) *Subscription {
	out := make(chan Event, size)
	sub := &Subscription{C: out, out: out, kinds: kinds}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub
}

// Unsubscribe is idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.Index(b.subs, sub)
	if i < 0 {
		return
	}
	b.subs = slices.Delete(b.subs, i, i+1)
	close(sub.out)
}

// Publish never blocks: a subscriber with a full buffer misses the event.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if !sub.wants(e.Kind) {
			continue
		}
		select {
		case sub.out <- e:
		default:
		}
	}
}

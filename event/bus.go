// Package event provides a publish/subscribe bus keyed by event kind with priority-ordered listeners.
package event

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
)

// Kind names a class of events. It is used as the subscription key.
type Kind string

// Listener handles a published event. A returned error does not stop delivery to other listeners.
type Listener func(ev any) error

// ListenerPanic is reported for a listener that panicked while handling an event.
type ListenerPanic struct {
	Kind  Kind
	Value any
	Stack []byte
}

func (p *ListenerPanic) Error() string {
	return fmt.Sprintf("listener for %q panicked: %v", p.Kind, p.Value)
}

type subscription struct {
	id       uint64
	listener Listener
	priority int
}

// Bus dispatches events synchronously to the listeners subscribed to their kind.
// It is safe for concurrent use. Listeners run on the publishing goroutine.
type Bus struct {
	mut    sync.RWMutex
	subs   map[Kind][]subscription
	nextID uint64
}

func NewBus() *Bus {
	return &Bus{subs: map[Kind][]subscription{}}
}

// Subscribe adds a listener for kind. Higher priorities run first; equal priorities run in subscription order.
// The returned func removes the listener and may be called more than once.
// A Publish already in progress still delivers to a listener removed during it.
func (b *Bus) Subscribe(kind Kind, l Listener, priority int) (unsubscribe func()) {
	b.mut.Lock()
	defer b.mut.Unlock()
	b.nextID++
	id := b.nextID
	subs := append(b.subs[kind], subscription{id: id, listener: l, priority: priority})
	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].priority > subs[j].priority
	})
	b.subs[kind] = subs
	return func() { b.unsubscribe(kind, id) }
}

func (b *Bus) unsubscribe(kind Kind, id uint64) {
	b.mut.Lock()
	defer b.mut.Unlock()
	subs := b.subs[kind]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		// copy so that snapshots taken by in-flight publishes are untouched
		kept := make([]subscription, 0, len(subs)-1)
		kept = append(kept, subs[:i]...)
		kept = append(kept, subs[i+1:]...)
		if len(kept) == 0 {
			delete(b.subs, kind)
		} else {
			b.subs[kind] = kept
		}
		return
	}
}

func (b *Bus) HasSubscribers(kind Kind) bool {
	b.mut.RLock()
	defer b.mut.RUnlock()
	return len(b.subs[kind]) > 0
}

// Publish delivers ev to every listener of kind, in order.
// Listener errors and panics are collected and returned together once all listeners have run.
func (b *Bus) Publish(ev any, kind Kind) error {
	b.mut.RLock()
	subs := make([]subscription, len(b.subs[kind]))
	copy(subs, b.subs[kind])
	b.mut.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := invoke(kind, s.listener, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func invoke(kind Kind, l Listener, ev any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ListenerPanic{Kind: kind, Value: r, Stack: debug.Stack()}
		}
	}()
	return l(ev)
}

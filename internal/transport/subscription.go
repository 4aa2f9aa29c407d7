package transport

import (
	"sync"

	"github.com/fathima-sithara/chatsync/internal/events"
)

// Handler receives one decoded inbound event. Handlers run on the read
// goroutine, one event at a time.
type Handler func(events.Event)

// StateHandler receives connection lifecycle signals.
type StateHandler func(State)

// Subscription is returned by Subscribe and OnState. Unsubscribe is safe to
// call more than once and from any goroutine.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Unsubscribe() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type stateEntry struct {
	id uint64
	fn StateHandler
}

type registry struct {
	mu     sync.RWMutex
	nextID uint64
	kinds  map[events.Kind][]handlerEntry
	states []stateEntry
}

func newRegistry() *registry {
	return &registry{kinds: make(map[events.Kind][]handlerEntry)}
}

func (r *registry) add(kind events.Kind, fn Handler) *Subscription {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.kinds[kind] = append(r.kinds[kind], handlerEntry{id: id, fn: fn})
	r.mu.Unlock()
	return &Subscription{cancel: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.kinds[kind]
		for i, e := range list {
			if e.id == id {
				r.kinds[kind] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(r.kinds[kind]) == 0 {
			delete(r.kinds, kind)
		}
	}}
}

func (r *registry) addState(fn StateHandler) *Subscription {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.states = append(r.states, stateEntry{id: id, fn: fn})
	r.mu.Unlock()
	return &Subscription{cancel: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.states {
			if e.id == id {
				r.states = append(r.states[:i:i], r.states[i+1:]...)
				break
			}
		}
	}}
}

func (r *registry) handlers(kind events.Kind) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.kinds[kind]
	out := make([]Handler, 0, len(list))
	for _, e := range list {
		out = append(out, e.fn)
	}
	return out
}

func (r *registry) stateHandlers() []StateHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StateHandler, 0, len(r.states))
	for _, e := range r.states {
		out = append(out, e.fn)
	}
	return out
}

func (r *registry) count(kind events.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.kinds[kind])
}

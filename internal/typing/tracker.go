package typing

import (
	"context"
	"sort"
	"sync"
	"time"
)

const DefaultTimeout = 3 * time.Second

// Tracker holds who is typing in which conversation. Entries expire
// Timeout after the last typing signal even if the stop signal never arrives.
type Tracker struct {
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]map[string]time.Time // conversation -> user -> expiresAt
}

func NewTracker(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		timeout: timeout,
		now:     time.Now,
		entries: make(map[string]map[string]time.Time),
	}
}

// Start adds or refreshes userID's entry in conversationID.
func (t *Tracker) Start(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.entries[conversationID]
	if users == nil {
		users = make(map[string]time.Time)
		t.entries[conversationID] = users
	}
	users[userID] = t.now().Add(t.timeout)
}

// Stop removes the entry and reports whether one existed.
func (t *Tracker) Stop(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.entries[conversationID]
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.entries, conversationID)
	}
	return true
}

// Typing returns the users currently typing in conversationID, pruning
// expired entries first.
func (t *Tracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.pruneLocked(conversationID, now)
	users := t.entries[conversationID]
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) IsTyping(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.entries[conversationID][userID]
	if !ok {
		return false
	}
	if !t.now().Before(exp) {
		t.pruneLocked(conversationID, t.now())
		return false
	}
	return true
}

// Sweep removes every expired entry and returns how many it removed.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for conv := range t.entries {
		n += t.pruneLocked(conv, now)
	}
	return n
}

// Run sweeps every interval until ctx is done. onExpire, if set, is called
// after a sweep that removed entries.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, onExpire func(removed int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(); n > 0 && onExpire != nil {
				onExpire(n)
			}
		}
	}
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	t.entries = make(map[string]map[string]time.Time)
	t.mu.Unlock()
}

func (t *Tracker) pruneLocked(conversationID string, now time.Time) int {
	users := t.entries[conversationID]
	n := 0
	for id, exp := range users {
		if !now.Before(exp) {
			delete(users, id)
			n++
		}
	}
	if len(users) == 0 {
		delete(t.entries, conversationID)
	}
	return n
}

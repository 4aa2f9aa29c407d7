package presence

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Querier asks the server for a user's status. The answer arrives later as a
// user_online_status push routed to Set.
type Querier interface {
	QueryOnlineStatus(userID string) error
}

// Tracker is the set of users currently known to be online. It changes only
// on server pushes and on local disconnect.
type Tracker struct {
	log *zap.Logger

	mu      sync.RWMutex
	online  map[string]struct{}
	waiters map[string][]chan bool
}

func NewTracker(log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		log:     log,
		online:  make(map[string]struct{}),
		waiters: make(map[string][]chan bool),
	}
}

func (t *Tracker) MarkOnline(userID string)  { t.Set(userID, true) }
func (t *Tracker) MarkOffline(userID string) { t.Set(userID, false) }

// Set records a status report and reports whether the set changed.
func (t *Tracker) Set(userID string, online bool) bool {
	t.mu.Lock()
	_, was := t.online[userID]
	if online {
		t.online[userID] = struct{}{}
	} else {
		delete(t.online, userID)
	}
	waiters := t.waiters[userID]
	delete(t.waiters, userID)
	t.mu.Unlock()

	for _, ch := range waiters {
		ch <- online
	}
	return was != online
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

func (t *Tracker) Online() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Query emits check_online_status and waits for the answering push.
func (t *Tracker) Query(ctx context.Context, q Querier, userID string) (bool, error) {
	ch := make(chan bool, 1)
	t.mu.Lock()
	t.waiters[userID] = append(t.waiters[userID], ch)
	t.mu.Unlock()

	if err := q.QueryOnlineStatus(userID); err != nil {
		t.dropWaiter(userID, ch)
		return t.IsOnline(userID), err
	}
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		t.dropWaiter(userID, ch)
		return t.IsOnline(userID), ctx.Err()
	}
}

func (t *Tracker) dropWaiter(userID string, ch chan bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.waiters[userID]
	for i, w := range list {
		if w == ch {
			t.waiters[userID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(t.waiters[userID]) == 0 {
		delete(t.waiters, userID)
	}
}

// Clear forgets every status. Called when the local connection drops, since
// no further pushes can be trusted to arrive.
func (t *Tracker) Clear() {
	t.mu.Lock()
	n := len(t.online)
	t.online = make(map[string]struct{})
	t.mu.Unlock()
	if n > 0 {
		t.log.Debug("presence cleared", zap.Int("users", n))
	}
}

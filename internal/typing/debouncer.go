package typing

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultIdle = 1500 * time.Millisecond

// Emitter sends the outbound typing signals.
type Emitter interface {
	EmitTyping(conversationID string) error
	EmitStopTyping(conversationID string) error
}

// Debouncer turns keystrokes into one typing signal per burst and a
// stop_typing signal once input has been idle for the configured period.
type Debouncer struct {
	emit Emitter
	idle time.Duration
	log  *zap.Logger

	mu     sync.Mutex
	bursts map[string]*burst
	closed bool
}

type burst struct {
	timer *time.Timer
	last  time.Time
}

func NewDebouncer(emit Emitter, idle time.Duration, log *zap.Logger) *Debouncer {
	if idle <= 0 {
		idle = DefaultIdle
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Debouncer{emit: emit, idle: idle, log: log, bursts: make(map[string]*burst)}
}

// Keystroke registers input in conversationID.
func (d *Debouncer) Keystroke(conversationID string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	b, active := d.bursts[conversationID]
	if active {
		b.last = time.Now()
		b.timer.Reset(d.idle)
		d.mu.Unlock()
		return
	}
	b = &burst{last: time.Now()}
	b.timer = time.AfterFunc(d.idle, func() { d.expire(conversationID, b) })
	d.bursts[conversationID] = b
	d.mu.Unlock()

	if err := d.emit.EmitTyping(conversationID); err != nil {
		d.log.Debug("typing emit failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// Flush ends an active burst immediately. Reports whether one was active.
func (d *Debouncer) Flush(conversationID string) bool {
	d.mu.Lock()
	b, ok := d.bursts[conversationID]
	if ok {
		b.timer.Stop()
		delete(d.bursts, conversationID)
	}
	d.mu.Unlock()
	if ok {
		d.stop(conversationID)
	}
	return ok
}

func (d *Debouncer) Active(conversationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.bursts[conversationID]
	return ok
}

// Close cancels every pending timer without emitting.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, b := range d.bursts {
		b.timer.Stop()
		delete(d.bursts, id)
	}
}

func (d *Debouncer) expire(conversationID string, b *burst) {
	d.mu.Lock()
	if d.bursts[conversationID] != b {
		d.mu.Unlock()
		return
	}
	// a keystroke raced the timer
	if rest := d.idle - time.Since(b.last); rest > 0 {
		b.timer.Reset(rest)
		d.mu.Unlock()
		return
	}
	delete(d.bursts, conversationID)
	d.mu.Unlock()
	d.stop(conversationID)
}

func (d *Debouncer) stop(conversationID string) {
	if err := d.emit.EmitStopTyping(conversationID); err != nil {
		d.log.Debug("stop_typing emit failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

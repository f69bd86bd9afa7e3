package mode

import (
	"fmt"
	"sync"
	"time"
)

// SessionTimer measures time since the most recent mode switch.
type SessionTimer struct {
	now func() time.Time

	mu         sync.RWMutex
	switchedAt time.Time
	started    bool
}

// NewSessionTimer creates a timer with no switch recorded. A nil now uses
// time.Now.
func NewSessionTimer(now func() time.Time) *SessionTimer {
	if now == nil {
		now = time.Now
	}
	return &SessionTimer{now: now}
}

// Reset records a mode switch at the current time.
func (t *SessionTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.switchedAt = t.now()
	t.started = true
}

// Elapsed returns time since the last switch, and false if none occurred.
func (t *SessionTimer) Elapsed() (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.started {
		return 0, false
	}
	return t.now().Sub(t.switchedAt), true
}

// Render formats the elapsed time as HH:MM:SS, or "" if no switch occurred.
func (t *SessionTimer) Render() string {
	d, ok := t.Elapsed()
	if !ok {
		return ""
	}
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}

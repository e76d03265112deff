// Package killswitch holds the process-wide trading halt flag
package killswitch

import (
	"sync"
	"time"
)

// Switch is a thread-safe halt flag. Loops read it at iteration boundaries
// and before every order submission; the only writer is Engage/Release.
// Engaged stops new entries while exits keep flowing.
type Switch struct {
	mu      sync.RWMutex
	engaged bool
	since   time.Time
	reason  string
}

// New returns a disengaged switch
func New() *Switch {
	return &Switch{}
}

// Engage sets the switch with a reason. Idempotent.
func (s *Switch) Engage(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engaged {
		return
	}
	s.engaged = true
	s.since = time.Now()
	s.reason = reason
}

// Release clears the switch
func (s *Switch) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engaged = false
	s.reason = ""
}

// Engaged reports whether trading entries are halted
func (s *Switch) Engaged() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engaged
}

// EngagedSince returns when the switch was engaged
func (s *Switch) EngagedSince() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.since, s.engaged
}

// Reason returns the engage reason, empty when disengaged
func (s *Switch) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

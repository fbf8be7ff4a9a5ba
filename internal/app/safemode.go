/**
 * @description
 * This file implements the process-wide circuit breaker ("safe mode") for the
 * settlement pipeline. Once tripped, every new settlement attempt is rejected
 * until an operator explicitly resets it; the pipeline never clears the flag on
 * its own, because a trip usually signals a persistent ledger rejection or a
 * local persistence outage that needs human judgment before payouts resume.
 */

package app

import (
	"sync"
	"time"
)

// SafeMode is the sticky circuit-breaker state shared by the pipeline, the
// correlator façade and the operator API. Only the pipeline trips it; the
// operator endpoint is the only path that clears it.
type SafeMode struct {
	mu        sync.Mutex
	tripped   bool
	reason    string
	trippedAt time.Time
}

// NewSafeMode returns an untripped breaker.
func NewSafeMode() *SafeMode {
	return &SafeMode{}
}

// IsTripped reports whether the breaker is currently tripped.
func (s *SafeMode) IsTripped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tripped
}

// Trip latches the breaker with the given reason. Tripping an already-tripped
// breaker keeps the original reason; the first failure is the one an operator
// needs to investigate.
func (s *SafeMode) Trip(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tripped {
		return
	}
	s.tripped = true
	s.reason = reason
	s.trippedAt = time.Now().UTC()
}

// Reset clears the breaker. Operator-only.
func (s *SafeMode) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tripped = false
	s.reason = ""
	s.trippedAt = time.Time{}
}

// State returns a snapshot for the operator status endpoint.
func (s *SafeMode) State() (tripped bool, reason string, trippedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tripped, s.reason, s.trippedAt
}

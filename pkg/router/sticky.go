package router

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Sticky remembers the last successful provider per session for a bounded
// window.
type Sticky struct {
	lru *expirable.LRU[string, string]
}

// NewSticky creates a session affinity map holding at most size sessions,
// each for ttl.
func NewSticky(size int, ttl time.Duration) *Sticky {
	return &Sticky{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

// Record notes a successful dispatch for session.
func (s *Sticky) Record(session, provider string) {
	if s == nil || session == "" || provider == "" {
		return
	}
	s.lru.Add(session, provider)
}

// Lookup returns the session's last successful provider, if still fresh.
func (s *Sticky) Lookup(session string) (string, bool) {
	if s == nil || session == "" {
		return "", false
	}
	return s.lru.Get(session)
}

// Forget drops a session.
func (s *Sticky) Forget(session string) {
	if s == nil {
		return
	}
	s.lru.Remove(session)
}

// Len returns the number of tracked sessions.
func (s *Sticky) Len() int {
	if s == nil {
		return 0
	}
	return s.lru.Len()
}

package collector

import (
	"fmt"
	"sync"
)

// Session tracks sample collection for one identity.
type Session struct {
	label string
	quota int

	mu      sync.Mutex
	count   int
	samples []string
}

// NewSession starts a session for label. A non-positive quota is treated as 1.
func NewSession(label string, quota int) *Session {
	if quota <= 0 {
		quota = 1
	}
	return &Session{label: label, quota: quota}
}

func (s *Session) Label() string { return s.label }

func (s *Session) Quota() int { return s.quota }

func (s *Session) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// add records one sample written at path and returns the new count.
func (s *Session) add(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.samples = append(s.samples, path)
	return s.count
}

// takeSamples returns the paths recorded since the last call.
func (s *Session) takeSamples() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.samples
	s.samples = nil
	return out
}

// Full reports whether the quota has been reached.
func (s *Session) Full() bool {
	return s.Count() >= s.quota
}

// Progress renders "<count>/<quota>".
func (s *Session) Progress() string {
	return fmt.Sprintf("%d/%d", s.Count(), s.quota)
}

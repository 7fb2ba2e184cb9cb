package core

import (
	"fmt"
	"sync"
)

// Policy decides which online agent serves a request that names none.
type Policy string

const (
	// PolicyFirst picks the lowest identity in ascending order.
	PolicyFirst Policy = "first"
	// PolicyRoundRobin rotates over the same ascending order.
	PolicyRoundRobin Policy = "round_robin"
)

// ParsePolicy validates a configured policy name. Empty means PolicyFirst.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyFirst:
		return PolicyFirst, nil
	case PolicyRoundRobin:
		return PolicyRoundRobin, nil
	}
	return "", fmt.Errorf("unknown selection policy %q", s)
}

type selector struct {
	policy Policy

	mu   sync.Mutex
	next uint64
}

// pick chooses from identities, which must be sorted ascending.
func (s *selector) pick(identities []string) (string, bool) {
	if len(identities) == 0 {
		return "", false
	}
	if s.policy != PolicyRoundRobin {
		return identities[0], true
	}
	s.mu.Lock()
	i := s.next % uint64(len(identities))
	s.next++
	s.mu.Unlock()
	return identities[i], true
}

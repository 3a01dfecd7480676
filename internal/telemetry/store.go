// Package telemetry holds the synthetic security telemetry types and the
// process-wide store of the latest value per category.
package telemetry

import (
	"sync"
)

// DefaultMaxAlerts bounds the alert history kept in the store.
const DefaultMaxAlerts = 50

// Store owns the current Snapshot. Readers always get copies.
type Store struct {
	mu        sync.RWMutex
	maxAlerts int
	alerts    []Alert
	metrics   *Metrics
	network   *NetworkStatus
	threats   []Threat
}

func NewStore(maxAlerts int) *Store {
	if maxAlerts <= 0 {
		maxAlerts = DefaultMaxAlerts
	}
	return &Store{maxAlerts: maxAlerts}
}

// PushAlert prepends a to the alert list, keeping at most maxAlerts entries
// ordered newest first.
func (s *Store) PushAlert(a Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.alerts) + 1
	if n > s.maxAlerts {
		n = s.maxAlerts
	}
	next := make([]Alert, n)
	next[0] = a
	copy(next[1:], s.alerts)
	s.alerts = next
}

func (s *Store) SetMetrics(m Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = &m
}

func (s *Store) SetNetworkStatus(n NetworkStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.Services = append([]ServiceStatus(nil), n.Services...)
	s.network = &n
}

// SetThreats replaces the threat list.
func (s *Store) SetThreats(threats []Threat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threats = append([]Threat(nil), threats...)
}

func (s *Store) Alerts() []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Alert{}, s.alerts...)
}

func (s *Store) Metrics() (Metrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.metrics == nil {
		return Metrics{}, false
	}
	return *s.metrics, true
}

func (s *Store) NetworkStatus() (NetworkStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.network == nil {
		return NetworkStatus{}, false
	}
	n := *s.network
	n.Services = append([]ServiceStatus(nil), n.Services...)
	return n, true
}

func (s *Store) Threats() []Threat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Threat{}, s.threats...)
}

// Snapshot returns a copy of every category at a single instant.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Alerts:  append([]Alert{}, s.alerts...),
		Threats: append([]Threat{}, s.threats...),
	}
	if s.metrics != nil {
		m := *s.metrics
		snap.Metrics = &m
	}
	if s.network != nil {
		n := *s.network
		n.Services = append([]ServiceStatus(nil), n.Services...)
		snap.NetworkStatus = &n
	}
	return snap
}

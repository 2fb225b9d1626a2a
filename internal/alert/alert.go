// Package alert implements the periodic graph walk that turns stored risk
// into alerts: path enumeration from each agent node, depth-attenuated
// scoring, novelty tracking, and the alert book the read API serves.
package alert

import (
	"errors"
	"time"

	"github.com/RicAlvesO/ICARUS/internal/store"
)

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusActive    Status = "active"
	StatusResolved  Status = "resolved"
	StatusDismissed Status = "dismissed"
)

var (
	// ErrNotFound reports an unknown alert id.
	ErrNotFound = errors.New("alert not found")
	// ErrSettled reports a transition on an already settled alert.
	// Resolved and dismissed are terminal.
	ErrSettled = errors.New("alert already settled")
)

// Alert is one detection: a novel path from an agent to a risky object
// whose attenuated score crossed the alert threshold. Path alternates
// node and edge ids; Graph is the path-induced subgraph of the agent
// graph at detection time.
type Alert struct {
	ID        string       `json:"id"`
	Agent     string       `json:"agent"`
	Object    string       `json:"object"`
	Risk      int          `json:"risk"`
	Path      []string     `json:"path"`
	Graph     *store.Graph `json:"graph"`
	Timestamp time.Time    `json:"timestamp"`
	Status    Status       `json:"status"`
}

// Alerts returns alerts in creation order. A non-empty status filters to
// that lifecycle state.
func (e *Engine) Alerts(status Status) []Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Alert, 0, len(e.order))
	for _, id := range e.order {
		a := e.alerts[id]
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// Get returns the alert with the given id.
func (e *Engine) Get(id string) (Alert, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	a, ok := e.alerts[id]
	if !ok {
		return Alert{}, false
	}
	return *a, true
}

// Resolve marks an active alert as handled.
func (e *Engine) Resolve(id string) error {
	return e.transition(id, StatusResolved)
}

// Dismiss marks an active alert as a false positive.
func (e *Engine) Dismiss(id string) error {
	return e.transition(id, StatusDismissed)
}

func (e *Engine) transition(id string, to Status) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.alerts[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != StatusActive {
		return ErrSettled
	}
	a.Status = to
	e.log.Info("alert state changed", "id", id, "status", string(to))
	return nil
}

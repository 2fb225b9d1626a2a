// Package notify delivers alert notifications for ICARUS.
package notify

import (
	"context"
	"sync"
	"time"
)

// EventKind distinguishes a first detection from a further attack path.
type EventKind string

const (
	// KindNewAlert is the first alert for an (agent, object) pair.
	KindNewAlert EventKind = "new_alert"
	// KindNewPath is an additional path for an already alerted pair.
	KindNewPath EventKind = "new_path"
)

// AllEventKinds returns the kinds a channel filter can name.
func AllEventKinds() []EventKind {
	return []EventKind{KindNewAlert, KindNewPath}
}

// Event is one alert notification.
type Event struct {
	Kind      EventKind `json:"kind"`
	AlertID   string    `json:"alert_id"`
	Agent     string    `json:"agent"`
	Object    string    `json:"object"`
	Risk      int       `json:"risk"`
	Hops      int       `json:"hops"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers.
// It never returns errors -- failures are logged but don't block the alert loop.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
// Errors are logged but never propagated -- delivery must not stall scanning.
func (m *Multi) Notify(ctx context.Context, event Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"kind", string(event.Kind),
				"alert", event.AlertID,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}

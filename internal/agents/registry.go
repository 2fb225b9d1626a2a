// Package agents tracks the monitored hosts: their identity object ids,
// resolved addresses, and liveness. Records are created once at startup
// from configuration; connectivity and last-seen are ephemeral runtime
// state rebuilt as agents check in.
package agents

import (
	"sync"
	"time"

	"github.com/RicAlvesO/ICARUS/internal/logging"
)

// Record is the registry view of one monitored agent. ObjectID names the
// identity object inserted into the CTI store so graph queries can start
// at the agent node.
type Record struct {
	Name       string    `json:"name"`
	ObjectID   string    `json:"obj_id"`
	InternalIP string    `json:"internal_ip"`
	ExternalIP string    `json:"external_ip,omitempty"`
	LastSeen   time.Time `json:"last_seen,omitzero"`
	Connected  bool      `json:"connected"`
}

// Registry is the ordered set of agent records keyed by object id.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
	log     *logging.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		records: make(map[string]*Record),
		log:     log.Component("agents"),
	}
}

// Add registers an agent under its identity object id. Duplicate ids are
// refused.
func (r *Registry) Add(name, objectID, internalIP, externalIP string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[objectID]; exists {
		return false
	}
	r.records[objectID] = &Record{
		Name:       name,
		ObjectID:   objectID,
		InternalIP: internalIP,
		ExternalIP: externalIP,
	}
	r.order = append(r.order, objectID)
	r.log.Info("agent registered", "name", name, "id", objectID, "internal", internalIP)
	return true
}

// Get returns a copy of the record for the given object id.
func (r *Registry) Get(objectID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[objectID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// GetByIP resolves an agent by its internal or external address.
func (r *Registry) GetByIP(ip string) (Record, bool) {
	if ip == "" {
		return Record{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		rec := r.records[id]
		if rec.InternalIP == ip || (rec.ExternalIP != "" && rec.ExternalIP == ip) {
			return *rec, true
		}
	}
	return Record{}, false
}

// Has reports whether an object id belongs to a registered agent.
func (r *Registry) Has(objectID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[objectID]
	return ok
}

// MarkSeen stamps the agent's last-seen time.
func (r *Registry) MarkSeen(objectID string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[objectID]; ok {
		rec.LastSeen = t
	}
}

// SetConnected marks a session as open or closed. Ephemeral state.
func (r *Registry) SetConnected(objectID string, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[objectID]; ok {
		rec.Connected = connected
	}
}

// IDs returns the agent object ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// All returns a snapshot of every record in registration order.
func (r *Registry) All() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.records[id])
	}
	return out
}

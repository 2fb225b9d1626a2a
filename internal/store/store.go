// Package store implements the in-memory CTI database: content objects
// keyed by id, a metadata broker keyed by content fingerprint, and the
// graph queries the alert engine and read API run against both.
//
// The store keeps two bijections -- id to fingerprint and fingerprint to
// metadata record -- and every public operation appears atomic to
// concurrent callers. Invariant refusals (TLP demotion, risk non-increase,
// duplicate create, unknown id) are boolean outcomes, not errors.
package store

import (
	"sync"
	"time"

	"github.com/RicAlvesO/ICARUS/internal/cti"
	"github.com/RicAlvesO/ICARUS/internal/logging"
)

// Filter is one predicate of a conjunctive content query.
type Filter struct {
	Field string
	Op    string // "=" or "!="
	Value string
}

// Store is the authoritative in-memory CTI database.
type Store struct {
	mu      sync.RWMutex
	objects map[string]cti.Object // id -> content payload
	broker  broker
	log     *logging.Logger
}

// New returns an empty Store.
func New(log *logging.Logger) *Store {
	return &Store{
		objects: make(map[string]cti.Object),
		broker:  newBroker(),
		log:     log.Component("store"),
	}
}

func timestamp() string {
	return cti.Timestamp(time.Now())
}

// Create inserts an object with its initial metadata. If the content
// fingerprint is already known the existing record is metadata-updated
// instead and (false, existing id) is returned. A brand-new fingerprint
// arriving under an id that already maps elsewhere is refused.
func (s *Store) Create(obj cti.Object, origin, tlp string, risk int) (bool, string) {
	fp, err := cti.Fingerprint(obj)
	if err != nil {
		s.log.Warn("unfingerprintable object refused", "id", obj.ID(), "error", err)
		return false, ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.broker.byFingerprint(fp); ok {
		s.broker.update(m, origin, tlp, risk)
		return false, m.id
	}

	id := obj.ID()
	if id == "" {
		s.log.Warn("object without id refused", "type", obj.Type())
		return false, ""
	}
	if _, taken := s.broker.fingerprintOf(id); taken {
		s.log.Warn("id already bound to different content", "id", id)
		return false, ""
	}

	if origin == "" {
		origin = "unknown"
	}
	if !cti.ValidTLP(tlp) {
		if tlp != "" {
			s.log.Warn("invalid tlp on create, defaulting to white", "id", id, "tlp", tlp)
		}
		tlp = "white"
	}
	risk = clampRisk(risk)

	s.objects[id] = obj.Copy()
	s.broker.create(fp, id, obj.Type(), origin, tlp, risk)
	return true, id
}

// Read returns the merged view of an object: content plus tlp, risk,
// origin and history. The second return is false for unknown ids.
func (s *Store) Read(id string) (cti.Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked(id)
}

func (s *Store) readLocked(id string) (cti.Object, bool) {
	content, ok := s.objects[id]
	if !ok {
		return nil, false
	}
	fp, ok := s.broker.fingerprintOf(id)
	if !ok {
		return nil, false
	}
	m, ok := s.broker.byFingerprint(fp)
	if !ok {
		return nil, false
	}
	out := content.Copy()
	out["tlp"] = m.tlp
	out["risk"] = m.risk
	out["origin"] = m.origin
	out["history"] = append([]string(nil), m.history...)
	return out, true
}

// Update applies a content patch and/or metadata joins to an existing
// object. A content change re-keys the metadata record under the new
// fingerprint, preserving history; the patch is refused when the new
// fingerprint already belongs to a different id. Returns true when
// anything changed.
func (s *Store) Update(id string, patch cti.Object, origin, tlp string, risk int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldFP, ok := s.broker.fingerprintOf(id)
	if !ok {
		return false
	}
	m, _ := s.broker.byFingerprint(oldFP)
	if origin == "" {
		origin = "unknown"
	}

	changed := false
	if len(patch) > 0 {
		merged := s.objects[id].Copy()
		for k, v := range patch {
			merged[k] = v
		}
		merged["id"] = id

		newFP, err := cti.Fingerprint(merged)
		if err != nil {
			s.log.Warn("unfingerprintable patch refused", "id", id, "error", err)
			return false
		}
		if newFP != oldFP {
			if other, exists := s.broker.byFingerprint(newFP); exists && other.id != id {
				s.log.Warn("patch collides with existing object", "id", id, "other", other.id)
				return false
			}
			s.broker.rekey(oldFP, newFP)
			m.history = append(m.history, timestamp()+": Object updated by "+origin)
			changed = true
		}
		s.objects[id] = merged
	}

	if s.broker.setTLP(m, origin, tlp) {
		changed = true
	}
	if s.broker.setRisk(m, origin, risk) {
		changed = true
	}
	return changed
}

// Delete removes content, metadata and the id binding. No tombstone.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.broker.delete(id) {
		return false
	}
	delete(s.objects, id)
	return true
}

// Lookup reports whether an object with the same content fingerprint is
// already stored, and under which id.
func (s *Store) Lookup(obj cti.Object) (string, bool) {
	fp, err := cti.Fingerprint(obj)
	if err != nil {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.broker.byFingerprint(fp); ok {
		return m.id, true
	}
	return "", false
}

// Query returns merged views of every object satisfying all filters.
// Predicates apply to content fields only; a missing field fails "=" and
// a present field with a different string value satisfies "!=".
func (s *Store) Query(filters []Filter) []cti.Object {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []cti.Object
	for id, content := range s.objects {
		if matchesAll(content, filters) {
			if merged, ok := s.readLocked(id); ok {
				out = append(out, merged)
			}
		}
	}
	return out
}

func matchesAll(content cti.Object, filters []Filter) bool {
	for _, f := range filters {
		v, present := content[f.Field]
		str, isStr := v.(string)
		switch f.Op {
		case "=":
			if !present || !isStr || str != f.Value {
				return false
			}
		case "!=":
			if !present || (isStr && str == f.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// AppendHistory adds a timestamped event line to an object's history.
func (s *Store) AppendHistory(id, event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp, ok := s.broker.fingerprintOf(id)
	if !ok {
		return false
	}
	m, _ := s.broker.byFingerprint(fp)
	m.history = append(m.history, timestamp()+": "+event)
	return true
}

// Decay lowers every positive risk by factor, not below zero. Each object
// whose post-decay risk lands on a multiple of ten gets a history line.
func (s *Store) Decay(factor int) {
	if factor <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broker.decay(factor)
}

// AggregateRisks returns mean risk per object type over all objects with
// positive risk.
func (s *Store) AggregateRisks() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.broker.aggregateRisks()
}

// TypeCounts returns the number of stored objects per type.
func (s *Store) TypeCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, content := range s.objects {
		counts[content.Type()]++
	}
	return counts
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func clampRisk(risk int) int {
	if risk < 0 {
		return 0
	}
	if risk > 100 {
		return 100
	}
	return risk
}

package web

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/RicAlvesO/ICARUS/internal/agents"
	"github.com/RicAlvesO/ICARUS/internal/alert"
	"github.com/RicAlvesO/ICARUS/internal/cti"
	"github.com/RicAlvesO/ICARUS/internal/events"
	"github.com/RicAlvesO/ICARUS/internal/store"
)

// maxGraphDepth caps agent graph traversals regardless of the requested
// depth.
const maxGraphDepth = 10

// apiObservables returns every stored object that is neither a
// relationship nor a network-traffic tuple.
func (s *Server) apiObservables(w http.ResponseWriter, r *http.Request) {
	out := s.deps.Objects.Query([]store.Filter{
		{Field: "type", Op: "!=", Value: "relationship"},
		{Field: "type", Op: "!=", Value: "network-traffic"},
	})
	writeJSON(w, http.StatusOK, sortByID(out))
}

// apiObservable returns one merged object plus its depth-1 neighborhood.
func (s *Server) apiObservable(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	obj, ok := s.deps.Objects.Read(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown object")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": obj,
		"graph":  s.deps.Objects.ExportGraph(id, 1),
	})
}

// apiDeleteObservable removes an object and its metadata record.
func (s *Server) apiDeleteObservable(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Objects.Delete(id) {
		writeError(w, http.StatusNotFound, "unknown object")
		return
	}
	s.deps.Log.Info("object deleted", "id", id)
	s.publish(events.EventObjectDeleted, id, "deleted via api")
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) apiRelationships(w http.ResponseWriter, r *http.Request) {
	out := s.deps.Objects.Query([]store.Filter{
		{Field: "type", Op: "=", Value: "relationship"},
	})
	writeJSON(w, http.StatusOK, sortByID(out))
}

// apiRelationship returns one relationship with its resolved endpoints.
// Dangling endpoints come back null.
func (s *Server) apiRelationship(w http.ResponseWriter, r *http.Request) {
	rel, ok := s.deps.Objects.Read(r.PathValue("id"))
	if !ok || rel.Type() != "relationship" {
		writeError(w, http.StatusNotFound, "unknown relationship")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"relationship": rel,
		"source":       s.resolveRef(rel, "source_ref"),
		"target":       s.resolveRef(rel, "target_ref"),
	})
}

func (s *Server) apiTraffic(w http.ResponseWriter, r *http.Request) {
	out := s.deps.Objects.Query([]store.Filter{
		{Field: "type", Op: "=", Value: "network-traffic"},
	})
	writeJSON(w, http.StatusOK, sortByID(out))
}

// apiTrafficDetail returns one network-traffic tuple with its resolved
// endpoint addresses.
func (s *Server) apiTrafficDetail(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.deps.Objects.Read(r.PathValue("id"))
	if !ok || tr.Type() != "network-traffic" {
		writeError(w, http.StatusNotFound, "unknown traffic record")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"traffic": tr,
		"source":  s.resolveRef(tr, "src_ref"),
		"target":  s.resolveRef(tr, "dst_ref"),
	})
}

// resolveRef reads the object a reference field points at, nil when the
// field is absent or dangling.
func (s *Server) resolveRef(obj cti.Object, field string) cti.Object {
	ref, _ := obj[field].(string)
	if ref == "" {
		return nil
	}
	target, ok := s.deps.Objects.Read(ref)
	if !ok {
		return nil
	}
	return target
}

func (s *Server) apiAgents(w http.ResponseWriter, r *http.Request) {
	records := s.deps.Agents.All()
	if records == nil {
		records = []agents.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// apiAgentGraph returns the graph reachable from an agent's identity
// object. Depth defaults to 3 and is capped at maxGraphDepth.
func (s *Server) apiAgentGraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.deps.Agents.Get(id); !ok {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	}

	depth := 3
	if q := r.URL.Query().Get("depth"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid depth")
			return
		}
		depth = n
	}
	if depth > maxGraphDepth {
		depth = maxGraphDepth
	}
	writeJSON(w, http.StatusOK, s.deps.Objects.ExportGraph(id, depth))
}

// apiAlerts returns alerts, optionally filtered by lifecycle status.
func (s *Server) apiAlerts(w http.ResponseWriter, r *http.Request) {
	status := alert.Status(r.URL.Query().Get("status"))
	switch status {
	case "", alert.StatusActive, alert.StatusResolved, alert.StatusDismissed:
	default:
		writeError(w, http.StatusBadRequest, "invalid status filter")
		return
	}
	out := s.deps.Alerts.Alerts(status)
	if out == nil {
		out = []alert.Alert{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiAlert(w http.ResponseWriter, r *http.Request) {
	a, ok := s.deps.Alerts.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown alert")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) apiResolveAlert(w http.ResponseWriter, r *http.Request) {
	s.transitionAlert(w, r, s.deps.Alerts.Resolve)
}

func (s *Server) apiDismissAlert(w http.ResponseWriter, r *http.Request) {
	s.transitionAlert(w, r, s.deps.Alerts.Dismiss)
}

// transitionAlert applies a lifecycle transition and maps its failures:
// unknown id to 404, already-settled to 409.
func (s *Server) transitionAlert(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	id := r.PathValue("id")
	if err := fn(id); err != nil {
		switch {
		case errors.Is(err, alert.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown alert")
		case errors.Is(err, alert.ErrSettled):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.deps.Log.Error("alert transition failed", "id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "alert transition failed")
		}
		return
	}
	a, _ := s.deps.Alerts.Get(id)
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) apiRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Rules.Rules())
}

// apiRulesEnabled returns the rule view agents currently receive.
func (s *Server) apiRulesEnabled(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Rules.ExportEnabled())
}

// apiBundle serves the full store as a flat bundle, the surface
// downstream feed consumers poll.
func (s *Server) apiBundle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Objects.ExportBundle())
}

func (s *Server) apiHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) publish(typ events.EventType, subject, message string) {
	if s.deps.EventBus == nil {
		return
	}
	s.deps.EventBus.Publish(events.Event{
		Type:      typ,
		Subject:   subject,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// sortByID orders query results for a stable API, never returning nil.
func sortByID(objs []cti.Object) []cti.Object {
	if objs == nil {
		return []cti.Object{}
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].ID() < objs[j].ID() })
	return objs
}

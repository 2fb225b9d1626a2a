package web

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RicAlvesO/ICARUS/internal/agents"
	"github.com/RicAlvesO/ICARUS/internal/alert"
	"github.com/RicAlvesO/ICARUS/internal/clock"
	"github.com/RicAlvesO/ICARUS/internal/config"
	"github.com/RicAlvesO/ICARUS/internal/cti"
	"github.com/RicAlvesO/ICARUS/internal/events"
	"github.com/RicAlvesO/ICARUS/internal/logging"
	"github.com/RicAlvesO/ICARUS/internal/notify"
	"github.com/RicAlvesO/ICARUS/internal/rules"
	"github.com/RicAlvesO/ICARUS/internal/store"
)

type fixture struct {
	srv     *Server
	store   *store.Store
	reg     *agents.Registry
	eng     *alert.Engine
	rules   *rules.Engine
	bus     *events.Bus
	agentID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logging.New(io.Discard, false)
	st := store.New(log)
	reg := agents.NewRegistry(log)
	bus := events.New()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	_, agentID := st.Create(cti.NewIdentity("agent_A"), "server", "red", 0)
	reg.Add("agent_A", agentID, "10.0.0.2", "")

	rl := rules.New(st, reg, bus, clk, log)
	cfg := config.AlertsConfig{
		Interval:        30 * time.Second,
		Threshold:       40,
		DepthMultiplier: 3,
		DepthThreshold:  5,
		DecayStep:       1,
	}
	eng := alert.New(st, reg, rl, notify.NewMulti(log), bus, clk, cfg, log)

	srv := NewServer(Dependencies{
		Objects:  st,
		Agents:   reg,
		Alerts:   eng,
		Rules:    rl,
		EventBus: bus,
		Log:      log,
	})
	return &fixture{
		srv:     srv,
		store:   st,
		reg:     reg,
		eng:     eng,
		rules:   rl,
		bus:     bus,
		agentID: agentID,
	}
}

// do routes a request through the server mux and returns the recorder.
func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(method, path, nil)
	f.srv.mux.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response: %v\nbody: %s", err, w.Body.String())
	}
}

// seedGraph inserts an ipv4 address linked to the agent plus one traffic
// tuple, returning the new ids.
func (f *fixture) seedGraph(t *testing.T) (addrID, relID, trafficID string) {
	t.Helper()
	_, addrID = f.store.Create(cti.NewIPv4Address("203.0.113.7"), "feed_X", "amber", 50)
	_, relID = f.store.Create(cti.NewRelationship(f.agentID, addrID, "uses"), "server", "red", 0)
	_, trafficID = f.store.Create(cti.NewNetworkTraffic(f.agentID, addrID, 50123, 443, "tcp"), "agent_A", "red", 0)
	return addrID, relID, trafficID
}

func TestObservablesExcludeEdgesAndTraffic(t *testing.T) {
	f := newFixture(t)
	f.seedGraph(t)

	w := f.do(t, http.MethodGet, "/api/observables")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var objs []cti.Object
	decodeBody(t, w, &objs)
	if len(objs) != 2 {
		t.Fatalf("observables = %d, want 2 (identity + address)", len(objs))
	}
	for _, o := range objs {
		if typ := o.Type(); typ == "relationship" || typ == "network-traffic" {
			t.Errorf("observable list leaked a %s", typ)
		}
		if _, ok := o["tlp"]; !ok {
			t.Errorf("object %s missing merged tlp", o.ID())
		}
	}
}

func TestObservableDetail(t *testing.T) {
	f := newFixture(t)
	addrID, _, _ := f.seedGraph(t)

	w := f.do(t, http.MethodGet, "/api/observables/"+addrID)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Object cti.Object        `json:"object"`
		Graph  store.GraphExport `json:"graph"`
	}
	decodeBody(t, w, &body)
	if body.Object.ID() != addrID {
		t.Errorf("object id = %s, want %s", body.Object.ID(), addrID)
	}
	if body.Graph.Type != "graph" {
		t.Errorf("graph type = %q, want graph", body.Graph.Type)
	}
	if len(body.Graph.Nodes) < 2 {
		t.Errorf("graph nodes = %d, want at least the address and the agent", len(body.Graph.Nodes))
	}

	if w := f.do(t, http.MethodGet, "/api/observables/ipv4-addr--missing"); w.Code != http.StatusNotFound {
		t.Errorf("unknown object status = %d, want 404", w.Code)
	}
}

func TestDeleteObservable(t *testing.T) {
	f := newFixture(t)
	addrID, _, _ := f.seedGraph(t)

	evts, cancel := f.bus.Subscribe()
	defer cancel()

	w := f.do(t, http.MethodDelete, "/api/observables/"+addrID)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if _, ok := f.store.Read(addrID); ok {
		t.Error("object still readable after delete")
	}
	select {
	case evt := <-evts:
		if evt.Type != events.EventObjectDeleted || evt.Subject != addrID {
			t.Errorf("event = %s/%s, want object_deleted/%s", evt.Type, evt.Subject, addrID)
		}
	default:
		t.Error("no object_deleted event published")
	}

	if w := f.do(t, http.MethodDelete, "/api/observables/"+addrID); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestRelationshipEndpoints(t *testing.T) {
	f := newFixture(t)
	addrID, relID, _ := f.seedGraph(t)

	w := f.do(t, http.MethodGet, "/api/relationships")
	var list []cti.Object
	decodeBody(t, w, &list)
	if len(list) != 1 {
		t.Fatalf("relationships = %d, want 1", len(list))
	}

	w = f.do(t, http.MethodGet, "/api/relationships/"+relID)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Relationship cti.Object `json:"relationship"`
		Source       cti.Object `json:"source"`
		Target       cti.Object `json:"target"`
	}
	decodeBody(t, w, &body)
	if body.Source.ID() != f.agentID {
		t.Errorf("source = %s, want %s", body.Source.ID(), f.agentID)
	}
	if body.Target.ID() != addrID {
		t.Errorf("target = %s, want %s", body.Target.ID(), addrID)
	}

	// A relationship id that names a non-relationship object is a 404.
	if w := f.do(t, http.MethodGet, "/api/relationships/"+addrID); w.Code != http.StatusNotFound {
		t.Errorf("non-relationship id status = %d, want 404", w.Code)
	}
}

func TestRelationshipDanglingEndpoint(t *testing.T) {
	f := newFixture(t)
	_, relID := f.store.Create(cti.NewRelationship(f.agentID, "ipv4-addr--gone", "uses"), "server", "red", 0)

	w := f.do(t, http.MethodGet, "/api/relationships/"+relID)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Source cti.Object `json:"source"`
		Target cti.Object `json:"target"`
	}
	decodeBody(t, w, &body)
	if body.Source == nil {
		t.Error("source = nil, want the agent identity")
	}
	if body.Target != nil {
		t.Errorf("target = %v, want null for a dangling ref", body.Target)
	}
}

func TestTrafficEndpoints(t *testing.T) {
	f := newFixture(t)
	addrID, _, trafficID := f.seedGraph(t)

	w := f.do(t, http.MethodGet, "/api/traffic")
	var list []cti.Object
	decodeBody(t, w, &list)
	if len(list) != 1 {
		t.Fatalf("traffic records = %d, want 1", len(list))
	}

	w = f.do(t, http.MethodGet, "/api/traffic/"+trafficID)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Traffic cti.Object `json:"traffic"`
		Source  cti.Object `json:"source"`
		Target  cti.Object `json:"target"`
	}
	decodeBody(t, w, &body)
	if body.Source.ID() != f.agentID || body.Target.ID() != addrID {
		t.Errorf("endpoints = %s -> %s, want %s -> %s",
			body.Source.ID(), body.Target.ID(), f.agentID, addrID)
	}

	if w := f.do(t, http.MethodGet, "/api/traffic/"+addrID); w.Code != http.StatusNotFound {
		t.Errorf("non-traffic id status = %d, want 404", w.Code)
	}
}

func TestAgentsList(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/agents")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var records []agents.Record
	decodeBody(t, w, &records)
	if len(records) != 1 {
		t.Fatalf("agents = %d, want 1", len(records))
	}
	if records[0].Name != "agent_A" || records[0].ObjectID != f.agentID {
		t.Errorf("record = %+v, want agent_A/%s", records[0], f.agentID)
	}
}

func TestAgentGraphDepth(t *testing.T) {
	f := newFixture(t)
	// Chain three hops out from the agent.
	_, a := f.store.Create(cti.NewIPv4Address("10.1.0.1"), "feed_X", "red", 0)
	_, b := f.store.Create(cti.NewIPv4Address("10.1.0.2"), "feed_X", "red", 0)
	_, c := f.store.Create(cti.NewIPv4Address("10.1.0.3"), "feed_X", "red", 0)
	f.store.Create(cti.NewRelationship(f.agentID, a, "uses"), "server", "red", 0)
	f.store.Create(cti.NewRelationship(a, b, "uses"), "server", "red", 0)
	f.store.Create(cti.NewRelationship(b, c, "uses"), "server", "red", 0)

	nodeIDs := func(w *httptest.ResponseRecorder) map[string]bool {
		t.Helper()
		var g store.GraphExport
		decodeBody(t, w, &g)
		ids := make(map[string]bool, len(g.Nodes))
		for _, n := range g.Nodes {
			ids[n.ID] = true
		}
		return ids
	}

	// Default depth 3 reaches the end of the chain.
	w := f.do(t, http.MethodGet, "/api/agents/"+f.agentID+"/graph")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ids := nodeIDs(w); !ids[c] {
		t.Errorf("default depth misses node three hops out, nodes = %v", ids)
	}

	w = f.do(t, http.MethodGet, "/api/agents/"+f.agentID+"/graph?depth=1")
	if ids := nodeIDs(w); !ids[a] || ids[b] || ids[c] {
		t.Errorf("depth=1 nodes = %v, want only the first hop", ids)
	}

	// Oversized depth is capped, not rejected.
	if w := f.do(t, http.MethodGet, "/api/agents/"+f.agentID+"/graph?depth=99"); w.Code != http.StatusOK {
		t.Errorf("depth=99 status = %d, want 200", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/agents/"+f.agentID+"/graph?depth=0"); w.Code != http.StatusBadRequest {
		t.Errorf("depth=0 status = %d, want 400", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/agents/"+f.agentID+"/graph?depth=x"); w.Code != http.StatusBadRequest {
		t.Errorf("depth=x status = %d, want 400", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/agents/identity--missing/graph"); w.Code != http.StatusNotFound {
		t.Errorf("unknown agent status = %d, want 404", w.Code)
	}
}

// raise seeds a risky object one hop from the agent and ticks the alert
// engine, returning the resulting alert id.
func (f *fixture) raise(t *testing.T) string {
	t.Helper()
	_, objID := f.store.Create(cti.NewIPv4Address("198.51.100.9"), "feed_X", "red", 50)
	f.store.Create(cti.NewRelationship(f.agentID, objID, "uses"), "server", "red", 0)
	f.eng.Tick(context.Background())
	alerts := f.eng.Alerts("")
	if len(alerts) == 0 {
		t.Fatal("tick raised no alert")
	}
	return alerts[len(alerts)-1].ID
}

func TestAlertLifecycleOverAPI(t *testing.T) {
	f := newFixture(t)
	id := f.raise(t)

	w := f.do(t, http.MethodGet, "/api/alerts")
	var list []alert.Alert
	decodeBody(t, w, &list)
	if len(list) != 1 || list[0].Status != alert.StatusActive {
		t.Fatalf("alerts = %+v, want one active", list)
	}

	w = f.do(t, http.MethodGet, "/api/alerts/"+id)
	if w.Code != http.StatusOK {
		t.Fatalf("get alert status = %d, want 200", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/alerts/"+id+"/resolve")
	if w.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, want 200", w.Code)
	}
	var resolved alert.Alert
	decodeBody(t, w, &resolved)
	if resolved.Status != alert.StatusResolved {
		t.Errorf("status after resolve = %q, want resolved", resolved.Status)
	}

	// Settled alerts are terminal.
	if w := f.do(t, http.MethodPost, "/api/alerts/"+id+"/resolve"); w.Code != http.StatusConflict {
		t.Errorf("second resolve status = %d, want 409", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/alerts/"+id+"/dismiss"); w.Code != http.StatusConflict {
		t.Errorf("dismiss after resolve status = %d, want 409", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/alerts?status=resolved")
	decodeBody(t, w, &list)
	if len(list) != 1 {
		t.Errorf("resolved alerts = %d, want 1", len(list))
	}
	w = f.do(t, http.MethodGet, "/api/alerts?status=active")
	decodeBody(t, w, &list)
	if len(list) != 0 {
		t.Errorf("active alerts = %d, want 0", len(list))
	}

	if w := f.do(t, http.MethodGet, "/api/alerts?status=bogus"); w.Code != http.StatusBadRequest {
		t.Errorf("bogus filter status = %d, want 400", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/alerts/alert--missing/resolve"); w.Code != http.StatusNotFound {
		t.Errorf("unknown alert status = %d, want 404", w.Code)
	}
}

func TestRulesEndpoints(t *testing.T) {
	f := newFixture(t)
	if err := f.rules.Load([]byte(`{
		"running_processes": {"type": "process", "query": "SELECT pid FROM processes;", "relationship": "runs", "threshold": 30, "enabled": true},
		"recent_files": {"type": "file", "query": "SELECT path FROM file_events;", "relationship": "owns", "threshold": 50, "enabled": false}
	}`)); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodGet, "/api/rules")
	var table []rules.Rule
	decodeBody(t, w, &table)
	if len(table) != 2 {
		t.Fatalf("rules = %d, want 2", len(table))
	}
	if table[0].Name != "recent_files" || table[1].Name != "running_processes" {
		t.Errorf("rule order = %s, %s, want sorted by name", table[0].Name, table[1].Name)
	}

	w = f.do(t, http.MethodGet, "/api/rules/enabled")
	var enabled map[string]string
	decodeBody(t, w, &enabled)
	if len(enabled) != 1 {
		t.Fatalf("enabled rules = %d, want 1", len(enabled))
	}
	if _, ok := enabled["running_processes"]; !ok {
		t.Error("running_processes missing from enabled view")
	}
}

func TestBundleExport(t *testing.T) {
	f := newFixture(t)
	f.seedGraph(t)

	w := f.do(t, http.MethodGet, "/api/bundle")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var bundle store.BundleExport
	decodeBody(t, w, &bundle)
	if bundle.Type != "bundle" {
		t.Errorf("bundle type = %q, want bundle", bundle.Type)
	}
	if len(bundle.Objects) != 2 {
		t.Errorf("bundle objects = %d, want 2", len(bundle.Objects))
	}
	if len(bundle.Relationships) != 1 {
		t.Errorf("bundle relationships = %d, want 1", len(bundle.Relationships))
	}
	if len(bundle.NetworkTraffic) != 1 {
		t.Errorf("bundle traffic = %d, want 1", len(bundle.NetworkTraffic))
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	decodeBody(t, w, &body)
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "icarus_agent_sessions") {
		t.Error("metrics output missing icarus_agent_sessions")
	}
}

func TestSSEStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.mux)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	waitLine := func(substr string) {
		t.Helper()
		for scanner.Scan() {
			if strings.Contains(scanner.Text(), substr) {
				return
			}
		}
		t.Fatalf("stream ended before %q, err %v", substr, scanner.Err())
	}

	// The connected preamble proves the subscription is live before we
	// publish.
	waitLine("event: connected")
	f.bus.Publish(events.Event{
		Type:      events.EventAlertCreated,
		Subject:   "alert--test",
		Message:   "risk path detected",
		Timestamp: time.Now().UTC(),
	})
	waitLine("event: alert_created")
	waitLine("alert--test")
}

// Package rules implements the adaptive query rule engine: the rule bundle
// agents execute, the risk feedback loop that flips rules on and off, and
// the translation of returned telemetry rows into stored CTI objects.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/RicAlvesO/ICARUS/internal/agents"
	"github.com/RicAlvesO/ICARUS/internal/clock"
	"github.com/RicAlvesO/ICARUS/internal/cti"
	"github.com/RicAlvesO/ICARUS/internal/events"
	"github.com/RicAlvesO/ICARUS/internal/logging"
	"github.com/RicAlvesO/ICARUS/internal/metrics"
	"github.com/RicAlvesO/ICARUS/internal/store"
)

// vulnerabilityRisk is the initial risk assigned to vulnerability rows.
// Other agent-sourced observables start at zero and gain risk from feeds.
const vulnerabilityRisk = 50

// Rule is one collection rule. The SQL body is opaque to the server; it is
// shipped to agents as-is and only the result rows come back.
type Rule struct {
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	SQL          string  `json:"query"`
	Relationship string  `json:"relationship"`
	Threshold    float64 `json:"threshold"`
	Enabled      bool    `json:"enabled"`
}

// ruleSpec is the on-disk shape of one bundle entry, keyed by rule name.
type ruleSpec struct {
	Type         string  `json:"type"`
	Query        string  `json:"query"`
	Relationship string  `json:"relationship"`
	Threshold    float64 `json:"threshold"`
	Enabled      bool    `json:"enabled"`
}

// Row is one telemetry result row. Agents send every field as a string;
// numeric conversions happen server-side during parsing.
type Row map[string]string

// Engine holds the rule table and applies agent telemetry to the store.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]*Rule

	store  *store.Store
	agents *agents.Registry
	bus    *events.Bus
	clock  clock.Clock
	log    *logging.Logger
}

// New creates an empty Engine. Rules arrive via Load or LoadFile.
func New(st *store.Store, reg *agents.Registry, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Engine {
	return &Engine{
		rules:  make(map[string]*Rule),
		store:  st,
		agents: reg,
		bus:    bus,
		clock:  clk,
		log:    log.Component("rules"),
	}
}

// Load parses a JSON rule bundle and swaps it in atomically. A leading
// UTF-8 BOM is tolerated. On parse failure the current table is kept.
func (e *Engine) Load(data []byte) error {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	var specs map[string]ruleSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return fmt.Errorf("parse rule bundle: %w", err)
	}

	table := make(map[string]*Rule, len(specs))
	for name, s := range specs {
		table[name] = &Rule{
			Name:         name,
			Type:         s.Type,
			SQL:          s.Query,
			Relationship: s.Relationship,
			Threshold:    s.Threshold,
			Enabled:      s.Enabled,
		}
	}

	e.mu.Lock()
	e.rules = table
	enabled := e.enabledCountLocked()
	e.mu.Unlock()

	metrics.RulesEnabled.Set(float64(enabled))
	e.log.Info("rule bundle loaded", "rules", len(table), "enabled", enabled)
	return nil
}

// LoadFile reads and loads the bundle at path.
func (e *Engine) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rule bundle %s: %w", path, err)
	}
	return e.Load(data)
}

// ExportEnabled returns the name to SQL mapping of enabled rules, the
// payload every upd frame carries to agents.
func (e *Engine) ExportEnabled() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]string)
	for name, r := range e.rules {
		if r.Enabled {
			out[name] = r.SQL
		}
	}
	return out
}

// Rules returns a snapshot of the table sorted by name.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a copy of the named rule.
func (e *Engine) Get(name string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.rules[name]
	if !ok {
		return Rule{}, false
	}
	return *r, true
}

// UpdateThresholds recomputes the enabled flag of every rule from the
// per-type mean risks: a rule is enabled while the mean risk of its object
// type is at or above its threshold. Types absent from risks count as
// zero. Transitions are logged and, if any rule flipped, one rules-changed
// event is published so sessions push a fresh upd.
func (e *Engine) UpdateThresholds(risks map[string]float64) {
	e.mu.Lock()

	changed := false
	for name, r := range e.rules {
		next := r.Threshold <= risks[r.Type]
		if next != r.Enabled {
			e.log.Info("rule enabled state changed",
				"rule", name, "from", r.Enabled, "to", next,
				"threshold", r.Threshold, "mean_risk", risks[r.Type])
			r.Enabled = next
			changed = true
		}
	}
	enabled := e.enabledCountLocked()
	e.mu.Unlock()

	metrics.RulesEnabled.Set(float64(enabled))
	if changed {
		e.publish(events.EventRulesChanged, "", "rule set recomputed from aggregate risk")
	}
}

func (e *Engine) enabledCountLocked() int {
	n := 0
	for _, r := range e.rules {
		if r.Enabled {
			n++
		}
	}
	return n
}

func (e *Engine) publish(typ events.EventType, subject, message string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:      typ,
		Subject:   subject,
		Message:   message,
		Timestamp: e.clock.Now(),
	})
}

// DecodeRows decodes the raw telemetry payload of one rule. Agents send
// either a row list, a single row object, or null for an empty result.
func DecodeRows(raw json.RawMessage) ([]Row, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var rows []Row
	if err := json.Unmarshal(trimmed, &rows); err == nil {
		return rows, nil
	}

	var single Row
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return []Row{single}, nil
}

// Apply ingests the telemetry rows an agent returned for one rule: the
// agent is resolved by its source address and marked seen, each row is
// parsed into its typed object and inserted with the agent as origin, and
// process/file rows are linked to the agent identity with the rule's
// relationship label. Unknown rule names and unknown agents are errors;
// malformed rows and unknown rule types are logged and skipped.
func (e *Engine) Apply(agentAddr, ruleName string, rows []Row) error {
	rule, ok := e.Get(ruleName)
	if !ok {
		return fmt.Errorf("unknown rule %q", ruleName)
	}

	rec, ok := e.agents.GetByIP(agentAddr)
	if !ok {
		return fmt.Errorf("no agent registered for address %s", agentAddr)
	}
	e.agents.MarkSeen(rec.ObjectID, e.clock.Now())

	for _, row := range rows {
		e.applyRow(rule, rec, row)
	}
	return nil
}

// applyRow inserts one parsed row. Parse failures only skip the row.
func (e *Engine) applyRow(rule Rule, rec agents.Record, row Row) {
	obj, err := e.parseRow(rule, rec.Name, row)
	if err != nil {
		e.log.Warn("telemetry row skipped", "rule", rule.Name, "agent", rec.Name, "error", err)
		return
	}
	if obj == nil {
		return
	}

	risk := 0
	if rule.Type == "vulnerability" {
		risk = vulnerabilityRisk
	}

	created, objID := e.store.Create(obj, rec.Name, "red", risk)
	if created {
		e.log.Info("object added", "id", objID, "type", rule.Type, "agent", rec.Name)
	}

	switch rule.Type {
	case "process", "file":
		e.linkToAgent(rule, rec, objID)
	case "network-traffic":
		if created {
			e.recordTraffic(rule, rec, objID, obj)
		}
	}
}

// linkToAgent inserts the (agent identity, object) relationship a process
// or file detection implies. Duplicate edges deduplicate in the store.
func (e *Engine) linkToAgent(rule Rule, rec agents.Record, objID string) {
	rel := cti.NewRelationship(rec.ObjectID, objID, rule.Relationship)
	created, relID := e.store.Create(rel, rec.Name, "red", 0)
	if !created {
		return
	}
	e.store.AppendHistory(rec.ObjectID,
		fmt.Sprintf("Detected %s relationship from %s to %s.", rule.Relationship, relID, objID))
	e.store.AppendHistory(objID,
		fmt.Sprintf("Detected %s relationship from %s to %s.", rule.Relationship, relID, rec.ObjectID))
	e.log.Info("relationship created", "id", relID, "agent", rec.ObjectID, "object", objID)
}

// recordTraffic appends the history lines a new traffic edge leaves on the
// agent and both endpoints.
func (e *Engine) recordTraffic(rule Rule, rec agents.Record, objID string, obj cti.Object) {
	src, _ := obj["src_ref"].(string)
	dst, _ := obj["dst_ref"].(string)

	forward := fmt.Sprintf("Detected network traffic %s %s > %s > %s", objID, src, rule.Relationship, dst)
	reverse := fmt.Sprintf("Detected network traffic %s %s < %s < %s", objID, dst, rule.Relationship, src)
	e.store.AppendHistory(rec.ObjectID, forward)
	e.store.AppendHistory(src, forward)
	e.store.AppendHistory(dst, reverse)
	e.log.Info("network traffic recorded", "id", objID, "src", src, "dst", dst)
}

// parseRow builds the typed object a row of this rule type describes.
// A nil object with nil error means the rule type is not translatable.
func (e *Engine) parseRow(rule Rule, agentName string, row Row) (cti.Object, error) {
	switch rule.Type {
	case "ipv4-addr":
		value, err := field(row, "value")
		if err != nil {
			return nil, err
		}
		return cti.NewIPv4Address(value), nil

	case "process":
		pid, err := intField(row, "pid")
		if err != nil {
			return nil, err
		}
		path, err := field(row, "path")
		if err != nil {
			return nil, err
		}
		return cti.NewProcess(pid, path, row["cmdline"]), nil

	case "file":
		path, err := field(row, "path")
		if err != nil {
			return nil, err
		}
		size, err := intField(row, "size")
		if err != nil {
			return nil, err
		}
		ctime, err := epochField(row, "ctime")
		if err != nil {
			return nil, err
		}
		mtime, err := epochField(row, "mtime")
		if err != nil {
			return nil, err
		}
		atime, err := epochField(row, "atime")
		if err != nil {
			return nil, err
		}
		hashes := map[string]string{
			"MD5":     row["md5"],
			"SHA-1":   row["sha1"],
			"SHA-256": row["sha256"],
		}
		return cti.NewFile(path, int64(size), ctime, mtime, atime, hashes), nil

	case "vulnerability":
		name, err := field(row, "name")
		if err != nil {
			return nil, err
		}
		var refs []any
		if ext := row["external_references"]; ext != "" {
			refs = []any{ext}
		}
		return cti.NewVulnerability(name, row["description"], refs), nil

	case "network-traffic":
		return e.parseTraffic(row, agentName)

	default:
		e.log.Warn("unknown rule type", "rule", rule.Name, "type", rule.Type)
		return nil, nil
	}
}

// parseTraffic inserts both endpoint addresses first so the traffic object
// can reference their stored ids, which may be pre-existing.
func (e *Engine) parseTraffic(row Row, agentName string) (cti.Object, error) {
	local, err := field(row, "local_address")
	if err != nil {
		return nil, err
	}
	remote, err := field(row, "remote_address")
	if err != nil {
		return nil, err
	}
	localPort, err := intField(row, "local_port")
	if err != nil {
		return nil, err
	}
	remotePort, err := intField(row, "remote_port")
	if err != nil {
		return nil, err
	}

	srcNew, srcID := e.store.Create(cti.NewIPv4Address(local), agentName, "red", 0)
	if srcNew {
		e.log.Info("object added", "id", srcID, "type", "ipv4-addr", "agent", agentName)
	}
	dstNew, dstID := e.store.Create(cti.NewIPv4Address(remote), agentName, "red", 0)
	if dstNew {
		e.log.Info("object added", "id", dstID, "type", "ipv4-addr", "agent", agentName)
	}

	return cti.NewNetworkTraffic(srcID, dstID, localPort, remotePort, row["protocol"]), nil
}

func field(row Row, name string) (string, error) {
	v, ok := row[name]
	if !ok || v == "" {
		return "", fmt.Errorf("missing field %q", name)
	}
	return v, nil
}

func intField(row Row, name string) (int, error) {
	v, err := field(row, name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", name, err)
	}
	return n, nil
}

func epochField(row Row, name string) (string, error) {
	sec, err := intField(row, name)
	if err != nil {
		return "", err
	}
	return cti.EpochToISO(int64(sec)), nil
}

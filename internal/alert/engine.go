package alert

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/RicAlvesO/ICARUS/internal/agents"
	"github.com/RicAlvesO/ICARUS/internal/clock"
	"github.com/RicAlvesO/ICARUS/internal/config"
	"github.com/RicAlvesO/ICARUS/internal/cti"
	"github.com/RicAlvesO/ICARUS/internal/events"
	"github.com/RicAlvesO/ICARUS/internal/logging"
	"github.com/RicAlvesO/ICARUS/internal/metrics"
	"github.com/RicAlvesO/ICARUS/internal/notify"
	"github.com/RicAlvesO/ICARUS/internal/rules"
	"github.com/RicAlvesO/ICARUS/internal/store"
)

// Engine runs the alert loop and owns the alert book.
type Engine struct {
	store    *store.Store
	agents   *agents.Registry
	rules    *rules.Engine
	notifier *notify.Multi
	bus      *events.Bus
	clock    clock.Clock
	cfg      config.AlertsConfig
	log      *logging.Logger

	// paths memoizes the node sequences already seen per (agent, object)
	// pair. Only the alert loop touches it.
	paths map[string]map[string][][]string

	mu     sync.RWMutex
	alerts map[string]*Alert
	order  []string
}

// New creates an Engine with all dependencies.
func New(st *store.Store, reg *agents.Registry, rl *rules.Engine, notifier *notify.Multi, bus *events.Bus, clk clock.Clock, cfg config.AlertsConfig, log *logging.Logger) *Engine {
	return &Engine{
		store:    st,
		agents:   reg,
		rules:    rl,
		notifier: notifier,
		bus:      bus,
		clock:    clk,
		cfg:      cfg,
		log:      log.Component("alert"),
		paths:    make(map[string]map[string][][]string),
		alerts:   make(map[string]*Alert),
	}
}

// Run starts the alert loop. It scans immediately, then at every interval.
// Exits when ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("alert engine started",
		"interval", e.cfg.Interval,
		"threshold", e.cfg.Threshold,
		"depth_threshold", e.cfg.DepthThreshold)
	e.Tick(ctx)

	for {
		select {
		case <-e.clock.After(e.cfg.Interval):
			e.Tick(ctx)
		case <-ctx.Done():
			e.log.Info("alert engine stopped")
			return nil
		}
	}
}

// Tick runs one full scan cycle: walk every agent graph, then decay risk
// and feed the per-type means back into the rule engine.
func (e *Engine) Tick(ctx context.Context) {
	start := e.clock.Now()

	for _, agentID := range e.agents.IDs() {
		e.scanAgent(ctx, agentID)
	}

	e.store.Decay(e.cfg.DecayStep)
	risks := e.store.AggregateRisks()
	e.log.Info("mean risks by type", "risks", risks)
	e.rules.UpdateThresholds(risks)

	for typ, n := range e.store.TypeCounts() {
		metrics.ObjectsStored.WithLabelValues(typ).Set(float64(n))
	}
	for typ, mean := range risks {
		metrics.RiskMean.WithLabelValues(typ).Set(mean)
	}
	metrics.ScansTotal.Inc()
	metrics.ScanDuration.Observe(e.clock.Since(start).Seconds())
}

// scanAgent checks every risky node reachable from one agent.
func (e *Engine) scanAgent(ctx context.Context, agentID string) {
	graph := e.store.ObjectGraph(agentID, e.cfg.DepthThreshold)
	e.log.Debug("scanning agent graph",
		"agent", agentID, "nodes", len(graph.Nodes), "edges", len(graph.Edges))

	adj := buildAdjacency(graph.Edges)
	for _, node := range graph.Nodes {
		if node.Object.Risk() > 0 {
			e.checkObject(ctx, agentID, node, graph, adj)
		}
	}
}

// checkObject enumerates the paths from the agent to one risky node and
// emits an alert for each novel path whose attenuated score crosses the
// threshold. Every path is recorded in the memo regardless of score, so
// a known route never re-alerts when risk later rises.
func (e *Engine) checkObject(ctx context.Context, agentID string, node store.Node, graph *store.Graph, adj map[string][]adjEntry) {
	risk := node.Object.Risk()
	for _, path := range findAllPaths(adj, agentID, node.ID) {
		hops := (len(path) - 1) / 2
		if hops == 0 {
			continue
		}

		newPair, seen := e.recordPath(agentID, node.ID, path)
		if !newPair && seen {
			continue
		}

		score := risk * e.cfg.DepthMultiplier * 2 / hops
		if score > 100 {
			score = 100
		}
		if score <= e.cfg.Threshold {
			continue
		}
		e.emit(ctx, agentID, node.ID, newPair, score, hops, path, graph)
	}
}

// recordPath consults and updates the novelty memo. newPair reports a
// first-ever (agent, object) pair; seen reports an already recorded node
// sequence for the pair.
func (e *Engine) recordPath(agentID, objectID string, path []string) (newPair, seen bool) {
	nodeSeq := nodeSequence(path)

	byObject, ok := e.paths[agentID]
	if !ok {
		byObject = make(map[string][][]string)
		e.paths[agentID] = byObject
	}
	known, ok := byObject[objectID]
	if !ok {
		byObject[objectID] = [][]string{nodeSeq}
		return true, false
	}
	for _, s := range known {
		if slices.Equal(s, nodeSeq) {
			return false, true
		}
	}
	byObject[objectID] = append(known, nodeSeq)
	return false, false
}

func (e *Engine) emit(ctx context.Context, agentID, objectID string, newPair bool, score, hops int, path []string, graph *store.Graph) {
	kind := notify.KindNewPath
	if newPair {
		kind = notify.KindNewAlert
	}

	a := &Alert{
		ID:        cti.NewID("alert"),
		Agent:     agentID,
		Object:    objectID,
		Risk:      score,
		Path:      append([]string(nil), path...),
		Graph:     inducedSubgraph(path, graph),
		Timestamp: e.clock.Now(),
		Status:    StatusActive,
	}

	e.mu.Lock()
	e.alerts[a.ID] = a
	e.order = append(e.order, a.ID)
	e.mu.Unlock()

	e.log.Warn("alert raised",
		"id", a.ID, "kind", string(kind),
		"agent", agentID, "object", objectID,
		"score", score, "hops", hops)
	metrics.AlertsTotal.WithLabelValues(string(kind)).Inc()

	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:      events.EventAlertCreated,
			Subject:   a.ID,
			Message:   fmt.Sprintf("%s: %s scored %d against %s", kind, objectID, score, agentID),
			Timestamp: e.clock.Now(),
		})
	}
	if e.notifier != nil {
		e.notifier.Notify(ctx, notify.Event{
			Kind:      kind,
			AlertID:   a.ID,
			Agent:     agentID,
			Object:    objectID,
			Risk:      score,
			Hops:      hops,
			Timestamp: e.clock.Now(),
		})
	}
}

type adjEntry struct {
	edgeID string
	target string
}

// buildAdjacency indexes graph edges by source in their stored direction.
func buildAdjacency(edges []store.Edge) map[string][]adjEntry {
	adj := make(map[string][]adjEntry)
	for _, edge := range edges {
		adj[edge.Source] = append(adj[edge.Source], adjEntry{edgeID: edge.ID, target: edge.Target})
	}
	return adj
}

// findAllPaths enumerates every path from start to end. The visited set
// holds (edge, target) pairs, so a node may be re-entered through a
// different edge but no edge is crossed twice on one path. Returned paths
// alternate node and edge ids, starting and ending with a node.
func findAllPaths(adj map[string][]adjEntry, start, end string) [][]string {
	var all [][]string
	visited := make(map[adjEntry]bool)

	var dfs func(current string, path []string)
	dfs = func(current string, path []string) {
		if current == end {
			all = append(all, append([]string(nil), path...))
			return
		}
		for _, next := range adj[current] {
			if visited[next] {
				continue
			}
			visited[next] = true
			dfs(next.target, append(path, next.edgeID, next.target))
			delete(visited, next)
		}
	}
	dfs(start, []string{start})
	return all
}

// nodeSequence extracts the node ids of a path, the even positions.
func nodeSequence(path []string) []string {
	seq := make([]string, 0, len(path)/2+1)
	for i := 0; i < len(path); i += 2 {
		seq = append(seq, path[i])
	}
	return seq
}

// inducedSubgraph keeps the nodes on path plus every graph edge whose
// endpoints both lie on it, parallel edges included.
func inducedSubgraph(path []string, g *store.Graph) *store.Graph {
	onPath := make(map[string]bool, len(path))
	for _, id := range path {
		onPath[id] = true
	}

	sub := &store.Graph{Nodes: []store.Node{}, Edges: []store.Edge{}}
	for _, n := range g.Nodes {
		if onPath[n.ID] {
			sub.Nodes = append(sub.Nodes, n)
		}
	}
	for _, edge := range g.Edges {
		if onPath[edge.Source] && onPath[edge.Target] {
			sub.Edges = append(sub.Edges, edge)
		}
	}
	return sub
}

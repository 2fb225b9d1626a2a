package store

import (
	"github.com/google/uuid"

	"github.com/RicAlvesO/ICARUS/internal/cti"
)

// Node is one vertex of a traversal result, carrying the merged view.
type Node struct {
	ID     string     `json:"id"`
	Object cti.Object `json:"object"`
}

// Edge is one link of a traversal result. Relationship objects contribute
// source_ref -> target_ref edges, network-traffic objects src_ref ->
// dst_ref edges; Relation carries the merged edge object itself.
type Edge struct {
	ID       string     `json:"id"`
	Source   string     `json:"source"`
	Target   string     `json:"target"`
	Type     string     `json:"type"`
	Relation cti.Object `json:"relation"`
}

// Graph is a traversal result. Node and edge ids each appear at most once.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// GraphExport wraps a Graph for the read API.
type GraphExport struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// BundleExport is the flat export served to downstream feed consumers.
type BundleExport struct {
	Type           string       `json:"type"`
	ID             string       `json:"id"`
	Objects        []cti.Object `json:"objects"`
	Relationships  []cti.Object `json:"relationships"`
	NetworkTraffic []cti.Object `json:"network_traffic"`
}

type halfEdge struct {
	edge     Edge
	neighbor string
}

// ObjectGraph walks the graph outward from root, following relationship
// and network-traffic edges in both directions, and returns every node
// within depth hops plus the edges incident to the expanded interior.
// A visited set handles cycles; dangling references are skipped.
func (s *Store) ObjectGraph(rootID string, depth int) *Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := &Graph{Nodes: []Node{}, Edges: []Edge{}}
	root, ok := s.readLocked(rootID)
	if !ok {
		return g
	}

	incident := s.incidentIndexLocked()

	visited := map[string]bool{rootID: true}
	edgeSeen := make(map[string]bool)
	g.Nodes = append(g.Nodes, Node{ID: rootID, Object: root})
	frontier := []string{rootID}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			for _, he := range incident[id] {
				if _, exists := s.objects[he.neighbor]; !exists {
					s.log.Debug("dangling reference during traversal",
						"edge", he.edge.ID, "missing", he.neighbor)
					continue
				}
				if !edgeSeen[he.edge.ID] {
					edgeSeen[he.edge.ID] = true
					g.Edges = append(g.Edges, he.edge)
				}
				if !visited[he.neighbor] {
					visited[he.neighbor] = true
					merged, _ := s.readLocked(he.neighbor)
					g.Nodes = append(g.Nodes, Node{ID: he.neighbor, Object: merged})
					next = append(next, he.neighbor)
				}
			}
		}
		frontier = next
	}
	return g
}

// incidentIndexLocked builds the per-traversal adjacency of half-edges,
// one entry per endpoint so traversal runs in both directions.
func (s *Store) incidentIndexLocked() map[string][]halfEdge {
	incident := make(map[string][]halfEdge)
	for id, content := range s.objects {
		var src, dst string
		switch content.Type() {
		case "relationship":
			src, _ = content["source_ref"].(string)
			dst, _ = content["target_ref"].(string)
		case "network-traffic":
			src, _ = content["src_ref"].(string)
			dst, _ = content["dst_ref"].(string)
		default:
			continue
		}
		if src == "" || dst == "" {
			continue
		}
		merged, ok := s.readLocked(id)
		if !ok {
			continue
		}
		e := Edge{ID: id, Source: src, Target: dst, Type: content.Type(), Relation: merged}
		incident[src] = append(incident[src], halfEdge{edge: e, neighbor: dst})
		if dst != src {
			incident[dst] = append(incident[dst], halfEdge{edge: e, neighbor: src})
		}
	}
	return incident
}

// ExportGraph returns an ObjectGraph result wrapped for the read API.
func (s *Store) ExportGraph(rootID string, depth int) *GraphExport {
	g := s.ObjectGraph(rootID, depth)
	return &GraphExport{
		Type:  "graph",
		ID:    "graph--" + uuid.NewString(),
		Nodes: g.Nodes,
		Edges: g.Edges,
	}
}

// ExportBundle returns merged views of everything in the store, split
// into observables, relationships and network traffic.
func (s *Store) ExportBundle() *BundleExport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bundle := &BundleExport{
		Type:           "bundle",
		ID:             "bundle--" + uuid.NewString(),
		Objects:        []cti.Object{},
		Relationships:  []cti.Object{},
		NetworkTraffic: []cti.Object{},
	}
	for id, content := range s.objects {
		merged, ok := s.readLocked(id)
		if !ok {
			continue
		}
		switch content.Type() {
		case "relationship":
			bundle.Relationships = append(bundle.Relationships, merged)
		case "network-traffic":
			bundle.NetworkTraffic = append(bundle.NetworkTraffic, merged)
		default:
			bundle.Objects = append(bundle.Objects, merged)
		}
	}
	return bundle
}

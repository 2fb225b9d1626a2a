package store

import (
	"fmt"

	"github.com/RicAlvesO/ICARUS/internal/cti"
)

// metadata is the broker record for one fingerprint: provenance and the
// monotonic tlp/risk lattice, with an append-only history.
type metadata struct {
	id      string
	typ     string
	tlp     string
	risk    int
	origin  string
	history []string
}

// broker owns the fingerprint-keyed metadata side of the store. It is not
// self-locking: the Store's mutex guards every call.
type broker struct {
	byFP map[string]*metadata // fingerprint -> metadata
	fps  map[string]string    // id -> fingerprint
}

func newBroker() broker {
	return broker{
		byFP: make(map[string]*metadata),
		fps:  make(map[string]string),
	}
}

func (b *broker) byFingerprint(fp string) (*metadata, bool) {
	m, ok := b.byFP[fp]
	return m, ok
}

func (b *broker) fingerprintOf(id string) (string, bool) {
	fp, ok := b.fps[id]
	return fp, ok
}

func (b *broker) create(fp, id, typ, origin, tlp string, risk int) {
	b.byFP[fp] = &metadata{
		id:     id,
		typ:    typ,
		tlp:    tlp,
		risk:   risk,
		origin: origin,
		history: []string{
			fmt.Sprintf("%s: Created by %s [%s, %d]", timestamp(), origin, tlp, risk),
		},
	}
	b.fps[id] = fp
}

// update applies the monotonic metadata joins used when a duplicate
// insert arrives: tlp and risk may only move up, each successful move
// appending one history line.
func (b *broker) update(m *metadata, origin, tlp string, risk int) bool {
	if origin == "" {
		origin = "unknown"
	}
	changed := b.setTLP(m, origin, tlp)
	if b.setRisk(m, origin, risk) {
		changed = true
	}
	return changed
}

// setTLP raises the TLP level. Demotions and unknown levels are silent
// no-ops.
func (b *broker) setTLP(m *metadata, origin, tlp string) bool {
	if !cti.ValidTLP(tlp) {
		return false
	}
	if cti.TLPRank(tlp) <= cti.TLPRank(m.tlp) {
		return false
	}
	m.tlp = tlp
	m.history = append(m.history, fmt.Sprintf("%s: TLP updated by %s to %s", timestamp(), origin, tlp))
	return true
}

// setRisk raises the risk value, clamped to 100. Values at or below the
// current risk are no-ops; only decay moves risk down.
func (b *broker) setRisk(m *metadata, origin string, risk int) bool {
	risk = clampRisk(risk)
	if risk <= m.risk {
		return false
	}
	m.risk = risk
	m.history = append(m.history, fmt.Sprintf("%s: Risk updated by %s to %d", timestamp(), origin, risk))
	return true
}

// rekey moves a metadata record under a new fingerprint after a content
// change, preserving history.
func (b *broker) rekey(oldFP, newFP string) {
	m := b.byFP[oldFP]
	delete(b.byFP, oldFP)
	b.byFP[newFP] = m
	b.fps[m.id] = newFP
}

func (b *broker) delete(id string) bool {
	fp, ok := b.fps[id]
	if !ok {
		return false
	}
	delete(b.fps, id)
	delete(b.byFP, fp)
	return true
}

func (b *broker) decay(factor int) {
	for _, m := range b.byFP {
		if m.risk <= 0 {
			continue
		}
		m.risk -= factor
		if m.risk < 0 {
			m.risk = 0
		}
		if m.risk%10 == 0 {
			m.history = append(m.history, fmt.Sprintf("%s: Risk decayed to %d", timestamp(), m.risk))
		}
	}
}

func (b *broker) aggregateRisks() map[string]float64 {
	sums := make(map[string]int)
	counts := make(map[string]int)
	for _, m := range b.byFP {
		if m.risk > 0 {
			sums[m.typ] += m.risk
			counts[m.typ]++
		}
	}
	means := make(map[string]float64, len(sums))
	for typ, sum := range sums {
		means[typ] = float64(sum) / float64(counts[typ])
	}
	return means
}

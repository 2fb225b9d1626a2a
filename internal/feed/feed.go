// Package feed periodically pulls external threat-intelligence feeds and
// merges their bundles into the store. Items a feed re-delivers fold into
// the existing records through the content fingerprint; feed-local ids are
// stitched to the canonical ids the store assigned.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/RicAlvesO/ICARUS/internal/clock"
	"github.com/RicAlvesO/ICARUS/internal/config"
	"github.com/RicAlvesO/ICARUS/internal/cti"
	"github.com/RicAlvesO/ICARUS/internal/events"
	"github.com/RicAlvesO/ICARUS/internal/logging"
	"github.com/RicAlvesO/ICARUS/internal/metrics"
	"github.com/RicAlvesO/ICARUS/internal/store"
)

// DefaultInterval is the fetch period for feeds without a cron schedule.
const DefaultInterval = 60 * time.Second

// fetchTimeout bounds a single HTTP fetch. Feeds that hang must not stall
// the whole loop.
const fetchTimeout = 15 * time.Second

// bundle is the shape each feed entry arrives in. The three lists are
// ingested in declaration order so that plain objects rebind before the
// relationships that reference them.
type bundle struct {
	Objects        []cti.Object `json:"objects"`
	NetworkTraffic []cti.Object `json:"network_traffic"`
	Relationships  []cti.Object `json:"relationships"`
}

// source is one configured feed with its parsed schedule. A nil schedule
// means the default fixed interval.
type source struct {
	name     string
	url      string
	schedule cron.Schedule
}

// Ingestor fetches configured feeds and merges their contents into the
// store. One goroutine per feed; all share the HTTP client and the store.
type Ingestor struct {
	store  *store.Store
	bus    *events.Bus
	clock  clock.Clock
	client *http.Client
	log    *logging.Logger
	feeds  []source
}

// New builds an Ingestor from the [feeds] config section. Invalid cron
// expressions are logged and the feed falls back to the default interval.
func New(cfgs []config.FeedConfig, st *store.Store, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Ingestor {
	ing := &Ingestor{
		store:  st,
		bus:    bus,
		clock:  clk,
		client: &http.Client{Timeout: fetchTimeout},
		log:    log.Component("feed"),
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for _, fc := range cfgs {
		src := source{name: fc.Name, url: fc.URL}
		if fc.Schedule != "" {
			sched, err := parser.Parse(fc.Schedule)
			if err != nil {
				ing.log.Warn("invalid cron expression, using default interval",
					"feed", fc.Name, "schedule", fc.Schedule, "error", err)
			} else {
				src.schedule = sched
			}
		}
		ing.feeds = append(ing.feeds, src)
	}
	return ing
}

// Run fetches every feed once, then keeps each on its own schedule until
// ctx is cancelled. Returns nil; fetch failures are retried at the next
// tick, never surfaced.
func (ing *Ingestor) Run(ctx context.Context) error {
	if len(ing.feeds) == 0 {
		ing.log.Info("no feeds configured")
		return nil
	}
	var wg sync.WaitGroup
	for _, src := range ing.feeds {
		wg.Add(1)
		go func(src source) {
			defer wg.Done()
			ing.runFeed(ctx, src)
		}(src)
	}
	wg.Wait()
	ing.log.Info("feed ingestor stopped")
	return nil
}

func (ing *Ingestor) runFeed(ctx context.Context, src source) {
	ing.fetch(ctx, src)
	for {
		select {
		case <-ing.clock.After(ing.wait(src)):
			ing.fetch(ctx, src)
		case <-ctx.Done():
			return
		}
	}
}

// wait returns the time until the feed's next fetch.
func (ing *Ingestor) wait(src source) time.Duration {
	if src.schedule == nil {
		return DefaultInterval
	}
	now := ing.clock.Now()
	d := src.schedule.Next(now).Sub(now)
	if d <= 0 {
		d = time.Second
	}
	return d
}

// Poll fetches every configured feed once. Used at startup and by tests;
// the Run loop calls fetch per feed on its own schedule.
func (ing *Ingestor) Poll(ctx context.Context) {
	for _, src := range ing.feeds {
		ing.fetch(ctx, src)
	}
}

func (ing *Ingestor) fetch(ctx context.Context, src source) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.url, nil)
	if err != nil {
		ing.log.Warn("feed request invalid", "feed", src.name, "url", src.url, "error", err)
		metrics.FeedFetches.WithLabelValues(src.name, "error").Inc()
		return
	}
	resp, err := ing.client.Do(req)
	if err != nil {
		ing.log.Warn("feed fetch failed", "feed", src.name, "error", err)
		metrics.FeedFetches.WithLabelValues(src.name, "error").Inc()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ing.log.Warn("feed returned non-2xx status", "feed", src.name, "status", resp.StatusCode)
		metrics.FeedFetches.WithLabelValues(src.name, "error").Inc()
		return
	}

	var bundles []bundle
	if err := json.NewDecoder(resp.Body).Decode(&bundles); err != nil {
		ing.log.Warn("feed payload undecodable", "feed", src.name, "error", err)
		metrics.FeedFetches.WithLabelValues(src.name, "error").Inc()
		return
	}

	var created, known int
	for _, b := range bundles {
		c, k := ing.ingestBundle(b, src.name)
		created += c
		known += k
	}

	metrics.FeedFetches.WithLabelValues(src.name, "ok").Inc()
	metrics.FeedLastSuccess.WithLabelValues(src.name).Set(float64(ing.clock.Now().Unix()))
	ing.log.Info("feed ingested", "feed", src.name, "bundles", len(bundles), "new", created, "known", known)
	ing.bus.Publish(events.Event{
		Type:      events.EventFeedIngested,
		Subject:   src.name,
		Message:   fmt.Sprintf("%d new, %d known", created, known),
		Timestamp: ing.clock.Now().UTC(),
	})
}

// ingestBundle merges one bundle. idMap carries feed-local id to canonical
// id rebindings within the bundle; reference fields are rewritten through
// it before the fingerprint lookup so a relationship authored against
// feed ids folds into the record stored under canonical ids.
func (ing *Ingestor) ingestBundle(b bundle, feedName string) (created, known int) {
	idMap := make(map[string]string)

	items := make([]cti.Object, 0, len(b.Objects)+len(b.NetworkTraffic)+len(b.Relationships))
	items = append(items, b.Objects...)
	items = append(items, b.NetworkTraffic...)
	items = append(items, b.Relationships...)

	for _, item := range items {
		if item == nil {
			continue
		}
		for k, v := range item {
			if s, ok := v.(string); ok {
				if canon, rebound := idMap[s]; rebound {
					item[k] = canon
				}
			}
		}
		tlp := popString(item, "tlp")
		risk := popRisk(item)
		feedID := item.ID()

		if id, exists := ing.store.Lookup(item); exists {
			ing.store.Update(id, nil, feedName, tlp, risk)
			if feedID != "" && feedID != id {
				idMap[feedID] = id
			}
			known++
			continue
		}

		if item.Type() == "relationship" {
			srcRef, _ := item["source_ref"].(string)
			dstRef, _ := item["target_ref"].(string)
			relType, _ := item["relationship_type"].(string)
			item = cti.NewRelationship(srcRef, dstRef, relType)
			if feedID != "" {
				idMap[feedID] = item.ID()
			}
		} else if item.ID() == "" {
			item["id"] = cti.NewID(item.Type())
		}

		if ok, _ := ing.store.Create(item, feedName, tlp, risk); ok {
			created++
		} else {
			known++
		}
	}
	return created, known
}

// popString removes key from the item and returns its string value, empty
// when absent or not a string.
func popString(item cti.Object, key string) string {
	v, ok := item[key]
	if !ok {
		return ""
	}
	delete(item, key)
	s, _ := v.(string)
	return s
}

// popRisk removes the risk key and returns its integer value. Feeds ship
// numbers, which decode as float64; anything else reads as zero.
func popRisk(item cti.Object) int {
	v, ok := item["risk"]
	if !ok {
		return 0
	}
	delete(item, "risk")
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return int(f)
	default:
		return 0
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/RicAlvesO/ICARUS/internal/agents"
	"github.com/RicAlvesO/ICARUS/internal/alert"
	"github.com/RicAlvesO/ICARUS/internal/channel"
	"github.com/RicAlvesO/ICARUS/internal/clock"
	"github.com/RicAlvesO/ICARUS/internal/config"
	"github.com/RicAlvesO/ICARUS/internal/cti"
	"github.com/RicAlvesO/ICARUS/internal/events"
	"github.com/RicAlvesO/ICARUS/internal/feed"
	"github.com/RicAlvesO/ICARUS/internal/logging"
	"github.com/RicAlvesO/ICARUS/internal/metrics"
	"github.com/RicAlvesO/ICARUS/internal/notify"
	"github.com/RicAlvesO/ICARUS/internal/rules"
	"github.com/RicAlvesO/ICARUS/internal/store"
	"github.com/RicAlvesO/ICARUS/internal/web"
)

var version = "dev"

// textfileInterval is how often the Prometheus textfile mirror is
// rewritten when metrics_textfile is configured.
const textfileInterval = 60 * time.Second

func main() {
	configPath := flag.String("config", "data/config.ini", "path to the INI configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logW, err := logging.Open(cfg.Server.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(logW, cfg.Server.LogJSON)

	fmt.Println("ICARUS " + version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	clk := clock.Real{}
	bus := events.New()
	st := store.New(log)
	reg := agents.NewRegistry(log)

	seedAgents(cfg.Agents, st, reg, log)

	rl := rules.New(st, reg, bus, clk, log)
	if cfg.Server.QueryFile != "" {
		if err := rl.LoadFile(cfg.Server.QueryFile); err != nil {
			log.Error("failed to load rule bundle", "path", cfg.Server.QueryFile, "error", err)
			os.Exit(1)
		}
	}

	// Build notification chain. The log notifier is always on; further
	// channels come from the optional YAML file.
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.Server.NotifyFile != "" {
		channels, err := notify.LoadChannels(cfg.Server.NotifyFile)
		if err != nil {
			log.Error("failed to load notifier channels", "error", err)
			os.Exit(1)
		}
		for _, ch := range channels {
			n, err := notify.Build(ch, log)
			if err != nil {
				log.Warn("skipping notifier channel", "type", ch.Type, "error", err)
				continue
			}
			notifiers = append(notifiers, n)
			log.Info("notifier channel enabled", "type", ch.Type)
		}
	}
	notifier := notify.NewMulti(log, notifiers...)

	engine := alert.New(st, reg, rl, notifier, bus, clk, cfg.Alerts, log)
	chanSrv := channel.New(cfg.Server, rl, reg, bus, log)
	ingestor := feed.New(cfg.Feeds, st, bus, clk, log)

	var (
		wg     sync.WaitGroup
		failed atomic.Bool
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error(name+" exited with error", "error", err)
				failed.Store(true)
				cancel()
			}
		}()
	}

	run("agent channel", chanSrv.Run)
	run("alert engine", engine.Run)
	run("feed ingestor", ingestor.Run)
	if cfg.Server.WatchQueries && cfg.Server.QueryFile != "" {
		run("rule watcher", func(ctx context.Context) error {
			return rl.Watch(ctx, cfg.Server.QueryFile)
		})
	}
	if cfg.Server.MetricsTextfile != "" {
		run("metrics textfile", func(ctx context.Context) error {
			return textfileLoop(ctx, clk, cfg.Server.MetricsTextfile, log)
		})
	}

	// Start the read API if an interface is configured.
	if cfg.Server.Interface != "" {
		srv := web.NewServer(web.Dependencies{
			Objects:  st,
			Agents:   reg,
			Alerts:   engine,
			Rules:    rl,
			EventBus: bus,
			Log:      log,
		})
		go func() {
			if err := srv.ListenAndServe(cfg.Server.Interface); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("read api error", "error", err)
				failed.Store(true)
				cancel()
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Shutdown(context.Background())
		}()
	}

	log.Info("icarus started",
		"version", version,
		"channel", cfg.Server.Host,
		"api", cfg.Server.Interface,
		"heartbeat", cfg.Server.Heartbeat,
		"agents", len(cfg.Agents),
		"feeds", len(cfg.Feeds),
	)

	wg.Wait()
	if failed.Load() {
		log.Error("icarus exited with error")
		os.Exit(1)
	}
	log.Info("icarus shutdown complete")
}

// seedAgents inserts each configured agent's identity, addresses and
// resolved_by edges into the store and registers it for session lookup.
func seedAgents(cfgs []config.AgentConfig, st *store.Store, reg *agents.Registry, log *logging.Logger) {
	for _, a := range cfgs {
		_, agentID := st.Create(cti.NewIdentity(a.Name), "server", "red", 0)
		_, intID := st.Create(cti.NewIPv4Address(a.InternalIP), "server", "red", 0)
		st.Create(cti.NewRelationship(agentID, intID, "resolved_by"), "server", "red", 0)
		if a.ExternalIP != "" {
			_, extID := st.Create(cti.NewIPv4Address(a.ExternalIP), "server", "red", 0)
			st.Create(cti.NewRelationship(agentID, extID, "resolved_by"), "server", "red", 0)
		}
		reg.Add(a.Name, agentID, a.InternalIP, a.ExternalIP)
		log.Info("agent registered", "name", a.Name, "id", agentID)
	}
}

// textfileLoop mirrors the metrics registry to a node_exporter textfile
// at a fixed cadence.
func textfileLoop(ctx context.Context, clk clock.Clock, path string, log *logging.Logger) error {
	if err := metrics.WriteTextfile(path); err != nil {
		log.Warn("metrics textfile write failed", "path", path, "error", err)
	}
	for {
		select {
		case <-clk.After(textfileInterval):
			if err := metrics.WriteTextfile(path); err != nil {
				log.Warn("metrics textfile write failed", "path", path, "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

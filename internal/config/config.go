// Package config loads the INI server configuration: the [server] section
// with the listener and TLS material, plus one [agents] key per monitored
// host and one [feeds] key per threat feed.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-ini/ini"
)

// Config holds all ICARUS server configuration.
type Config struct {
	Server ServerConfig
	Alerts AlertsConfig
	Agents []AgentConfig
	Feeds  []FeedConfig
}

// ServerConfig is the [server] section.
type ServerConfig struct {
	Host      string // agent channel listener, ip:port
	Interface string // read API listener, ip:port; empty disables the API
	CertFile  string
	KeyFile   string
	Heartbeat time.Duration // agent collection cadence advertised to operators
	LogFile   string        // empty means stderr
	LogJSON   bool
	QueryFile string // JSON rule bundle

	WatchQueries    bool   // hot-reload QueryFile on change
	MetricsTextfile string // optional Prometheus textfile export path
	NotifyFile      string // optional YAML notifier channels
}

// AlertsConfig is the optional [alerts] section tuning the alert loop.
type AlertsConfig struct {
	Interval        time.Duration
	Threshold       int
	DepthMultiplier int
	DepthThreshold  int
	DecayStep       int
}

// AgentConfig is one [agents] entry: name = internal_ip or
// internal_ip|external_ip.
type AgentConfig struct {
	Name       string
	InternalIP string
	ExternalIP string
}

// FeedConfig is one [feeds] entry: name = url or url|cron-expression.
type FeedConfig struct {
	Name     string
	URL      string
	Schedule string
}

// Load reads and validates the INI file at path.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	srv, err := f.GetSection("server")
	if err != nil {
		return nil, errors.New("config: missing required [server] section")
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            srv.Key("host").String(),
			Interface:       srv.Key("interface").String(),
			CertFile:        srv.Key("certfile").String(),
			KeyFile:         srv.Key("keyfile").String(),
			Heartbeat:       time.Duration(srv.Key("heartbeat").MustInt(60)) * time.Second,
			LogFile:         srv.Key("logfile").String(),
			LogJSON:         srv.Key("log_format").MustString("text") == "json",
			QueryFile:       srv.Key("queryfile").String(),
			WatchQueries:    srv.Key("watch_queries").MustBool(false),
			MetricsTextfile: srv.Key("metrics_textfile").String(),
			NotifyFile:      srv.Key("notifyfile").String(),
		},
		Alerts: AlertsConfig{
			Interval:        30 * time.Second,
			Threshold:       40,
			DepthMultiplier: 3,
			DepthThreshold:  5,
			DecayStep:       1,
		},
	}

	if al, err := f.GetSection("alerts"); err == nil {
		cfg.Alerts.Interval = time.Duration(al.Key("interval").MustInt(30)) * time.Second
		cfg.Alerts.Threshold = al.Key("threshold").MustInt(40)
		cfg.Alerts.DepthMultiplier = al.Key("depth_multiplier").MustInt(3)
		cfg.Alerts.DepthThreshold = al.Key("depth_threshold").MustInt(5)
		cfg.Alerts.DecayStep = al.Key("decay").MustInt(1)
	}

	if ag, err := f.GetSection("agents"); err == nil {
		for _, key := range ag.Keys() {
			internal, external, ok := strings.Cut(key.String(), "|")
			if !ok {
				external = ""
			}
			cfg.Agents = append(cfg.Agents, AgentConfig{
				Name:       key.Name(),
				InternalIP: strings.TrimSpace(internal),
				ExternalIP: strings.TrimSpace(external),
			})
		}
	}

	if fd, err := f.GetSection("feeds"); err == nil {
		for _, key := range fd.Keys() {
			url, schedule, ok := strings.Cut(key.String(), "|")
			if !ok {
				schedule = ""
			}
			cfg.Feeds = append(cfg.Feeds, FeedConfig{
				Name:     key.Name(),
				URL:      strings.TrimSpace(url),
				Schedule: strings.TrimSpace(schedule),
			})
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration for missing or invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Host == "" {
		errs = append(errs, errors.New("[server] host is required"))
	}
	if c.Server.CertFile == "" {
		errs = append(errs, errors.New("[server] certfile is required"))
	}
	if c.Server.KeyFile == "" {
		errs = append(errs, errors.New("[server] keyfile is required"))
	}
	if c.Server.QueryFile == "" {
		errs = append(errs, errors.New("[server] queryfile is required"))
	}
	if c.Server.Heartbeat <= 0 {
		errs = append(errs, fmt.Errorf("[server] heartbeat must be > 0, got %s", c.Server.Heartbeat))
	}
	if c.Alerts.Interval <= 0 {
		errs = append(errs, fmt.Errorf("[alerts] interval must be > 0, got %s", c.Alerts.Interval))
	}
	if c.Alerts.DepthThreshold <= 0 {
		errs = append(errs, fmt.Errorf("[alerts] depth_threshold must be > 0, got %d", c.Alerts.DepthThreshold))
	}
	if c.Alerts.DecayStep < 0 {
		errs = append(errs, fmt.Errorf("[alerts] decay must be >= 0, got %d", c.Alerts.DecayStep))
	}
	for _, a := range c.Agents {
		if a.InternalIP == "" {
			errs = append(errs, fmt.Errorf("[agents] %s has no internal ip", a.Name))
		}
	}
	for _, f := range c.Feeds {
		if f.URL == "" {
			errs = append(errs, fmt.Errorf("[feeds] %s has no url", f.Name))
		}
	}
	return errors.Join(errs...)
}

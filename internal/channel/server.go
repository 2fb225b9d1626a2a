package channel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/RicAlvesO/ICARUS/internal/agents"
	"github.com/RicAlvesO/ICARUS/internal/config"
	"github.com/RicAlvesO/ICARUS/internal/events"
	"github.com/RicAlvesO/ICARUS/internal/logging"
	"github.com/RicAlvesO/ICARUS/internal/metrics"
	"github.com/RicAlvesO/ICARUS/internal/rules"
)

// Server terminates agent TLS connections and runs one session per agent.
// Sessions share the rule engine and registry; each is otherwise
// independent.
type Server struct {
	addr     string
	certFile string
	keyFile  string
	rules    *rules.Engine
	agents   *agents.Registry
	bus      *events.Bus
	log      *logging.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// New creates a Server from the [server] section.
func New(cfg config.ServerConfig, rl *rules.Engine, reg *agents.Registry, bus *events.Bus, log *logging.Logger) *Server {
	return &Server{
		addr:     cfg.Host,
		certFile: cfg.CertFile,
		keyFile:  cfg.KeyFile,
		rules:    rl,
		agents:   reg,
		bus:      bus,
		log:      log.Component("channel"),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Run listens until ctx is cancelled, then closes the listener and every
// live session and waits for them to drain.
func (s *Server) Run(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return fmt.Errorf("load keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}

	ln, err := tls.Listen("tcp", s.addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("agent channel listening", "addr", ln.Addr().String())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		s.track(conn)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serve(ctx, conn)
		}()
	}

	s.closeConns()
	wg.Wait()
	s.log.Info("agent channel stopped")
	return nil
}

// Addr returns the bound listener address, nil before Run has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// closeConns unblocks every session read so shutdown does not wait on
// idle agents.
func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// serve runs one agent session: push the enabled rule set, then loop over
// inbound frames and rule-change events until the peer or ctx goes away.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(peer)
	if err != nil {
		ip = peer
	}

	log := s.log.With("peer", peer)
	metrics.AgentSessions.Inc()
	defer metrics.AgentSessions.Dec()

	rec, known := s.agents.GetByIP(ip)
	if known {
		log = log.With("agent", rec.Name)
		s.agents.SetConnected(rec.ObjectID, true)
		s.publish(events.EventAgentConnected, rec.Name, fmt.Sprintf("agent %s connected from %s", rec.Name, ip))
		defer func() {
			s.agents.SetConnected(rec.ObjectID, false)
			s.publish(events.EventAgentDisconnected, rec.Name, fmt.Sprintf("agent %s disconnected", rec.Name))
		}()
	} else {
		log.Warn("connection from unregistered address")
	}
	log.Info("session opened")
	defer log.Info("session closed")

	// Subscribe before the initial push so a rule change landing between
	// the export and the first select is not missed.
	sub, cancelSub := s.bus.Subscribe()
	defer cancelSub()

	lastSent := s.rules.ExportEnabled()
	if err := reply(conn, TypeUpd, lastSent); err != nil {
		log.Warn("initial rule push failed", "error", err)
		return
	}

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		for {
			payload, err := ReadFrame(conn)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- payload:
			case <-sessionDone:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-readErr:
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Warn("session read failed", "error", err)
			}
			return

		case evt := <-sub:
			if evt.Type != events.EventRulesChanged {
				continue
			}
			current := s.rules.ExportEnabled()
			if maps.Equal(current, lastSent) {
				continue
			}
			if err := reply(conn, TypeUpd, current); err != nil {
				log.Warn("rule push failed", "error", err)
				return
			}
			lastSent = current
			log.Info("rule update pushed", "rules", len(current))

		case payload := <-frames:
			if !s.handleFrame(conn, log, ip, payload) {
				return
			}
		}
	}
}

// handleFrame processes one inbound frame and sends the ack or err reply.
// Returns false when the session should end.
func (s *Server) handleFrame(conn net.Conn, log *logging.Logger, ip string, payload []byte) bool {
	msg, err := ParseMessage(payload)
	if err != nil {
		log.Warn("malformed message", "error", err)
		metrics.MessagesTotal.WithLabelValues("malformed").Inc()
		return s.replyErr(conn, log, err)
	}

	switch msg.Type {
	case TypeData:
		metrics.MessagesTotal.WithLabelValues(TypeData).Inc()
		if err := s.applyData(ip, msg.Data); err != nil {
			log.Error("agent data refused", "error", err)
			return s.replyErr(conn, log, err)
		}
		if err := reply(conn, TypeAck, struct{}{}); err != nil {
			log.Warn("ack failed", "error", err)
			return false
		}
		return true

	default:
		metrics.MessagesTotal.WithLabelValues("unknown").Inc()
		err := fmt.Errorf("unknown message type: %q", msg.Type)
		log.Warn("unknown message type", "type", msg.Type)
		return s.replyErr(conn, log, err)
	}
}

func (s *Server) replyErr(conn net.Conn, log *logging.Logger, cause error) bool {
	if err := reply(conn, TypeErr, cause.Error()); err != nil {
		log.Warn("error reply failed", "error", err)
		return false
	}
	return true
}

// applyData feeds one data payload {rule_name -> rows} through the rule
// engine. Entries are applied in name order; the first failure aborts the
// rest, matching the all-or-err reply.
func (s *Server) applyData(ip string, payload json.RawMessage) error {
	var byRule map[string]json.RawMessage
	if err := json.Unmarshal(payload, &byRule); err != nil {
		return fmt.Errorf("decode data payload: %w", err)
	}

	for _, name := range slices.Sorted(maps.Keys(byRule)) {
		rows, err := rules.DecodeRows(byRule[name])
		if err != nil {
			return fmt.Errorf("rule %s: %w", name, err)
		}
		if err := s.rules.Apply(ip, name, rows); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) publish(typ events.EventType, subject, message string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:      typ,
		Subject:   subject,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

func reply(conn net.Conn, typ string, payload any) error {
	msg, err := NewMessage(typ, payload)
	if err != nil {
		return err
	}
	return WriteFrame(conn, msg)
}

package channel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RicAlvesO/ICARUS/internal/agents"
	"github.com/RicAlvesO/ICARUS/internal/clock"
	"github.com/RicAlvesO/ICARUS/internal/config"
	"github.com/RicAlvesO/ICARUS/internal/cti"
	"github.com/RicAlvesO/ICARUS/internal/events"
	"github.com/RicAlvesO/ICARUS/internal/logging"
	"github.com/RicAlvesO/ICARUS/internal/rules"
	"github.com/RicAlvesO/ICARUS/internal/store"
)

const testBundle = `{
	"running_processes": {"type": "process", "query": "SELECT pid, path, cmdline FROM processes;", "relationship": "runs", "threshold": 30, "enabled": true},
	"recent_files": {"type": "file", "query": "SELECT path, size FROM file_events;", "relationship": "owns", "threshold": 50, "enabled": false}
}`

// writeTestCert generates a self-signed server certificate for 127.0.0.1
// and returns the PEM file paths plus a pool that trusts it.
func writeTestCert(t *testing.T) (certFile, keyFile string, pool *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "icarus-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	dir := t.TempDir()
	certFile = filepath.Join(dir, "server.pem")
	keyFile = filepath.Join(dir, "server.key")
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	pool = x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		t.Fatal("failed to add test cert to pool")
	}
	return certFile, keyFile, pool
}

type serverFixture struct {
	srv     *Server
	addr    string
	store   *store.Store
	reg     *agents.Registry
	rules   *rules.Engine
	bus     *events.Bus
	pool    *x509.CertPool
	agentID string

	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
}

// newServerFixture starts a full channel server on a random port with one
// registered agent at the given internal IP.
func newServerFixture(t *testing.T, agentIP string) *serverFixture {
	t.Helper()

	log := logging.New(io.Discard, false)
	st := store.New(log)
	reg := agents.NewRegistry(log)
	bus := events.New()

	_, agentID := st.Create(cti.NewIdentity("agent_A"), "server", "red", 0)
	if !reg.Add("agent_A", agentID, agentIP, "") {
		t.Fatal("agent registration failed")
	}

	rl := rules.New(st, reg, bus, clock.Real{}, log)
	if err := rl.Load([]byte(testBundle)); err != nil {
		t.Fatal(err)
	}

	certFile, keyFile, pool := writeTestCert(t)
	srv := New(config.ServerConfig{
		Host:     "127.0.0.1:0",
		CertFile: certFile,
		KeyFile:  keyFile,
	}, rl, reg, bus, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("server did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}

	f := &serverFixture{
		srv:     srv,
		addr:    srv.Addr().String(),
		store:   st,
		reg:     reg,
		rules:   rl,
		bus:     bus,
		pool:    pool,
		agentID: agentID,
		cancel:  cancel,
		done:    done,
	}
	t.Cleanup(func() { f.stop(t) })
	return f
}

// stop shuts the server down and waits for the drain, at most once.
func (f *serverFixture) stop(t *testing.T) {
	t.Helper()
	f.stopOnce.Do(func() {
		f.cancel()
		select {
		case err := <-f.done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("server did not stop within 2s")
		}
	})
}

func (f *serverFixture) dial(t *testing.T) *tls.Conn {
	t.Helper()
	conn, err := tls.Dial("tcp", f.addr, &tls.Config{
		RootCAs:    f.pool,
		MinVersion: tls.VersionTLS13,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn net.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	payload, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	msg, err := ParseMessage(payload)
	if err != nil {
		t.Fatalf("parse message: %v", err)
	}
	return msg
}

func sendMsg(t *testing.T, conn net.Conn, typ string, payload any) {
	t.Helper()
	msg, err := NewMessage(typ, payload)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := WriteFrame(conn, msg); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func decodeRuleMap(t *testing.T, msg Message) map[string]string {
	t.Helper()
	var rulesByName map[string]string
	if err := json.Unmarshal(msg.Data, &rulesByName); err != nil {
		t.Fatalf("decode upd payload: %v", err)
	}
	return rulesByName
}

func decodeErrString(t *testing.T, msg Message) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(msg.Data, &s); err != nil {
		t.Fatalf("decode err payload: %v", err)
	}
	return s
}

func TestSessionInitialRulePush(t *testing.T) {
	f := newServerFixture(t, "127.0.0.1")
	conn := f.dial(t)

	msg := readMsg(t, conn)
	if msg.Type != TypeUpd {
		t.Fatalf("first message type = %q, want upd", msg.Type)
	}
	got := decodeRuleMap(t, msg)
	if len(got) != 1 || got["running_processes"] != "SELECT pid, path, cmdline FROM processes;" {
		t.Errorf("initial rules = %v, want the one enabled rule", got)
	}
}

func TestSessionDataAck(t *testing.T) {
	f := newServerFixture(t, "127.0.0.1")
	conn := f.dial(t)
	readMsg(t, conn)

	sendMsg(t, conn, TypeData, map[string]any{
		"running_processes": []map[string]string{
			{"pid": "4242", "path": "/usr/bin/nc", "cmdline": "nc -l 4444"},
		},
	})

	if msg := readMsg(t, conn); msg.Type != TypeAck {
		t.Fatalf("reply type = %q, want ack", msg.Type)
	}

	counts := f.store.TypeCounts()
	if counts["process"] != 1 {
		t.Errorf("process count = %d, want 1", counts["process"])
	}
	if counts["relationship"] != 1 {
		t.Errorf("relationship count = %d, want 1", counts["relationship"])
	}
	rec, _ := f.reg.Get(f.agentID)
	if rec.LastSeen.IsZero() {
		t.Error("agent not marked seen after data message")
	}
}

func TestSessionUnknownRuleErr(t *testing.T) {
	f := newServerFixture(t, "127.0.0.1")
	conn := f.dial(t)
	readMsg(t, conn)

	sendMsg(t, conn, TypeData, map[string]any{
		"no_such_rule": []map[string]string{{"pid": "1"}},
	})

	msg := readMsg(t, conn)
	if msg.Type != TypeErr {
		t.Fatalf("reply type = %q, want err", msg.Type)
	}
	if s := decodeErrString(t, msg); !strings.Contains(s, "no_such_rule") {
		t.Errorf("err payload = %q, want the rule name", s)
	}

	// The session survives the refused payload.
	sendMsg(t, conn, TypeData, map[string]any{"running_processes": nil})
	if msg := readMsg(t, conn); msg.Type != TypeAck {
		t.Errorf("reply after err = %q, want ack", msg.Type)
	}
}

func TestSessionUnknownTypeErr(t *testing.T) {
	f := newServerFixture(t, "127.0.0.1")
	conn := f.dial(t)
	readMsg(t, conn)

	sendMsg(t, conn, "bogus", map[string]string{})

	msg := readMsg(t, conn)
	if msg.Type != TypeErr {
		t.Fatalf("reply type = %q, want err", msg.Type)
	}
	if s := decodeErrString(t, msg); !strings.Contains(s, "unknown message type") {
		t.Errorf("err payload = %q", s)
	}
}

func TestSessionMalformedPayloadErr(t *testing.T) {
	f := newServerFixture(t, "127.0.0.1")
	conn := f.dial(t)
	readMsg(t, conn)

	// A well-framed but non-JSON payload must draw an err reply, not a
	// dropped session.
	body := []byte("{oops")
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(append(header[:], body...)); err != nil {
		t.Fatal(err)
	}

	if msg := readMsg(t, conn); msg.Type != TypeErr {
		t.Fatalf("reply type = %q, want err", msg.Type)
	}

	sendMsg(t, conn, TypeData, map[string]any{"running_processes": nil})
	if msg := readMsg(t, conn); msg.Type != TypeAck {
		t.Errorf("reply after malformed frame = %q, want ack", msg.Type)
	}
}

func TestSessionUnregisteredAgent(t *testing.T) {
	// The registered agent lives elsewhere; localhost connections are
	// served but their data is refused.
	f := newServerFixture(t, "203.0.113.9")
	conn := f.dial(t)
	readMsg(t, conn)

	sendMsg(t, conn, TypeData, map[string]any{"running_processes": nil})

	msg := readMsg(t, conn)
	if msg.Type != TypeErr {
		t.Fatalf("reply type = %q, want err", msg.Type)
	}
	if s := decodeErrString(t, msg); !strings.Contains(s, "no agent registered") {
		t.Errorf("err payload = %q", s)
	}
}

func TestSessionRulePushOnChange(t *testing.T) {
	f := newServerFixture(t, "127.0.0.1")
	conn := f.dial(t)
	readMsg(t, conn)

	// Flip both rules: means below 30 disable running_processes, above 50
	// enable recent_files. The session must push the new set unprompted.
	f.rules.UpdateThresholds(map[string]float64{"process": 0, "file": 100})

	msg := readMsg(t, conn)
	if msg.Type != TypeUpd {
		t.Fatalf("message type = %q, want upd", msg.Type)
	}
	got := decodeRuleMap(t, msg)
	if _, ok := got["running_processes"]; ok {
		t.Error("disabled rule still present in pushed update")
	}
	if _, ok := got["recent_files"]; !ok {
		t.Error("newly enabled rule missing from pushed update")
	}
}

func TestSessionConnectDisconnectEvents(t *testing.T) {
	f := newServerFixture(t, "127.0.0.1")
	sub, cancelSub := f.bus.Subscribe()
	defer cancelSub()

	conn := f.dial(t)
	readMsg(t, conn)

	rec, _ := f.reg.Get(f.agentID)
	if !rec.Connected {
		t.Error("agent not marked connected after session open")
	}

	waitEvent(t, sub, events.EventAgentConnected)

	conn.Close()
	waitEvent(t, sub, events.EventAgentDisconnected)

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, _ = f.reg.Get(f.agentID)
		if !rec.Connected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("agent still marked connected after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitEvent(t *testing.T, sub <-chan events.Event, typ events.EventType) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt := <-sub:
			if evt.Type == typ {
				return
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestGracefulShutdownManySessions(t *testing.T) {
	f := newServerFixture(t, "127.0.0.1")

	const sessions = 50
	conns := make([]*tls.Conn, 0, sessions)
	for i := 0; i < sessions; i++ {
		conn := f.dial(t)
		readMsg(t, conn)
		conns = append(conns, conn)
	}

	start := time.Now()
	f.stop(t)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("drain took %s with %d idle sessions", elapsed, sessions)
	}

	// Every session socket is closed by the drain.
	for _, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := ReadFrame(conn); err == nil {
			t.Error("session still alive after shutdown")
		}
	}
}

func TestSessionCleanDisconnect(t *testing.T) {
	f := newServerFixture(t, "127.0.0.1")
	conn := f.dial(t)
	readMsg(t, conn)

	// A client that just goes away must not wedge the server.
	conn.Close()

	conn2 := f.dial(t)
	if msg := readMsg(t, conn2); msg.Type != TypeUpd {
		t.Errorf("second session first message = %q, want upd", msg.Type)
	}
}

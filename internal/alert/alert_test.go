package alert

import (
	"context"
	"errors"
	"testing"

	"github.com/RicAlvesO/ICARUS/internal/cti"
)

// raise seeds a risky object one hop from the agent and ticks, producing
// exactly one active alert whose id it returns.
func (f *fixture) raise(t *testing.T, addr string) string {
	t.Helper()
	objID := f.seed(t, cti.NewIPv4Address(addr), 50)
	f.link(t, f.agentID, objID)
	before := len(f.eng.Alerts(""))
	f.eng.Tick(context.Background())
	alerts := f.eng.Alerts("")
	if len(alerts) != before+1 {
		t.Fatalf("alerts = %d, want %d", len(alerts), before+1)
	}
	return alerts[len(alerts)-1].ID
}

func TestGetAlert(t *testing.T) {
	f := newFixture(t)
	id := f.raise(t, "203.0.113.1")

	a, ok := f.eng.Get(id)
	if !ok {
		t.Fatalf("Get(%s) = not found", id)
	}
	if a.Status != StatusActive {
		t.Errorf("status = %q, want active", a.Status)
	}
	if _, ok := f.eng.Get("alert--missing"); ok {
		t.Error("Get on unknown id returned an alert")
	}
}

func TestResolveAlert(t *testing.T) {
	f := newFixture(t)
	id := f.raise(t, "203.0.113.1")

	if err := f.eng.Resolve(id); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	a, _ := f.eng.Get(id)
	if a.Status != StatusResolved {
		t.Errorf("status = %q, want resolved", a.Status)
	}
}

func TestDismissAlert(t *testing.T) {
	f := newFixture(t)
	id := f.raise(t, "203.0.113.1")

	if err := f.eng.Dismiss(id); err != nil {
		t.Fatalf("Dismiss() error = %v", err)
	}
	a, _ := f.eng.Get(id)
	if a.Status != StatusDismissed {
		t.Errorf("status = %q, want dismissed", a.Status)
	}
}

func TestSettledAlertIsTerminal(t *testing.T) {
	f := newFixture(t)
	id := f.raise(t, "203.0.113.1")

	if err := f.eng.Resolve(id); err != nil {
		t.Fatal(err)
	}
	if err := f.eng.Dismiss(id); !errors.Is(err, ErrSettled) {
		t.Errorf("Dismiss after resolve = %v, want ErrSettled", err)
	}
	if err := f.eng.Resolve(id); !errors.Is(err, ErrSettled) {
		t.Errorf("Resolve after resolve = %v, want ErrSettled", err)
	}
}

func TestTransitionUnknownAlert(t *testing.T) {
	f := newFixture(t)
	if err := f.eng.Resolve("alert--missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve unknown = %v, want ErrNotFound", err)
	}
	if err := f.eng.Dismiss("alert--missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Dismiss unknown = %v, want ErrNotFound", err)
	}
}

func TestAlertsStatusFilter(t *testing.T) {
	f := newFixture(t)
	first := f.raise(t, "203.0.113.1")
	second := f.raise(t, "203.0.113.2")
	third := f.raise(t, "203.0.113.3")

	if err := f.eng.Resolve(first); err != nil {
		t.Fatal(err)
	}
	if err := f.eng.Dismiss(second); err != nil {
		t.Fatal(err)
	}

	if got := f.eng.Alerts(""); len(got) != 3 {
		t.Errorf("all alerts = %d, want 3", len(got))
	}
	active := f.eng.Alerts(StatusActive)
	if len(active) != 1 || active[0].ID != third {
		t.Errorf("active = %v, want [%s]", active, third)
	}
	if got := f.eng.Alerts(StatusResolved); len(got) != 1 || got[0].ID != first {
		t.Errorf("resolved = %v, want [%s]", got, first)
	}
	if got := f.eng.Alerts(StatusDismissed); len(got) != 1 || got[0].ID != second {
		t.Errorf("dismissed = %v, want [%s]", got, second)
	}
}

func TestSettledAlertRetained(t *testing.T) {
	f := newFixture(t)
	id := f.raise(t, "203.0.113.1")
	if err := f.eng.Resolve(id); err != nil {
		t.Fatal(err)
	}

	// Further scans neither drop nor re-score a settled alert.
	f.eng.Tick(context.Background())
	a, ok := f.eng.Get(id)
	if !ok {
		t.Fatal("settled alert dropped")
	}
	if a.Status != StatusResolved {
		t.Errorf("status = %q, want resolved", a.Status)
	}
}

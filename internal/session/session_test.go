package session_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/g960059/midiroute/internal/catalog"
	"github.com/g960059/midiroute/internal/model"
	"github.com/g960059/midiroute/internal/session"
	"github.com/g960059/midiroute/internal/testutil"
)

func hwIn(id, name string) model.Endpoint {
	return model.Endpoint{ID: id, Name: name, Kind: model.KindHardware, SupportsInput: true, Online: true}
}

func hwOut(id, name string) model.Endpoint {
	return model.Endpoint{ID: id, Name: name, Kind: model.KindHardware, SupportsOutput: true, Online: true}
}

func newFixture(t *testing.T, endpoints ...model.Endpoint) (*session.Session, *testutil.FakeProvider, *catalog.Catalog) {
	t.Helper()
	prov := testutil.NewFakeProvider(endpoints...)
	store := catalog.NewLoopbackStore(filepath.Join(t.TempDir(), "loopbacks.json"))
	cat := catalog.New(prov, store, nil)
	s := session.New(cat, prov, 5*time.Millisecond, nil)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, prov, cat
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartOpensDesiredPorts(t *testing.T) {
	s, prov, _ := newFixture(t, hwIn("rt-in:0", "In"), hwOut("rt-out:0", "Out"))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.State() != model.SessionRunning {
		t.Fatalf("state = %s", s.State())
	}
	if got := prov.OpenInputIDs(); len(got) != 1 || got[0] != "rt-in:0" {
		t.Fatalf("open inputs = %v", got)
	}
	if got := prov.OpenOutputIDs(); len(got) != 1 || got[0] != "rt-out:0" {
		t.Fatalf("open outputs = %v", got)
	}
}

func TestStateTransitionsEmittedOnce(t *testing.T) {
	s, _, _ := newFixture(t, hwIn("rt-in:0", "In"))
	var mu sync.Mutex
	var states []model.SessionState
	s.OnStateChanged(func(c session.StateChange) {
		mu.Lock()
		states = append(states, c.State)
		mu.Unlock()
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []model.SessionState{model.SessionStarting, model.SessionRunning, model.SessionStopped}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

// Reconciliation convergence: after a catalog change and one debounced
// pass, the open set equals the desired set.
func TestReconcileFollowsCatalogChange(t *testing.T) {
	s, prov, cat := newFixture(t, hwIn("rt-in:a", "A"), hwOut("rt-out:b", "B"))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	// hw:A disappears, hw:C appears, hw:B stays.
	prov.SetEndpoints(hwOut("rt-out:b", "B"), hwIn("rt-in:c", "C"))
	if err := cat.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "reconcile", func() bool {
		ins := prov.OpenInputIDs()
		return len(ins) == 1 && ins[0] == "rt-in:c"
	})
	if got := prov.OpenOutputIDs(); len(got) != 1 || got[0] != "rt-out:b" {
		t.Fatalf("outputs churned: %v", got)
	}
}

func TestUnavailablePortSkippedAndRetried(t *testing.T) {
	s, prov, cat := newFixture(t, hwIn("rt-in:0", "In"), hwIn("rt-in:1", "Flaky"))
	prov.FailOpen("rt-in:1", true)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start must tolerate unavailable ports: %v", err)
	}
	if got := prov.OpenInputIDs(); len(got) != 1 || got[0] != "rt-in:0" {
		t.Fatalf("open inputs = %v", got)
	}
	prov.FailOpen("rt-in:1", false)
	if err := cat.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "retry of flaky port", func() bool {
		return len(prov.OpenInputIDs()) == 2
	})
}

func TestDebounceCoalescesBursts(t *testing.T) {
	s, prov, cat := newFixture(t, hwIn("rt-in:0", "In"))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	prov.SetEndpoints(hwIn("rt-in:0", "In"), hwIn("rt-in:9", "Late"))
	for i := 0; i < 20; i++ {
		if err := cat.Refresh(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "coalesced reconcile", func() bool {
		return len(prov.OpenInputIDs()) == 2
	})
}

func TestInboundPacketsPublished(t *testing.T) {
	s, prov, _ := newFixture(t, hwIn("rt-in:0", "In"))
	var mu sync.Mutex
	var packets []model.Packet
	s.OnPacketReceived(func(p model.Packet) {
		mu.Lock()
		packets = append(packets, p)
		mu.Unlock()
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !prov.Inject("rt-in:0", []byte{0x90, 60, 100}) {
		t.Fatal("no listener attached")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(packets) != 1 {
		t.Fatalf("packets = %d", len(packets))
	}
	p := packets[0]
	if p.SourceEndpointID != "rt-in:0" || p.Type != model.TypeNoteOn || p.Channel != 1 {
		t.Fatalf("packet = %+v", p)
	}
}

// Loopback echo: send on a loopback endpoint yields exactly one
// PacketReceived with the same bytes and a fresh timestamp.
func TestLoopbackEcho(t *testing.T) {
	s, _, cat := newFixture(t)
	loop, err := cat.CreateLoopback("Echo")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	var packets []model.Packet
	s.OnPacketReceived(func(p model.Packet) {
		mu.Lock()
		packets = append(packets, p)
		mu.Unlock()
	})
	before := time.Now().UTC()
	data := []byte{0x90, 60, 100}
	if err := s.Send(context.Background(), loop.ID, model.Packet{Data: data, Timestamp: before.Add(-time.Hour)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(packets) != 1 {
		t.Fatalf("packets = %d, want exactly 1", len(packets))
	}
	p := packets[0]
	if p.SourceEndpointID != loop.ID {
		t.Fatalf("source = %s", p.SourceEndpointID)
	}
	if string(p.Data) != string(data) {
		t.Fatalf("data = %v", p.Data)
	}
	if p.Timestamp.Before(before) {
		t.Fatalf("timestamp not fresh: %v", p.Timestamp)
	}
	if p.Type != model.TypeNoteOn {
		t.Fatalf("type = %s", p.Type)
	}
}

func TestSendToVanishedEndpointIsSilent(t *testing.T) {
	s, _, _ := newFixture(t, hwIn("rt-in:0", "In"))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), "rt-out:gone", model.Packet{Data: []byte{0xF8}}); err != nil {
		t.Fatalf("send to vanished endpoint = %v, want silent success", err)
	}
	if err := s.Send(context.Background(), "loop:gone", model.Packet{Data: []byte{0xF8}}); err != nil {
		t.Fatalf("send to deleted loopback = %v, want silent success", err)
	}
}

func TestSendCancellation(t *testing.T) {
	s, _, _ := newFixture(t, hwOut("rt-out:0", "Out"))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, "rt-out:0", model.Packet{Data: []byte{0xF8}}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestStopClosesAllPorts(t *testing.T) {
	s, prov, _ := newFixture(t, hwIn("rt-in:0", "In"), hwOut("rt-out:0", "Out"))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(prov.OpenInputIDs()) != 0 || len(prov.OpenOutputIDs()) != 0 {
		t.Fatalf("ports left open: in=%v out=%v", prov.OpenInputIDs(), prov.OpenOutputIDs())
	}
	if s.State() != model.SessionStopped {
		t.Fatalf("state = %s", s.State())
	}
}

func TestRestartAfterStop(t *testing.T) {
	s, prov, _ := newFixture(t, hwIn("rt-in:0", "In"))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := prov.OpenInputIDs(); len(got) != 1 {
		t.Fatalf("open inputs after restart = %v", got)
	}
}

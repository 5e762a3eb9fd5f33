package routing

import (
	"errors"
	"sync"
	"testing"

	"github.com/g960059/midiroute/internal/model"
)

func mustRoute(t *testing.T, m *Matrix, source, target string) Route {
	t.Helper()
	r, err := m.Upsert(Route{Source: source, Target: target, Enabled: true, Filter: AllowAll()})
	if err != nil {
		t.Fatalf("upsert %s->%s: %v", source, target, err)
	}
	return r
}

func TestMatrixUpsertAssignsID(t *testing.T) {
	m := NewMatrix()
	r := mustRoute(t, m, "rt-in:0", "rt-out:0")
	if r.ID == "" {
		t.Fatal("expected assigned id")
	}
	if got := m.List(); len(got) != 1 || got[0].ID != r.ID {
		t.Fatalf("list = %+v", got)
	}
}

func TestMatrixUpsertRejectsInvalid(t *testing.T) {
	m := NewMatrix()
	cases := []Route{
		{Source: "", Target: "rt-out:0"},
		{Source: "rt-in:0", Target: "  "},
		{Source: "rt-in:0", Target: "RT-IN:0"},
	}
	for _, r := range cases {
		if _, err := m.Upsert(r); !errors.Is(err, ErrInvalidRoute) {
			t.Fatalf("route %+v: err = %v, want ErrInvalidRoute", r, err)
		}
	}
	if len(m.List()) != 0 {
		t.Fatal("matrix mutated by rejected upsert")
	}
}

func TestMatrixUpsertReplacesByIDCaseInsensitive(t *testing.T) {
	m := NewMatrix()
	r := mustRoute(t, m, "rt-in:0", "rt-out:0")
	updated := r
	updated.ID = model.Key(r.ID)
	updated.Enabled = false
	if _, err := m.Upsert(updated); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got := m.List()
	if len(got) != 1 || got[0].Enabled {
		t.Fatalf("list = %+v, want single disabled route", got)
	}
}

func TestMatrixRemove(t *testing.T) {
	m := NewMatrix()
	r := mustRoute(t, m, "rt-in:0", "rt-out:0")
	changes := 0
	m.OnChanged(func() { changes++ })
	if !m.Remove(r.ID) {
		t.Fatal("expected removal")
	}
	if m.Remove(r.ID) {
		t.Fatal("second removal should report false")
	}
	if changes != 1 {
		t.Fatalf("changes = %d, want 1 (no event on no-op removal)", changes)
	}
}

func TestMatrixListOrdering(t *testing.T) {
	m := NewMatrix()
	mustRoute(t, m, "rt-in:2", "rt-out:0")
	mustRoute(t, m, "RT-IN:1", "rt-out:9")
	mustRoute(t, m, "rt-in:1", "rt-out:1")
	got := m.List()
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	if model.Key(got[0].Source) != "rt-in:1" || model.Key(got[1].Source) != "rt-in:1" || model.Key(got[2].Source) != "rt-in:2" {
		t.Fatalf("source order = %s %s %s", got[0].Source, got[1].Source, got[2].Source)
	}
	if model.Key(got[0].Target) != "rt-out:1" || model.Key(got[1].Target) != "rt-out:9" {
		t.Fatalf("target order = %s %s", got[0].Target, got[1].Target)
	}
}

func TestMatrixReplaceAllEmitsOnce(t *testing.T) {
	m := NewMatrix()
	mustRoute(t, m, "rt-in:0", "rt-out:0")
	changes := 0
	m.OnChanged(func() { changes++ })
	err := m.ReplaceAll([]Route{
		{Source: "rt-in:1", Target: "rt-out:1", Enabled: true},
		{Source: "rt-in:2", Target: "rt-out:2", Enabled: true},
	})
	if err != nil {
		t.Fatalf("replace all: %v", err)
	}
	if changes != 1 {
		t.Fatalf("changes = %d, want 1", changes)
	}
	if got := m.List(); len(got) != 2 {
		t.Fatalf("list = %+v", got)
	}
}

func TestMatrixReplaceAllAtomicOnError(t *testing.T) {
	m := NewMatrix()
	mustRoute(t, m, "rt-in:0", "rt-out:0")
	err := m.ReplaceAll([]Route{
		{Source: "rt-in:1", Target: "rt-out:1", Enabled: true},
		{Source: "bad", Target: "BAD"},
	})
	if !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("err = %v", err)
	}
	got := m.List()
	if len(got) != 1 || model.Key(got[0].Source) != "rt-in:0" {
		t.Fatalf("matrix changed by failed replace: %+v", got)
	}
}

func TestMatrixConcurrentMutation(t *testing.T) {
	m := NewMatrix()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r, err := m.Upsert(Route{Source: "rt-in:0", Target: "rt-out:0", Enabled: true})
				if err != nil {
					t.Error(err)
					return
				}
				m.List()
				m.Remove(r.ID)
			}
		}()
	}
	wg.Wait()
	if got := m.List(); len(got) != 0 {
		t.Fatalf("leftover routes: %+v", got)
	}
}

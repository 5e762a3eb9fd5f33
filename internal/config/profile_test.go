package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/g960059/midiroute/internal/routing"
)

func newTestStore(t *testing.T) *ProfileStore {
	t.Helper()
	s := NewProfileStore(filepath.Join(t.TempDir(), "profiles.json"))
	s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func boolPtr(v bool) *bool { return &v }

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	s := newTestStore(t)
	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ActiveProfileName != DefaultProfileName || len(cfg.Profiles) != 1 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	in := AppConfig{
		Version:           SchemaVersion,
		ActiveProfileName: "Stage",
		LogBufferSize:     1234,
		Profiles: []Profile{
			{Name: "Stage", Routes: []RouteSpec{{
				ID:               "r1",
				SourceEndpointID: "rt-in:0",
				TargetEndpointID: "rt-out:0",
				Enabled:          boolPtr(true),
				Channels:         []int{2, 1, 2, 99},
				MessageTypes:     []string{"NoteOn", "note_on", "clock"},
			}}},
			{Name: "Studio"},
		},
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.ActiveProfileName != "Stage" || out.LogBufferSize != 1234 || len(out.Profiles) != 2 {
		t.Fatalf("out = %+v", out)
	}
	r := out.Profiles[0].Routes[0]
	if r.ID != "r1" || r.SourceEndpointID != "rt-in:0" || r.TargetEndpointID != "rt-out:0" {
		t.Fatalf("route = %+v", r)
	}
	if r.Enabled == nil || !*r.Enabled {
		t.Fatal("enabled lost")
	}
	if len(r.Channels) != 2 || r.Channels[0] != 1 || r.Channels[1] != 2 {
		t.Fatalf("channels = %v, want deduplicated clamped [1 2]", r.Channels)
	}
	if len(r.MessageTypes) != 2 || r.MessageTypes[0] != "note_on" || r.MessageTypes[1] != "clock" {
		t.Fatalf("message types = %v", r.MessageTypes)
	}
}

func TestCorruptFileBackedUpAndDefaulted(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := s.Load()
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
	if cfg.ActiveProfileName != DefaultProfileName {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
	entries, globErr := filepath.Glob(s.path + ".corrupt-*.bak")
	if globErr != nil || len(entries) != 1 {
		t.Fatalf("backup files = %v (%v)", entries, globErr)
	}
	if !strings.Contains(entries[0], "corrupt-20250601T120000Z") {
		t.Fatalf("backup name = %s", entries[0])
	}
	if _, statErr := os.Stat(s.path); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatal("corrupt file should have been moved aside")
	}
}

func TestMissingVersionIsCorrupt(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.path, []byte(`{"profiles":[]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestLegacyVersionUpgradedOnLoad(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		t.Fatal(err)
	}
	legacy := `{"version":1,"logBufferSize":900,"routes":[{"sourceEndpointId":"rt-in:0","targetEndpointId":"rt-out:0"}]}`
	if err := os.WriteFile(s.path, []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Version != SchemaVersion || cfg.LogBufferSize != 900 {
		t.Fatalf("cfg = %+v", cfg)
	}
	routes := cfg.ActiveProfile().Routes
	if len(routes) != 1 || routes[0].ID == "" {
		t.Fatalf("routes = %+v, want one with assigned id", routes)
	}
	if routes[0].Enabled == nil || !*routes[0].Enabled {
		t.Fatal("enabled should default true")
	}
}

func TestNormalizeClampsLogBuffer(t *testing.T) {
	cfg := AppConfig{LogBufferSize: 999999}
	cfg.Normalize()
	if cfg.LogBufferSize != 200000 {
		t.Fatalf("log buffer = %d", cfg.LogBufferSize)
	}
	cfg = AppConfig{LogBufferSize: -1}
	cfg.Normalize()
	if cfg.LogBufferSize != DefaultConfig().LogBufferSize {
		t.Fatalf("log buffer = %d", cfg.LogBufferSize)
	}
}

func TestActiveProfileFallback(t *testing.T) {
	cfg := AppConfig{
		ActiveProfileName: "Missing",
		Profiles:          []Profile{{Name: "First"}, {Name: "Second"}},
	}
	if got := cfg.ActiveProfile().Name; got != "First" {
		t.Fatalf("active = %s, want First", got)
	}
	cfg.ActiveProfileName = "second"
	if got := cfg.ActiveProfile().Name; got != "Second" {
		t.Fatalf("active = %s, want case-insensitive Second", got)
	}
}

func TestRouteSpecConversion(t *testing.T) {
	spec := RouteSpec{
		ID:               "r1",
		SourceEndpointID: "rt-in:0",
		TargetEndpointID: "rt-out:0",
		Channels:         []int{5},
		MessageTypes:     []string{"note_on"},
	}
	r, err := spec.Route()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !r.Enabled {
		t.Fatal("enabled should default true")
	}
	back := SpecFromRoute(r)
	if back.ID != "r1" || len(back.Channels) != 1 || back.Channels[0] != 5 {
		t.Fatalf("round trip spec = %+v", back)
	}
	if len(back.MessageTypes) != 1 || back.MessageTypes[0] != "note_on" {
		t.Fatalf("round trip types = %v", back.MessageTypes)
	}
}

func TestRouteSpecRejectsBadFilter(t *testing.T) {
	spec := RouteSpec{SourceEndpointID: "a", TargetEndpointID: "b", Channels: []int{0}}
	if _, err := spec.Route(); !errors.Is(err, routing.ErrInvalidFilter) {
		t.Fatalf("err = %v", err)
	}
	spec = RouteSpec{SourceEndpointID: "a", TargetEndpointID: "b", MessageTypes: []string{"bogus"}}
	if _, err := spec.Route(); !errors.Is(err, routing.ErrInvalidFilter) {
		t.Fatalf("err = %v", err)
	}
}

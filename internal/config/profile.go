package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/midiroute/internal/model"
	"github.com/g960059/midiroute/internal/routing"
)

// SchemaVersion is the current profile document version. Version 1 documents
// (flat route list, no profiles) are upgraded on load and rewritten as
// version 2 on the next save.
const SchemaVersion = 2

const DefaultProfileName = "Default"

var ErrCorrupt = errors.New("config corrupt")

// AppConfig is the persisted routing profile document.
type AppConfig struct {
	Version           int       `json:"version"`
	ActiveProfileName string    `json:"activeProfileName"`
	LogBufferSize     int       `json:"logBufferSize"`
	Profiles          []Profile `json:"profiles"`
}

type Profile struct {
	Name   string      `json:"name"`
	Routes []RouteSpec `json:"routes"`
}

type RouteSpec struct {
	ID               string   `json:"id,omitempty"`
	SourceEndpointID string   `json:"sourceEndpointId"`
	TargetEndpointID string   `json:"targetEndpointId"`
	Enabled          *bool    `json:"enabled,omitempty"`
	Channels         []int    `json:"channels,omitempty"`
	MessageTypes     []string `json:"messageTypes,omitempty"`
}

// legacyConfig is the version 1 shape: a flat route list.
type legacyConfig struct {
	Version       int         `json:"version"`
	LogBufferSize int         `json:"logBufferSize"`
	Routes        []RouteSpec `json:"routes"`
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		Version:           SchemaVersion,
		ActiveProfileName: DefaultProfileName,
		LogBufferSize:     DefaultConfig().LogBufferSize,
		Profiles:          []Profile{{Name: DefaultProfileName}},
	}
}

// Normalize enforces the documented clamps: log buffer bounds, default
// profile name, enabled defaulting to true, channel de-duplication and range
// filtering, message type canonicalization, and fresh ids where missing.
func (c *AppConfig) Normalize() {
	if c.Version == 0 {
		c.Version = SchemaVersion
	}
	if strings.TrimSpace(c.ActiveProfileName) == "" {
		c.ActiveProfileName = DefaultProfileName
	}
	if c.LogBufferSize < 1 {
		c.LogBufferSize = DefaultConfig().LogBufferSize
	}
	if c.LogBufferSize > 200000 {
		c.LogBufferSize = 200000
	}
	if len(c.Profiles) == 0 {
		c.Profiles = []Profile{{Name: DefaultProfileName}}
	}
	for pi := range c.Profiles {
		p := &c.Profiles[pi]
		if strings.TrimSpace(p.Name) == "" {
			p.Name = DefaultProfileName
		}
		for ri := range p.Routes {
			normalizeRouteSpec(&p.Routes[ri])
		}
	}
}

func normalizeRouteSpec(r *RouteSpec) {
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
	if r.Enabled == nil {
		enabled := true
		r.Enabled = &enabled
	}
	if len(r.Channels) > 0 {
		seen := make(map[int]struct{}, len(r.Channels))
		channels := r.Channels[:0]
		for _, ch := range r.Channels {
			if ch < 1 || ch > 16 {
				continue
			}
			if _, ok := seen[ch]; ok {
				continue
			}
			seen[ch] = struct{}{}
			channels = append(channels, ch)
		}
		sort.Ints(channels)
		r.Channels = channels
		if len(r.Channels) == 0 {
			r.Channels = nil
		}
	}
	if len(r.MessageTypes) > 0 {
		seen := make(map[model.MessageType]struct{}, len(r.MessageTypes))
		types := r.MessageTypes[:0]
		for _, raw := range r.MessageTypes {
			mt, ok := model.ParseMessageType(raw)
			if !ok {
				continue
			}
			if _, dup := seen[mt]; dup {
				continue
			}
			seen[mt] = struct{}{}
			types = append(types, string(mt))
		}
		r.MessageTypes = types
		if len(r.MessageTypes) == 0 {
			r.MessageTypes = nil
		}
	}
}

// ActiveProfile resolves ActiveProfileName, falling back to the first
// profile when the named one does not exist.
func (c AppConfig) ActiveProfile() Profile {
	name := c.ActiveProfileName
	if strings.TrimSpace(name) == "" {
		name = DefaultProfileName
	}
	for _, p := range c.Profiles {
		if strings.EqualFold(p.Name, name) {
			return p
		}
	}
	if len(c.Profiles) > 0 {
		return c.Profiles[0]
	}
	return Profile{Name: DefaultProfileName}
}

// BuildRoutes converts a profile's specs into matrix routes. Specs that fail
// validation are skipped with the returned error list; the good routes load.
func (p Profile) BuildRoutes() ([]routing.Route, []error) {
	routes := make([]routing.Route, 0, len(p.Routes))
	var errs []error
	for _, spec := range p.Routes {
		r, err := spec.Route()
		if err != nil {
			errs = append(errs, fmt.Errorf("profile %q route %q: %w", p.Name, spec.ID, err))
			continue
		}
		routes = append(routes, r)
	}
	return routes, errs
}

// Route converts one spec.
func (s RouteSpec) Route() (routing.Route, error) {
	types := make([]model.MessageType, 0, len(s.MessageTypes))
	for _, raw := range s.MessageTypes {
		mt, ok := model.ParseMessageType(raw)
		if !ok {
			return routing.Route{}, fmt.Errorf("%w: unknown message type %q", routing.ErrInvalidFilter, raw)
		}
		types = append(types, mt)
	}
	filter, err := routing.NewFilter(s.Channels, types)
	if err != nil {
		return routing.Route{}, err
	}
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return routing.Route{
		ID:      s.ID,
		Source:  s.SourceEndpointID,
		Target:  s.TargetEndpointID,
		Enabled: enabled,
		Filter:  filter,
	}, nil
}

// SpecFromRoute converts a matrix route back to its persisted form.
func SpecFromRoute(r routing.Route) RouteSpec {
	enabled := r.Enabled
	types := r.Filter.Types()
	names := make([]string, len(types))
	for i, mt := range types {
		names[i] = string(mt)
	}
	spec := RouteSpec{
		ID:               r.ID,
		SourceEndpointID: r.Source,
		TargetEndpointID: r.Target,
		Enabled:          &enabled,
	}
	if chs := r.Filter.Channels(); len(chs) > 0 {
		spec.Channels = chs
	}
	if len(names) > 0 {
		spec.MessageTypes = names
	}
	return spec
}

// ProfileStore reads and writes the profile document. Writes are atomic;
// parse failures back the file up and substitute defaults.
type ProfileStore struct {
	path string
	now  func() time.Time
}

func NewProfileStore(path string) *ProfileStore {
	return &ProfileStore{path: path, now: time.Now}
}

// Load reads the document. A missing file yields defaults with no error. A
// corrupt file is backed up and defaults are returned together with an error
// wrapping ErrCorrupt so the caller can log the recovery.
func (s *ProfileStore) Load() (AppConfig, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultAppConfig(), nil
	}
	if err != nil {
		return DefaultAppConfig(), fmt.Errorf("read profile document: %w", err)
	}
	cfg, parseErr := parseProfileDocument(raw)
	if parseErr != nil {
		backup, backupErr := BackupCorrupt(s.path, s.now())
		if backupErr != nil {
			return DefaultAppConfig(), fmt.Errorf("%w: %v (backup failed: %v)", ErrCorrupt, parseErr, backupErr)
		}
		return DefaultAppConfig(), fmt.Errorf("%w: %v (backed up to %s)", ErrCorrupt, parseErr, backup)
	}
	cfg.Normalize()
	return cfg, nil
}

func parseProfileDocument(raw []byte) (AppConfig, error) {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return AppConfig{}, err
	}
	if probe.Version == nil {
		return AppConfig{}, errors.New("version field required")
	}
	switch *probe.Version {
	case 1:
		var legacy legacyConfig
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return AppConfig{}, err
		}
		return AppConfig{
			Version:           SchemaVersion,
			ActiveProfileName: DefaultProfileName,
			LogBufferSize:     legacy.LogBufferSize,
			Profiles:          []Profile{{Name: DefaultProfileName, Routes: legacy.Routes}},
		}, nil
	case SchemaVersion:
		var cfg AppConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return AppConfig{}, err
		}
		return cfg, nil
	default:
		return AppConfig{}, fmt.Errorf("unsupported version %d", *probe.Version)
	}
}

// Save normalizes and writes the document tmp-then-rename.
func (s *ProfileStore) Save(cfg AppConfig) error {
	cfg.Version = SchemaVersion
	cfg.Normalize()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode profile document: %w", err)
	}
	data = append(data, '\n')
	return WriteFileAtomic(s.path, data)
}

// Package catalog is the inventory of known MIDI endpoints: discovered
// hardware plus operator-created loopbacks.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/midiroute/internal/config"
	"github.com/g960059/midiroute/internal/event"
	"github.com/g960059/midiroute/internal/model"
)

var ErrPersistenceFailed = errors.New("persistence failed")

// Enumerator lists the hardware endpoints the backend currently exposes.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]model.Endpoint, error)
}

// Catalog merges hardware discovery, hot-plug watcher signals and persisted
// loopback definitions into one observable inventory.
type Catalog struct {
	mu        sync.Mutex
	hardware  map[string]model.Endpoint // keyed by model.Key(id)
	loopbacks map[string]model.Endpoint
	enum      Enumerator
	store     *LoopbackStore
	changed   event.Hub[struct{}]
	now       func() time.Time
	logger    *slog.Logger
}

func New(enum Enumerator, store *LoopbackStore, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		hardware:  make(map[string]model.Endpoint),
		loopbacks: make(map[string]model.Endpoint),
		enum:      enum,
		store:     store,
		now:       time.Now,
		logger:    logger,
	}
}

// OnChanged subscribes to EndpointsChanged.
func (c *Catalog) OnChanged(fn func()) func() {
	return c.changed.Subscribe(func(struct{}) { fn() })
}

// List returns a snapshot sorted by kind then name, case-insensitive.
func (c *Catalog) List() []model.Endpoint {
	c.mu.Lock()
	out := make([]model.Endpoint, 0, len(c.hardware)+len(c.loopbacks))
	for _, e := range c.hardware {
		out = append(out, e)
	}
	for _, e := range c.loopbacks {
		out = append(out, e)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		ni, nj := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if ni != nj {
			return ni < nj
		}
		return model.Key(out[i].ID) < model.Key(out[j].ID)
	})
	return out
}

// Get looks an endpoint up by case-insensitive id.
func (c *Catalog) Get(id string) (model.Endpoint, bool) {
	key := model.Key(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.hardware[key]; ok {
		return e, true
	}
	if e, ok := c.loopbacks[key]; ok {
		return e, true
	}
	return model.Endpoint{}, false
}

// Refresh re-enumerates hardware and reloads the persisted loopback set,
// then emits EndpointsChanged once. It emits even when nothing changed; the
// downstream consumers are idempotent.
func (c *Catalog) Refresh(ctx context.Context) error {
	var discovered []model.Endpoint
	if c.enum != nil {
		var err error
		discovered, err = c.enum.Enumerate(ctx)
		if err != nil {
			return fmt.Errorf("enumerate hardware: %w", err)
		}
	}
	records, err := c.store.Load()
	if err != nil {
		if !errors.Is(err, config.ErrCorrupt) {
			return err
		}
		c.logger.Warn("loopback document corrupt, starting empty", "err", err)
		records = nil
	}

	c.mu.Lock()
	c.hardware = make(map[string]model.Endpoint, len(discovered))
	for _, e := range discovered {
		e.Kind = model.KindHardware
		e.UserManaged = false
		c.hardware[model.Key(e.ID)] = e
	}
	c.loopbacks = make(map[string]model.Endpoint, len(records))
	for _, rec := range records {
		c.loopbacks[model.Key(rec.ID)] = loopbackEndpoint(rec.ID, rec.Name)
	}
	c.mu.Unlock()

	c.changed.Publish(struct{}{})
	return nil
}

func loopbackEndpoint(id, name string) model.Endpoint {
	return model.Endpoint{
		ID:             id,
		Name:           name,
		Kind:           model.KindLoopback,
		SupportsInput:  true,
		SupportsOutput: true,
		Online:         true,
		UserManaged:    true,
	}
}

// CreateLoopback creates, persists and publishes a new user-managed
// endpoint. A blank name falls back to "Loopback HHmmss". Nothing is
// committed in memory when persistence fails.
func (c *Catalog) CreateLoopback(name string) (model.Endpoint, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Loopback " + c.now().UTC().Format("150405")
	}
	id := model.PrefixLoopback + strings.ReplaceAll(uuid.NewString(), "-", "")
	e := loopbackEndpoint(id, name)

	c.mu.Lock()
	records := c.recordsLocked()
	records = append(records, LoopbackRecord{ID: id, Name: name})
	if err := c.store.Save(records); err != nil {
		c.mu.Unlock()
		return model.Endpoint{}, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	c.loopbacks[model.Key(id)] = e
	c.mu.Unlock()

	c.changed.Publish(struct{}{})
	return e, nil
}

// RenameLoopback renames a user-managed endpoint. Returns false when the id
// is unknown or not user-managed.
func (c *Catalog) RenameLoopback(id, newName string) (bool, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return false, nil
	}
	key := model.Key(id)

	c.mu.Lock()
	e, ok := c.loopbacks[key]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	records := c.recordsLocked()
	for i := range records {
		if model.Key(records[i].ID) == key {
			records[i].Name = newName
		}
	}
	if err := c.store.Save(records); err != nil {
		c.mu.Unlock()
		return false, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	e.Name = newName
	c.loopbacks[key] = e
	c.mu.Unlock()

	c.changed.Publish(struct{}{})
	return true, nil
}

// DeleteLoopback removes a user-managed endpoint. Returns false when the id
// is unknown or not user-managed.
func (c *Catalog) DeleteLoopback(id string) (bool, error) {
	key := model.Key(id)

	c.mu.Lock()
	if _, ok := c.loopbacks[key]; !ok {
		c.mu.Unlock()
		return false, nil
	}
	records := c.recordsLocked()
	kept := records[:0]
	for _, rec := range records {
		if model.Key(rec.ID) != key {
			kept = append(kept, rec)
		}
	}
	if err := c.store.Save(kept); err != nil {
		c.mu.Unlock()
		return false, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	delete(c.loopbacks, key)
	c.mu.Unlock()

	c.changed.Publish(struct{}{})
	return true, nil
}

// recordsLocked snapshots the loopback section in stable name order. Caller
// holds c.mu.
func (c *Catalog) recordsLocked() []LoopbackRecord {
	records := make([]LoopbackRecord, 0, len(c.loopbacks))
	for _, e := range c.loopbacks {
		records = append(records, LoopbackRecord{ID: e.ID, Name: e.Name})
	}
	sort.Slice(records, func(i, j int) bool {
		ni, nj := strings.ToLower(records[i].Name), strings.ToLower(records[j].Name)
		if ni != nj {
			return ni < nj
		}
		return model.Key(records[i].ID) < model.Key(records[j].ID)
	})
	return records
}

// DeviceAdded merges a watcher add/update signal into the hardware section.
// Directions OR into the existing entry; the display name follows the signal.
func (c *Catalog) DeviceAdded(e model.Endpoint) {
	key := model.Key(e.ID)

	c.mu.Lock()
	cur, ok := c.hardware[key]
	if ok {
		cur.Name = e.Name
		cur.SupportsInput = cur.SupportsInput || e.SupportsInput
		cur.SupportsOutput = cur.SupportsOutput || e.SupportsOutput
		cur.Online = true
	} else {
		cur = model.Endpoint{
			ID:             e.ID,
			Name:           e.Name,
			Kind:           model.KindHardware,
			SupportsInput:  e.SupportsInput,
			SupportsOutput: e.SupportsOutput,
			Online:         true,
		}
	}
	c.hardware[key] = cur
	c.mu.Unlock()

	c.changed.Publish(struct{}{})
}

// DeviceRemoved clears the given directions from a hardware entry. An entry
// left with neither direction is dropped.
func (c *Catalog) DeviceRemoved(id string, input, output bool) {
	key := model.Key(id)

	c.mu.Lock()
	cur, ok := c.hardware[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	if input {
		cur.SupportsInput = false
	}
	if output {
		cur.SupportsOutput = false
	}
	if !cur.SupportsInput && !cur.SupportsOutput {
		delete(c.hardware, key)
	} else {
		c.hardware[key] = cur
	}
	c.mu.Unlock()

	c.changed.Publish(struct{}{})
}

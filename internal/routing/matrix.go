package routing

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/g960059/midiroute/internal/event"
	"github.com/g960059/midiroute/internal/model"
)

// Route is one directed forwarding rule.
type Route struct {
	ID      string
	Source  string
	Target  string
	Enabled bool
	Filter  Filter
}

func validateRoute(r Route) error {
	src := strings.TrimSpace(r.Source)
	dst := strings.TrimSpace(r.Target)
	if src == "" || dst == "" {
		return fmt.Errorf("%w: source and target required", ErrInvalidRoute)
	}
	if model.Key(src) == model.Key(dst) {
		return fmt.Errorf("%w: source equals target", ErrInvalidRoute)
	}
	return nil
}

// Matrix is the authoritative, observable set of routes. Mutations serialize
// under the lock; readers always get a snapshot.
type Matrix struct {
	mu      sync.Mutex
	routes  map[string]Route // keyed by model.Key(Route.ID)
	changed event.Hub[struct{}]
}

func NewMatrix() *Matrix {
	return &Matrix{routes: make(map[string]Route)}
}

// OnChanged subscribes to RoutesChanged. One mutation emits one notification;
// ReplaceAll emits exactly one for the whole swap.
func (m *Matrix) OnChanged(fn func()) func() {
	return m.changed.Subscribe(func(struct{}) { fn() })
}

// List returns a snapshot ordered by (source, target) case-insensitive, route
// id as the tiebreak.
func (m *Matrix) List() []Route {
	m.mu.Lock()
	out := make([]Route, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r)
	}
	m.mu.Unlock()
	sortRoutes(out)
	return out
}

// Upsert inserts or replaces by id, assigning a fresh id when blank.
func (m *Matrix) Upsert(r Route) (Route, error) {
	if err := validateRoute(r); err != nil {
		return Route{}, err
	}
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
	m.mu.Lock()
	m.routes[model.Key(r.ID)] = r
	m.mu.Unlock()
	m.changed.Publish(struct{}{})
	return r, nil
}

// Remove deletes by id and reports whether a route was actually removed.
// RoutesChanged fires only on actual removal.
func (m *Matrix) Remove(id string) bool {
	key := model.Key(id)
	m.mu.Lock()
	_, ok := m.routes[key]
	if ok {
		delete(m.routes, key)
	}
	m.mu.Unlock()
	if ok {
		m.changed.Publish(struct{}{})
	}
	return ok
}

// ReplaceAll swaps the whole set atomically. Routes with blank ids get fresh
// ones; the first invalid route aborts the swap with no change.
func (m *Matrix) ReplaceAll(routes []Route) error {
	next := make(map[string]Route, len(routes))
	for _, r := range routes {
		if err := validateRoute(r); err != nil {
			return err
		}
		if strings.TrimSpace(r.ID) == "" {
			r.ID = uuid.NewString()
		}
		next[model.Key(r.ID)] = r
	}
	m.mu.Lock()
	m.routes = next
	m.mu.Unlock()
	m.changed.Publish(struct{}{})
	return nil
}

func sortRoutes(routes []Route) {
	sort.Slice(routes, func(i, j int) bool {
		si, sj := model.Key(routes[i].Source), model.Key(routes[j].Source)
		if si != sj {
			return si < sj
		}
		ti, tj := model.Key(routes[i].Target), model.Key(routes[j].Target)
		if ti != tj {
			return ti < tj
		}
		return routes[i].ID < routes[j].ID
	})
}

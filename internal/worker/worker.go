// Package worker consumes inbound packets, evaluates routes against the
// published index and dispatches matches to output endpoints.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/g960059/midiroute/internal/catalog"
	"github.com/g960059/midiroute/internal/event"
	"github.com/g960059/midiroute/internal/midimsg"
	"github.com/g960059/midiroute/internal/model"
	"github.com/g960059/midiroute/internal/msglog"
	"github.com/g960059/midiroute/internal/routing"
	"github.com/g960059/midiroute/internal/traffic"
)

// SessionPort is the slice of the session the worker depends on.
type SessionPort interface {
	Send(ctx context.Context, endpointID string, p model.Packet) error
	OnPacketReceived(fn func(model.Packet)) func()
}

// Forward is one successful route dispatch.
type Forward struct {
	RouteID   string
	Source    string
	Target    string
	Timestamp time.Time
}

// Worker owns the dispatch loop: a single reader drains the queue, looks the
// packet's source up in the current index and forwards to each matching
// route's target.
type Worker struct {
	matrix  *routing.Matrix
	catalog *catalog.Catalog
	sess    SessionPort
	log     *msglog.Log
	traffic *traffic.Analyzer
	logger  *slog.Logger

	index atomic.Pointer[routing.Index]
	names atomic.Pointer[map[string]string]

	queue      *packetQueue
	forwardHub event.Hub[Forward]

	countMu  sync.Mutex
	forwards map[string]*atomic.Int64

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	unsub    []func()

	now func() time.Time
}

func New(matrix *routing.Matrix, cat *catalog.Catalog, sess SessionPort, log *msglog.Log, analyzer *traffic.Analyzer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		matrix:   matrix,
		catalog:  cat,
		sess:     sess,
		log:      log,
		traffic:  analyzer,
		logger:   logger,
		queue:    newPacketQueue(),
		forwards: make(map[string]*atomic.Int64),
		now:      time.Now,
	}
	w.index.Store(routing.BuildIndex(nil))
	return w
}

// OnForwarded subscribes to RouteForwarded.
func (w *Worker) OnForwarded(fn func(Forward)) func() {
	return w.forwardHub.Subscribe(fn)
}

// ForwardCount reports the number of successful dispatches for a route.
func (w *Worker) ForwardCount(routeID string) int64 {
	w.countMu.Lock()
	defer w.countMu.Unlock()
	if c, ok := w.forwards[model.Key(routeID)]; ok {
		return c.Load()
	}
	return 0
}

// QueueDepth reports the number of packets awaiting dispatch.
func (w *Worker) QueueDepth() int {
	return w.queue.len()
}

// Start rebuilds the index, subscribes to matrix, catalog and session, and
// spawns the reader task.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})
	w.queue = newPacketQueue()

	w.rebuildIndex()
	w.names.Store(nil)
	w.unsub = append(w.unsub,
		w.matrix.OnChanged(w.rebuildIndex),
		w.catalog.OnChanged(func() { w.names.Store(nil) }),
		w.sess.OnPacketReceived(w.queue.push),
	)

	go w.run(runCtx)
	w.running = true
	return nil
}

// Stop unsubscribes and signals queue completion, then waits for the reader
// until ctx expires; on timeout the queue is abandoned.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	unsub := w.unsub
	w.unsub = nil
	done := w.done
	cancel := w.cancel
	w.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
	w.queue.close()
	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		w.logger.Warn("dispatch reader abandoned on stop timeout", "queued", w.queue.len())
		return ctx.Err()
	}
	cancel()
	return nil
}

// rebuildIndex publishes a fresh index with a single pointer swap.
func (w *Worker) rebuildIndex() {
	w.index.Store(routing.BuildIndex(w.matrix.List()))
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		p, ok := w.queue.pop(ctx)
		if !ok {
			return
		}
		w.dispatch(ctx, p)
	}
}

func (w *Worker) dispatch(ctx context.Context, p model.Packet) {
	detail := midimsg.FormatDetail(p)
	w.traffic.Register(p.SourceEndpointID, len(p.Data), p.Channel)
	w.log.Add(model.LogEntry{
		Timestamp:    p.Timestamp,
		EndpointName: w.nameOf(p.SourceEndpointID),
		Channel:      p.Channel,
		Type:         p.Type,
		Detail:       "IN " + detail,
	})

	// The index fetched here serves the whole packet; a concurrent rebuild
	// takes effect from the next packet on.
	routes := w.index.Load().Routes(p.SourceEndpointID)
	for _, r := range routes {
		if !r.Enabled {
			continue
		}
		if !r.Filter.Allows(p.Channel, p.Type) {
			continue
		}
		now := w.now().UTC()
		if err := w.sess.Send(ctx, r.Target, p); err != nil {
			w.log.Add(model.LogEntry{
				Timestamp:    now,
				EndpointName: w.nameOf(r.Target),
				Channel:      p.Channel,
				Type:         p.Type,
				Detail:       "ERROR " + err.Error(),
			})
			continue
		}
		w.traffic.Register(r.Target, len(p.Data), p.Channel)
		w.log.Add(model.LogEntry{
			Timestamp:    now,
			EndpointName: w.nameOf(r.Target),
			Channel:      p.Channel,
			Type:         p.Type,
			Detail:       "Routed from " + w.nameOf(r.Source) + " " + detail,
		})
		w.bumpForward(r.ID)
		w.forwardHub.Publish(Forward{RouteID: r.ID, Source: r.Source, Target: r.Target, Timestamp: now})
	}
}

func (w *Worker) bumpForward(routeID string) {
	key := model.Key(routeID)
	w.countMu.Lock()
	c, ok := w.forwards[key]
	if !ok {
		c = &atomic.Int64{}
		w.forwards[key] = c
	}
	w.countMu.Unlock()
	c.Add(1)
}

// nameOf resolves an endpoint id to its display name through the cache,
// which EndpointsChanged invalidates wholesale.
func (w *Worker) nameOf(endpointID string) string {
	cache := w.names.Load()
	if cache == nil {
		fresh := make(map[string]string)
		for _, e := range w.catalog.List() {
			fresh[model.Key(e.ID)] = e.Name
		}
		w.names.Store(&fresh)
		cache = &fresh
	}
	if name, ok := (*cache)[model.Key(endpointID)]; ok {
		return name
	}
	return endpointID
}

// Package session owns the OS-level ports: it reconciles the open set
// against the catalog, feeds inbound packets to subscribers and carries
// outbound sends, including the loopback echo path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/g960059/midiroute/internal/catalog"
	"github.com/g960059/midiroute/internal/event"
	"github.com/g960059/midiroute/internal/midimsg"
	"github.com/g960059/midiroute/internal/model"
	"github.com/g960059/midiroute/internal/provider"
)

// StateChange is one lifecycle transition.
type StateChange struct {
	State  model.SessionState
	Detail string
}

// Session reconciles desired ports with open ones. At most one
// reconciliation runs at a time; bursts of EndpointsChanged collapse into a
// single follow-up pass behind a debounce delay.
type Session struct {
	catalog  *catalog.Catalog
	prov     provider.Provider
	debounce time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	state       model.SessionState
	stateDetail string
	inputs      map[string]provider.Input
	outputs     map[string]provider.Output
	debounceT   *time.Timer
	unsubscribe func()
	runCtx      context.Context
	cancelRun   context.CancelFunc

	reconcileSem chan struct{}
	pending      atomic.Bool
	wg           sync.WaitGroup

	stateHub  event.Hub[StateChange]
	packetHub event.Hub[model.Packet]

	now func() time.Time
}

func New(cat *catalog.Catalog, prov provider.Provider, debounce time.Duration, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 120 * time.Millisecond
	}
	return &Session{
		catalog:      cat,
		prov:         prov,
		debounce:     debounce,
		logger:       logger,
		state:        model.SessionStopped,
		inputs:       make(map[string]provider.Input),
		outputs:      make(map[string]provider.Output),
		reconcileSem: make(chan struct{}, 1),
		now:          time.Now,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StateInfo returns the state together with its human-readable detail.
func (s *Session) StateInfo() (model.SessionState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.stateDetail
}

// OnStateChanged subscribes to StateChanged.
func (s *Session) OnStateChanged(fn func(StateChange)) func() {
	return s.stateHub.Subscribe(fn)
}

// OnPacketReceived subscribes to inbound packets. Handlers run on provider
// threads and must not block.
func (s *Session) OnPacketReceived(fn func(model.Packet)) func() {
	return s.packetHub.Subscribe(fn)
}

func (s *Session) setState(state model.SessionState, detail string) {
	s.mu.Lock()
	if s.state == state && s.stateDetail == detail {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.stateDetail = detail
	s.mu.Unlock()
	s.stateHub.Publish(StateChange{State: state, Detail: detail})
}

// Start brings the session to Running: subscribe to the catalog, refresh it,
// run one reconciliation. Starting an already-running session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == model.SessionRunning || s.state == model.SessionStarting {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runCtx = runCtx
	s.cancelRun = cancel
	s.mu.Unlock()

	s.setState(model.SessionStarting, "")

	unsubscribe := s.catalog.OnChanged(s.scheduleReconcile)
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	if err := s.catalog.Refresh(ctx); err != nil {
		s.logger.Warn("catalog refresh failed on start", "err", err)
	}
	// The refresh above armed the debounce; run the first pass now.
	s.reconcileSem <- struct{}{}
	err := s.reconcileOnce(ctx)
	<-s.reconcileSem
	if err != nil && !errors.Is(err, context.Canceled) {
		s.setState(model.SessionFaulted, err.Error())
		return err
	}
	s.setState(model.SessionRunning, "")
	return nil
}

// Stop unsubscribes, cancels pending work, waits for the in-flight
// reconciliation and closes every open port. Idempotent.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == model.SessionStopped {
		s.mu.Unlock()
		return nil
	}
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	if s.debounceT != nil {
		s.debounceT.Stop()
		s.debounceT = nil
	}
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.wg.Wait()

	s.mu.Lock()
	inputs := s.inputs
	outputs := s.outputs
	s.inputs = make(map[string]provider.Input)
	s.outputs = make(map[string]provider.Output)
	s.mu.Unlock()
	for _, h := range inputs {
		_ = h.Close()
	}
	for _, h := range outputs {
		_ = h.Close()
	}

	s.setState(model.SessionStopped, "")
	return ctx.Err()
}

// scheduleReconcile coalesces rapid catalog changes behind the debounce
// delay, then kicks a pass.
func (s *Session) scheduleReconcile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil || s.runCtx.Err() != nil {
		return
	}
	if s.debounceT != nil {
		s.debounceT.Stop()
	}
	s.debounceT = time.AfterFunc(s.debounce, s.kickReconcile)
}

// kickReconcile requests a pass. While one is running the request latches
// into the pending flag; the running worker drains it with one more pass.
func (s *Session) kickReconcile() {
	s.pending.Store(true)
	select {
	case s.reconcileSem <- struct{}{}:
	default:
		return
	}
	s.mu.Lock()
	ctx := s.runCtx
	if ctx == nil || ctx.Err() != nil {
		s.mu.Unlock()
		<-s.reconcileSem
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		for s.pending.Swap(false) {
			if err := s.reconcileOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					break
				}
				s.setState(model.SessionFaulted, err.Error())
				break
			}
		}
		<-s.reconcileSem
		// A change may have landed after the final drain; re-kick.
		if s.pending.Load() {
			s.kickReconcile()
		}
	}()
}

// reconcileOnce closes handles outside the desired set and opens missing
// ones. Open failures are non-fatal and retried on the next pass; any other
// provider failure is fatal to the session. The caller holds the permit.
func (s *Session) reconcileOnce(ctx context.Context) error {
	desiredIn := make(map[string]string)
	desiredOut := make(map[string]string)
	for _, e := range s.catalog.List() {
		if !e.Online || e.Kind == model.KindLoopback {
			// Loopback traffic never touches an OS port.
			continue
		}
		if e.SupportsInput {
			desiredIn[model.Key(e.ID)] = e.ID
		}
		if e.SupportsOutput {
			desiredOut[model.Key(e.ID)] = e.ID
		}
	}

	s.mu.Lock()
	var closeIn []provider.Input
	var closeOut []provider.Output
	for key, h := range s.inputs {
		if _, want := desiredIn[key]; !want {
			closeIn = append(closeIn, h)
			delete(s.inputs, key)
		}
	}
	for key, h := range s.outputs {
		if _, want := desiredOut[key]; !want {
			closeOut = append(closeOut, h)
			delete(s.outputs, key)
		}
	}
	s.mu.Unlock()
	for _, h := range closeIn {
		_ = h.Close()
	}
	for _, h := range closeOut {
		_ = h.Close()
	}

	for key, id := range desiredIn {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		_, open := s.inputs[key]
		s.mu.Unlock()
		if open {
			continue
		}
		h, err := s.prov.OpenInput(id, s.emitInbound)
		if err != nil {
			if errors.Is(err, provider.ErrPortUnavailable) {
				s.logger.Debug("input unavailable, will retry", "endpoint", id, "err", err)
				continue
			}
			return fmt.Errorf("open input %s: %w", id, err)
		}
		s.mu.Lock()
		s.inputs[key] = h
		s.mu.Unlock()
	}
	for key, id := range desiredOut {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		_, open := s.outputs[key]
		s.mu.Unlock()
		if open {
			continue
		}
		h, err := s.prov.OpenOutput(id)
		if err != nil {
			if errors.Is(err, provider.ErrPortUnavailable) {
				s.logger.Debug("output unavailable, will retry", "endpoint", id, "err", err)
				continue
			}
			return fmt.Errorf("open output %s: %w", id, err)
		}
		s.mu.Lock()
		s.outputs[key] = h
		s.mu.Unlock()
	}
	return nil
}

// emitInbound classifies raw bytes into a packet and publishes it. Runs on
// provider threads.
func (s *Session) emitInbound(endpointID string, data []byte, arrivedAt time.Time) {
	c := midimsg.Classify(data)
	s.packetHub.Publish(model.Packet{
		SourceEndpointID: endpointID,
		Data:             data,
		Channel:          c.Channel,
		Type:             c.Type,
		Timestamp:        arrivedAt,
	})
}

// Send forwards a packet to an output endpoint. A vanished endpoint is a
// silent success. Loopback endpoints echo the bytes back as a fresh inbound
// packet, bypassing the OS.
func (s *Session) Send(ctx context.Context, endpointID string, p model.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.HasPrefix(model.Key(endpointID), model.PrefixLoopback) {
		e, ok := s.catalog.Get(endpointID)
		if !ok {
			return nil
		}
		s.emitInbound(e.ID, p.Data, s.now().UTC())
		return nil
	}
	s.mu.Lock()
	h, ok := s.outputs[model.Key(endpointID)]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := h.Send(p.Data); err != nil {
		return fmt.Errorf("send to %s: %w", endpointID, err)
	}
	return nil
}

// OpenPortCounts reports open input and output handle counts, for the
// monitoring surface.
func (s *Session) OpenPortCounts() (inputs, outputs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs), len(s.outputs)
}

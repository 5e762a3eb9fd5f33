// Package supervisor orders startup and shutdown across the catalog, the
// routing worker and the session.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Refresher is the catalog dependency.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Runnable is a start/stoppable component.
type Runnable interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Supervisor starts refresh → worker → session and stops worker → session.
// A failed stop step never skips the remaining ones.
type Supervisor struct {
	catalog     Refresher
	worker      Runnable
	session     Runnable
	stopTimeout time.Duration
	logger      *slog.Logger
}

func New(cat Refresher, w, s Runnable, stopTimeout time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}
	return &Supervisor{catalog: cat, worker: w, session: s, stopTimeout: stopTimeout, logger: logger}
}

// Start brings the runtime up. On a late failure the already-started
// components are stopped before returning.
func (sv *Supervisor) Start(ctx context.Context) error {
	if err := sv.catalog.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh catalog: %w", err)
	}
	if err := sv.worker.Start(ctx); err != nil {
		return fmt.Errorf("start routing worker: %w", err)
	}
	if err := sv.session.Start(ctx); err != nil {
		sv.logger.Error("session start failed, rolling back worker", "err", err)
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sv.stopTimeout)
		defer cancel()
		if stopErr := sv.worker.Stop(stopCtx); stopErr != nil {
			sv.logger.Warn("worker rollback stop failed", "err", stopErr)
		}
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

// Stop tears the runtime down in reverse order, awaiting each step and
// joining the failures.
func (sv *Supervisor) Stop(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sv.stopTimeout)
	defer cancel()
	var errs []error
	if err := sv.worker.Stop(stopCtx); err != nil {
		sv.logger.Warn("worker stop failed", "err", err)
		errs = append(errs, fmt.Errorf("stop routing worker: %w", err))
	}
	if err := sv.session.Stop(stopCtx); err != nil {
		sv.logger.Warn("session stop failed", "err", err)
		errs = append(errs, fmt.Errorf("stop session: %w", err))
	}
	return errors.Join(errs...)
}

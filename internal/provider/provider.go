// Package provider abstracts the OS MIDI backends behind one open/send/close
// surface keyed by endpoint id.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/g960059/midiroute/internal/model"
)

var (
	// ErrPortUnavailable marks transient open failures; the session retries
	// on the next reconciliation pass.
	ErrPortUnavailable = errors.New("port unavailable")
	// ErrPortClosed marks sends on a handle the backend already tore down.
	ErrPortClosed = errors.New("port closed")
)

// InboundFunc receives whole MIDI messages on backend-chosen threads. It
// must not block; implementations enqueue and return.
type InboundFunc func(endpointID string, data []byte, arrivedAt time.Time)

// Input is an open inbound port.
type Input interface {
	EndpointID() string
	// Close is idempotent.
	Close() error
}

// Output is an open outbound port.
type Output interface {
	EndpointID() string
	Send(data []byte) error
	Close() error
}

// Provider opens and closes OS-level ports and enumerates what the backend
// currently exposes. Implementations must deliver complete MIDI messages to
// the inbound callback; running status is resolved below this interface.
type Provider interface {
	Enumerate(ctx context.Context) ([]model.Endpoint, error)
	OpenInput(endpointID string, onMsg InboundFunc) (Input, error)
	OpenOutput(endpointID string) (Output, error)
}

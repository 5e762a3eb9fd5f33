package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/g960059/midiroute/internal/model"
)

// Mux dispatches opens to the backend owning the endpoint id namespace: the
// native rtmidi backend for rt-in:/rt-out:, an optional legacy backend for
// winmm-in:/winmm-out:. Deployments without the legacy layer leave it nil
// and its ids resolve to ErrPortUnavailable.
type Mux struct {
	Native Provider
	Legacy Provider
}

func NewMux(native, legacy Provider) *Mux {
	return &Mux{Native: native, Legacy: legacy}
}

func (m *Mux) backendFor(endpointID string) (Provider, error) {
	key := model.Key(endpointID)
	switch {
	case strings.HasPrefix(key, model.PrefixRtIn), strings.HasPrefix(key, model.PrefixRtOut):
		if m.Native == nil {
			return nil, fmt.Errorf("%w: native backend not installed", ErrPortUnavailable)
		}
		return m.Native, nil
	case strings.HasPrefix(key, model.PrefixLegacyIn), strings.HasPrefix(key, model.PrefixLegacyOut):
		if m.Legacy == nil {
			return nil, fmt.Errorf("%w: legacy backend not installed", ErrPortUnavailable)
		}
		return m.Legacy, nil
	default:
		return nil, fmt.Errorf("%w: unknown endpoint namespace %q", ErrPortUnavailable, endpointID)
	}
}

// Enumerate merges the backends' inventories.
func (m *Mux) Enumerate(ctx context.Context) ([]model.Endpoint, error) {
	var out []model.Endpoint
	if m.Native != nil {
		native, err := m.Native.Enumerate(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, native...)
	}
	if m.Legacy != nil {
		legacy, err := m.Legacy.Enumerate(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, legacy...)
	}
	return out, nil
}

func (m *Mux) OpenInput(endpointID string, onMsg InboundFunc) (Input, error) {
	backend, err := m.backendFor(endpointID)
	if err != nil {
		return nil, err
	}
	return backend.OpenInput(endpointID, onMsg)
}

func (m *Mux) OpenOutput(endpointID string) (Output, error) {
	backend, err := m.backendFor(endpointID)
	if err != nil {
		return nil, err
	}
	return backend.OpenOutput(endpointID)
}

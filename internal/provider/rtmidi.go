package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/g960059/midiroute/internal/model"
)

// RtProvider is the native backend on top of the rtmidi driver. Endpoint ids
// are rt-in:<n> / rt-out:<n> where n is the driver port number.
type RtProvider struct {
	mu       sync.Mutex
	drv      *rtmididrv.Driver
	sysexMax int
	logger   *slog.Logger
}

func NewRtProvider(sysexMax int, logger *slog.Logger) (*RtProvider, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("rtmididrv: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sysexMax <= 0 {
		sysexMax = 64 * 1024
	}
	return &RtProvider{drv: drv, sysexMax: sysexMax, logger: logger}, nil
}

// Close shuts the driver down. Open handles become dead; their Close stays
// safe to call.
func (p *RtProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drv.Close()
}

func (p *RtProvider) Enumerate(ctx context.Context) ([]model.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ins, err := p.drv.Ins()
	if err != nil {
		return nil, fmt.Errorf("list inputs: %w", err)
	}
	outs, err := p.drv.Outs()
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	endpoints := make([]model.Endpoint, 0, len(ins)+len(outs))
	for _, in := range ins {
		endpoints = append(endpoints, model.Endpoint{
			ID:            fmt.Sprintf("%s%d", model.PrefixRtIn, in.Number()),
			Name:          in.String(),
			Kind:          model.KindHardware,
			SupportsInput: true,
			Online:        true,
		})
	}
	for _, out := range outs {
		endpoints = append(endpoints, model.Endpoint{
			ID:             fmt.Sprintf("%s%d", model.PrefixRtOut, out.Number()),
			Name:           out.String(),
			Kind:           model.KindHardware,
			SupportsOutput: true,
			Online:         true,
		})
	}
	return endpoints, nil
}

func portNumber(endpointID, prefix string) (int, error) {
	raw := strings.TrimPrefix(model.Key(endpointID), prefix)
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: malformed endpoint id %q", ErrPortUnavailable, endpointID)
	}
	return n, nil
}

func (p *RtProvider) OpenInput(endpointID string, onMsg InboundFunc) (Input, error) {
	n, err := portNumber(endpointID, model.PrefixRtIn)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ins, err := p.drv.Ins()
	if err != nil {
		return nil, fmt.Errorf("%w: list inputs: %v", ErrPortUnavailable, err)
	}
	var port drivers.In
	for _, in := range ins {
		if in.Number() == n {
			port = in
			break
		}
	}
	if port == nil {
		return nil, fmt.Errorf("%w: input %d not present", ErrPortUnavailable, n)
	}
	if err := port.Open(); err != nil {
		return nil, fmt.Errorf("%w: open input %q: %v", ErrPortUnavailable, port.String(), err)
	}
	sysexMax := p.sysexMax
	logger := p.logger
	stop, err := port.Listen(func(data []byte, _ int32) {
		if len(data) == 0 {
			return
		}
		if len(data) > sysexMax {
			logger.Warn("inbound message truncated", "endpoint", endpointID, "bytes", len(data), "cap", sysexMax)
			data = data[:sysexMax]
		}
		// The driver reuses its buffer between callbacks.
		msg := make([]byte, len(data))
		copy(msg, data)
		onMsg(endpointID, msg, time.Now().UTC())
	}, drivers.ListenConfig{
		SysEx:           true,
		SysExBufferSize: uint32(sysexMax),
		ActiveSense:     false,
		TimeCode:        false,
		OnErr: func(listenErr error) {
			logger.Warn("input listener error", "endpoint", endpointID, "err", listenErr)
		},
	})
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: listen %q: %v", ErrPortUnavailable, port.String(), err)
	}
	return &rtInput{endpointID: endpointID, port: port, stop: stop}, nil
}

func (p *RtProvider) OpenOutput(endpointID string) (Output, error) {
	n, err := portNumber(endpointID, model.PrefixRtOut)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	outs, err := p.drv.Outs()
	if err != nil {
		return nil, fmt.Errorf("%w: list outputs: %v", ErrPortUnavailable, err)
	}
	var port drivers.Out
	for _, out := range outs {
		if out.Number() == n {
			port = out
			break
		}
	}
	if port == nil {
		return nil, fmt.Errorf("%w: output %d not present", ErrPortUnavailable, n)
	}
	if err := port.Open(); err != nil {
		return nil, fmt.Errorf("%w: open output %q: %v", ErrPortUnavailable, port.String(), err)
	}
	return &rtOutput{endpointID: endpointID, port: port}, nil
}

type rtInput struct {
	endpointID string
	port       drivers.In
	stop       func()
	closeOnce  sync.Once
}

func (h *rtInput) EndpointID() string { return h.endpointID }

func (h *rtInput) Close() error {
	h.closeOnce.Do(func() {
		h.stop()
		_ = h.port.Close()
	})
	return nil
}

type rtOutput struct {
	endpointID string
	port       drivers.Out
	mu         sync.Mutex
	closed     bool
}

func (h *rtOutput) EndpointID() string { return h.endpointID }

func (h *rtOutput) Send(data []byte) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed || !h.port.IsOpen() {
		return ErrPortClosed
	}
	if err := h.port.Send(data); err != nil {
		return fmt.Errorf("%w: %v", ErrPortClosed, err)
	}
	return nil
}

func (h *rtOutput) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.port.Close()
}

// Package testutil holds shared test doubles.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/g960059/midiroute/internal/model"
	"github.com/g960059/midiroute/internal/provider"
)

// Send is one recorded outbound transmission.
type Send struct {
	EndpointID string
	Data       []byte
}

// FakeProvider is an in-memory Provider for session and worker tests. Opens
// can be forced to fail, sends are recorded, and inbound traffic is injected
// through the captured listener callbacks.
type FakeProvider struct {
	mu        sync.Mutex
	endpoints []model.Endpoint
	failOpen  map[string]bool
	failSend  map[string]bool
	inputs    map[string]*fakeInput
	outputs   map[string]*fakeOutput
	sends     []Send
}

func NewFakeProvider(endpoints ...model.Endpoint) *FakeProvider {
	return &FakeProvider{
		endpoints: endpoints,
		failOpen:  make(map[string]bool),
		failSend:  make(map[string]bool),
		inputs:    make(map[string]*fakeInput),
		outputs:   make(map[string]*fakeOutput),
	}
}

// SetEndpoints replaces the enumerated inventory.
func (f *FakeProvider) SetEndpoints(endpoints ...model.Endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints = endpoints
}

// FailOpen forces OpenInput/OpenOutput on id to return ErrPortUnavailable.
func (f *FakeProvider) FailOpen(id string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOpen[model.Key(id)] = fail
}

// FailSend forces Send on id to return ErrPortClosed.
func (f *FakeProvider) FailSend(id string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSend[model.Key(id)] = fail
}

func (f *FakeProvider) Enumerate(context.Context) ([]model.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Endpoint, len(f.endpoints))
	copy(out, f.endpoints)
	return out, nil
}

func (f *FakeProvider) OpenInput(endpointID string, onMsg provider.InboundFunc) (provider.Input, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := model.Key(endpointID)
	if f.failOpen[key] {
		return nil, fmt.Errorf("%w: forced failure %q", provider.ErrPortUnavailable, endpointID)
	}
	h := &fakeInput{provider: f, endpointID: endpointID, onMsg: onMsg}
	f.inputs[key] = h
	return h, nil
}

func (f *FakeProvider) OpenOutput(endpointID string) (provider.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := model.Key(endpointID)
	if f.failOpen[key] {
		return nil, fmt.Errorf("%w: forced failure %q", provider.ErrPortUnavailable, endpointID)
	}
	h := &fakeOutput{provider: f, endpointID: endpointID}
	f.outputs[key] = h
	return h, nil
}

// Inject delivers data through the open input listener for endpointID.
// Reports whether a listener was attached.
func (f *FakeProvider) Inject(endpointID string, data []byte) bool {
	f.mu.Lock()
	h, ok := f.inputs[model.Key(endpointID)]
	f.mu.Unlock()
	if !ok || h.closed.Load() {
		return false
	}
	h.onMsg(h.endpointID, data, time.Now().UTC())
	return true
}

// OpenInputIDs lists currently open input ids, sorted.
func (f *FakeProvider) OpenInputIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.inputs))
	for key := range f.inputs {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// OpenOutputIDs lists currently open output ids, sorted.
func (f *FakeProvider) OpenOutputIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.outputs))
	for key := range f.outputs {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Sends returns the recorded outbound transmissions in order.
func (f *FakeProvider) Sends() []Send {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Send, len(f.sends))
	copy(out, f.sends)
	return out
}

func (f *FakeProvider) recordSend(endpointID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend[model.Key(endpointID)] {
		return provider.ErrPortClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.sends = append(f.sends, Send{EndpointID: endpointID, Data: buf})
	return nil
}

func (f *FakeProvider) dropInput(endpointID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inputs, model.Key(endpointID))
}

func (f *FakeProvider) dropOutput(endpointID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.outputs, model.Key(endpointID))
}

type fakeInput struct {
	provider   *FakeProvider
	endpointID string
	onMsg      provider.InboundFunc
	closed     atomic.Bool
}

func (h *fakeInput) EndpointID() string { return h.endpointID }

func (h *fakeInput) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.provider.dropInput(h.endpointID)
	return nil
}

type fakeOutput struct {
	provider   *FakeProvider
	endpointID string
	closed     atomic.Bool
}

func (h *fakeOutput) EndpointID() string { return h.endpointID }

func (h *fakeOutput) Send(data []byte) error {
	if h.closed.Load() {
		return provider.ErrPortClosed
	}
	return h.provider.recordSend(h.endpointID, data)
}

func (h *fakeOutput) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.provider.dropOutput(h.endpointID)
	return nil
}

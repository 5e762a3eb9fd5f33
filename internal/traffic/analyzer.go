// Package traffic keeps per-endpoint sliding counters for the operator
// monitoring surface.
package traffic

import (
	"sort"
	"sync"
	"time"

	"github.com/g960059/midiroute/internal/model"
)

type counter struct {
	endpointID  string
	messages    int64
	bytes       int64
	channels    map[int]struct{}
	windowStart time.Time
}

// Analyzer accumulates message and byte counts per endpoint since the last
// snapshot. Endpoints are independent; a snapshot on one never disturbs
// another.
type Analyzer struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

func NewAnalyzer() *Analyzer {
	return &Analyzer{
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

// Register records one message of byteCount bytes on endpointID. Negative
// byte counts clamp to zero; channels outside 1..16 are not recorded.
func (a *Analyzer) Register(endpointID string, byteCount, channel int) {
	if byteCount < 0 {
		byteCount = 0
	}
	now := a.now().UTC()
	a.mu.Lock()
	defer a.mu.Unlock()
	key := model.Key(endpointID)
	c, ok := a.counters[key]
	if !ok {
		c = &counter{endpointID: endpointID, channels: make(map[int]struct{}), windowStart: now}
		a.counters[key] = c
	}
	c.messages++
	c.bytes += int64(byteCount)
	if channel >= 1 && channel <= 16 {
		c.channels[channel] = struct{}{}
	}
}

// Snapshot computes the rate view and atomically resets the window.
func (a *Analyzer) Snapshot(endpointID string) model.TrafficSnapshot {
	return a.capture(endpointID, true)
}

// Peek computes the same view without resetting the window.
func (a *Analyzer) Peek(endpointID string) model.TrafficSnapshot {
	return a.capture(endpointID, false)
}

func (a *Analyzer) capture(endpointID string, reset bool) model.TrafficSnapshot {
	now := a.now().UTC()
	a.mu.Lock()
	defer a.mu.Unlock()
	key := model.Key(endpointID)
	c, ok := a.counters[key]
	if !ok {
		return model.TrafficSnapshot{EndpointID: endpointID, ActiveChannels: []int{}, CapturedAt: now}
	}
	elapsed := now.Sub(c.windowStart)
	if elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}
	channels := make([]int, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	sort.Ints(channels)
	snap := model.TrafficSnapshot{
		EndpointID:        c.endpointID,
		MessagesPerSecond: float64(c.messages) / elapsed.Seconds(),
		BytesPerSecond:    float64(c.bytes) / elapsed.Seconds(),
		ActiveChannels:    channels,
		CapturedAt:        now,
	}
	if reset {
		c.messages = 0
		c.bytes = 0
		c.channels = make(map[int]struct{})
		c.windowStart = now
	}
	return snap
}

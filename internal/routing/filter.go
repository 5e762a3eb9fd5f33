// Package routing holds the route model, the authoritative matrix and the
// read-optimized index the dispatch path consumes.
package routing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/g960059/midiroute/internal/model"
)

var (
	ErrInvalidFilter = errors.New("invalid filter")
	ErrInvalidRoute  = errors.New("invalid route")
)

// Filter is the per-route (channel, message type) predicate. Empty channel or
// type sets mean "match all" on that axis. Immutable after construction.
type Filter struct {
	channels map[int]struct{}
	types    map[model.MessageType]struct{}
	chList   []int
	typeList []model.MessageType
}

// NewFilter validates and de-duplicates the inputs. Channels outside 1..16
// are rejected with ErrInvalidFilter.
func NewFilter(channels []int, types []model.MessageType) (Filter, error) {
	f := Filter{}
	if len(channels) > 0 {
		f.channels = make(map[int]struct{}, len(channels))
		for _, ch := range channels {
			if ch < 1 || ch > 16 {
				return Filter{}, fmt.Errorf("%w: channel %d out of range 1..16", ErrInvalidFilter, ch)
			}
			f.channels[ch] = struct{}{}
		}
		f.chList = make([]int, 0, len(f.channels))
		for ch := range f.channels {
			f.chList = append(f.chList, ch)
		}
		sort.Ints(f.chList)
	}
	if len(types) > 0 {
		f.types = make(map[model.MessageType]struct{}, len(types))
		for _, mt := range types {
			f.types[mt] = struct{}{}
		}
		f.typeList = make([]model.MessageType, 0, len(f.types))
		for _, mt := range model.MessageTypes {
			if _, ok := f.types[mt]; ok {
				f.typeList = append(f.typeList, mt)
			}
		}
	}
	return f, nil
}

// AllowAll is the filter that admits every (channel, type) pair.
func AllowAll() Filter {
	return Filter{}
}

// Allows reports whether a packet with the given channel and type passes.
func (f Filter) Allows(channel int, t model.MessageType) bool {
	if len(f.channels) > 0 {
		if _, ok := f.channels[channel]; !ok {
			return false
		}
	}
	if len(f.types) > 0 {
		if _, ok := f.types[t]; !ok {
			return false
		}
	}
	return true
}

// Channels returns the sorted channel set, empty meaning all.
func (f Filter) Channels() []int {
	out := make([]int, len(f.chList))
	copy(out, f.chList)
	return out
}

// Types returns the type set in taxonomy order, empty meaning all.
func (f Filter) Types() []model.MessageType {
	out := make([]model.MessageType, len(f.typeList))
	copy(out, f.typeList)
	return out
}

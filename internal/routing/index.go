package routing

import "github.com/g960059/midiroute/internal/model"

// Index is the derived source-id → routes mapping the dispatch loop reads.
// It is built once and never mutated; publication is a pointer swap at the
// worker.
type Index struct {
	bySource map[string][]Route
}

// BuildIndex groups routes by case-insensitive source id. Within a group
// routes are ordered by case-insensitive target id, then route id, whatever
// the order of the input.
func BuildIndex(routes []Route) *Index {
	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	sortRoutes(sorted)
	ix := &Index{bySource: make(map[string][]Route)}
	for _, r := range sorted {
		key := model.Key(r.Source)
		ix.bySource[key] = append(ix.bySource[key], r)
	}
	return ix
}

// Routes returns the routes originating at sourceID, empty when none.
// Callers must not mutate the returned slice.
func (ix *Index) Routes(sourceID string) []Route {
	if ix == nil {
		return nil
	}
	return ix.bySource[model.Key(sourceID)]
}

// Size reports the total number of indexed routes.
func (ix *Index) Size() int {
	if ix == nil {
		return 0
	}
	n := 0
	for _, rs := range ix.bySource {
		n += len(rs)
	}
	return n
}

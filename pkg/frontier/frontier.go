package frontier

import (
	"github.com/OFFIS-RIT/modelgraph/pkg/common"
)

// frontier is the working set of one resolution run. It is owned by a single
// Resolve call and never shared.
type frontier struct {
	pending []common.EntityID
	queued  map[common.EntityID]struct{}
	visited map[common.EntityID]struct{}
}

func newFrontier(seed []common.EntityID) *frontier {
	f := &frontier{
		queued:  make(map[common.EntityID]struct{}, len(seed)),
		visited: make(map[common.EntityID]struct{}),
	}
	for _, id := range seed {
		f.enqueue(id)
	}
	return f
}

// enqueue adds id to the pending set unless it was already visited or queued.
func (f *frontier) enqueue(id common.EntityID) bool {
	if id.ID == "" {
		return false
	}
	if _, ok := f.visited[id]; ok {
		return false
	}
	if _, ok := f.queued[id]; ok {
		return false
	}
	f.queued[id] = struct{}{}
	f.pending = append(f.pending, id)
	return true
}

// take removes and returns the pending ids that still need fetching. The
// result is disjoint from visited and free of duplicates.
func (f *frontier) take() []common.EntityID {
	batch := make([]common.EntityID, 0, len(f.pending))
	for _, id := range f.pending {
		if _, ok := f.visited[id]; ok {
			continue
		}
		batch = append(batch, id)
	}
	f.pending = nil
	f.queued = make(map[common.EntityID]struct{})
	return batch
}

func (f *frontier) visit(id common.EntityID) {
	f.visited[id] = struct{}{}
}

// requeue puts ids that were taken but never attempted back at the front.
func (f *frontier) requeue(ids []common.EntityID) {
	if len(ids) == 0 {
		return
	}
	rest := f.pending
	f.pending = nil
	f.queued = make(map[common.EntityID]struct{})
	for _, id := range ids {
		f.enqueue(id)
	}
	for _, id := range rest {
		f.enqueue(id)
	}
}


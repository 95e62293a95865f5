package transfer

import (
	"slices"
)

// Queue is the set of file ids announced by the producer and not yet
// transferred, plus the auto-download policy flag. Ids that completed are
// remembered and never queued again. Ids whose transfer failed stay pending
// but are skipped by Next until they are requested explicitly.
//
// Queue is not safe for concurrent use; the coordinator guards it.
type Queue struct {
	pending   map[uint32]struct{}
	completed map[uint32]struct{}
	failed    map[uint32]struct{}
	auto      bool
}

// NewQueue creates an empty queue. completed seeds the set of ids that were
// already received, typically loaded from the library.
func NewQueue(auto bool, completed []uint32) *Queue {
	q := &Queue{
		pending:   make(map[uint32]struct{}),
		completed: make(map[uint32]struct{}, len(completed)),
		failed:    make(map[uint32]struct{}),
		auto:      auto,
	}
	for _, id := range completed {
		q.completed[id] = struct{}{}
	}
	return q
}

// Add queues id and reports whether the pending set changed.
func (q *Queue) Add(id uint32) bool {
	if _, done := q.completed[id]; done {
		return false
	}
	if _, ok := q.pending[id]; ok {
		return false
	}
	q.pending[id] = struct{}{}
	return true
}

// Remove drops id from the pending set and reports whether it was present.
func (q *Queue) Remove(id uint32) bool {
	delete(q.failed, id)
	if _, ok := q.pending[id]; !ok {
		return false
	}
	delete(q.pending, id)
	return true
}

// MarkCompleted removes id from the pending set and records it as done.
func (q *Queue) MarkCompleted(id uint32) {
	delete(q.pending, id)
	delete(q.failed, id)
	q.completed[id] = struct{}{}
}

// MarkFailed keeps id pending but hides it from Next.
func (q *Queue) MarkFailed(id uint32) {
	if _, ok := q.pending[id]; ok {
		q.failed[id] = struct{}{}
	}
}

// ClearFailed makes id eligible for Next again.
func (q *Queue) ClearFailed(id uint32) {
	delete(q.failed, id)
}

// Completed reports whether id was already transferred.
func (q *Queue) Completed(id uint32) bool {
	_, ok := q.completed[id]
	return ok
}

// Next returns the smallest (oldest) pending id that has not failed.
func (q *Queue) Next() (uint32, bool) {
	var (
		next  uint32
		found bool
	)
	for id := range q.pending {
		if _, bad := q.failed[id]; bad {
			continue
		}
		if !found || id < next {
			next, found = id, true
		}
	}
	return next, found
}

// Pending returns the pending ids in ascending order, failed ones included.
func (q *Queue) Pending() []uint32 {
	ids := make([]uint32, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (q *Queue) Len() int { return len(q.pending) }

// Clear empties the pending set. Completed ids are kept.
func (q *Queue) Clear() {
	clear(q.pending)
	clear(q.failed)
}

func (q *Queue) SetAutoDownload(on bool) { q.auto = on }
func (q *Queue) AutoDownload() bool      { return q.auto }

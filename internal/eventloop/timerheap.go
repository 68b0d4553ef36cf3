package eventloop

import (
	"container/heap"
	"time"
)

// timerEntry is one armed timer. index is maintained by heap.Fix/Remove for
// O(log n) cancellation. Adapted from the teacher's processmgr.schedEvent —
// same min-heap-by-deadline technique, id generalized from int64 (a pid)
// to string (any loop-owned name: a process name, an RPC wait-park key, a
// kill-timer tag) since the event loop now arms timers on behalf of several
// different components, not just one process manager.
type timerEntry struct {
	id    string
	when  time.Time
	fn    func()
	index int
}

// timerHeap is a min-heap of pending timers ordered by deadline, keyed by
// id so a caller can re-arm or cancel a specific timer in O(log n).
// Adapted from the teacher's processmgr.scheduler/eventHeap pair.
type timerHeap struct {
	h       entryHeap
	entries map[string]*timerEntry
}

func newTimerHeap() *timerHeap {
	h := entryHeap{}
	heap.Init(&h)
	return &timerHeap{h: h, entries: make(map[string]*timerEntry)}
}

// arm schedules fn to run at when, replacing any existing timer with the
// same id.
func (s *timerHeap) arm(id string, when time.Time, fn func()) {
	if old, ok := s.entries[id]; ok {
		heap.Remove(&s.h, old.index)
		delete(s.entries, id)
	}
	ev := &timerEntry{id: id, when: when, fn: fn}
	s.entries[id] = ev
	heap.Push(&s.h, ev)
}

// cancel removes a pending timer, if any. Returns true if one was removed.
func (s *timerHeap) cancel(id string) bool {
	ev, ok := s.entries[id]
	if !ok {
		return false
	}
	heap.Remove(&s.h, ev.index)
	delete(s.entries, id)
	return true
}

// peek returns the soonest deadline without removing it.
func (s *timerHeap) peek() (when time.Time, ok bool) {
	if len(s.h) == 0 {
		return time.Time{}, false
	}
	return s.h[0].when, true
}

// popDue removes and returns every timer due at or before now.
func (s *timerHeap) popDue(now time.Time) []*timerEntry {
	var due []*timerEntry
	for len(s.h) > 0 && !s.h[0].when.After(now) {
		ev := heap.Pop(&s.h).(*timerEntry)
		delete(s.entries, ev.id)
		due = append(due, ev)
	}
	return due
}

type entryHeap []*timerEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any) {
	ev := x.(*timerEntry)
	ev.index = len(*h)
	*h = append(*h, ev)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	ev.index = -1
	*h = old[:n-1]
	return ev
}

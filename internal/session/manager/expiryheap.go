package manager

import (
	"container/heap"
	"time"
)

// expiryEvent is a scheduled idle-expiry check for one session. index is
// required for heap.Fix/heap.Remove in O(log n).
type expiryEvent struct {
	sessionID string
	when      time.Time
	index     int
}

// expiryScheduler is a min-heap of pending expiry checks, adapted from
// edirooss-zmux-server's processmgr.scheduler (originally a restart-delay
// scheduler keyed by PID). Repurposed here to wake the manager's sweep
// loop at the earliest moment any session could plausibly be idle-expired
// (spec.md §4.D), instead of polling every session on a fixed tick.
type expiryScheduler struct {
	h       eventHeap
	entries map[string]*expiryEvent
}

func newExpiryScheduler() *expiryScheduler {
	h := eventHeap{}
	heap.Init(&h)
	return &expiryScheduler{
		h:       h,
		entries: make(map[string]*expiryEvent),
	}
}

// schedule inserts or reschedules the expiry check for sessionID. A
// previous pending check for the same session is dropped first, since
// only the most recent activity timestamp matters.
func (s *expiryScheduler) schedule(sessionID string, when time.Time) {
	if old, ok := s.entries[sessionID]; ok {
		heap.Remove(&s.h, old.index)
		delete(s.entries, sessionID)
	}
	ev := &expiryEvent{sessionID: sessionID, when: when}
	s.entries[sessionID] = ev
	heap.Push(&s.h, ev)
}

// next returns the soonest pending check without removing it.
func (s *expiryScheduler) next() (sessionID string, when time.Time, ok bool) {
	if len(s.h) == 0 {
		return "", time.Time{}, false
	}
	ev := s.h[0]
	return ev.sessionID, ev.when, true
}

// pop removes the head event unconditionally.
func (s *expiryScheduler) pop() {
	if len(s.h) == 0 {
		return
	}
	ev := heap.Pop(&s.h).(*expiryEvent)
	delete(s.entries, ev.sessionID)
}

// remove deletes the pending check for sessionID, if any (called when a
// session is closed out-of-band, e.g. by an explicit close_session call).
func (s *expiryScheduler) remove(sessionID string) {
	ev, ok := s.entries[sessionID]
	if !ok {
		return
	}
	heap.Remove(&s.h, ev.index)
	delete(s.entries, sessionID)
}

type eventHeap []*expiryEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	return h[i].when.Before(h[j].when)
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	ev := x.(*expiryEvent)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	ev.index = -1
	*h = old[:n-1]
	return ev
}

// Package policy orders the scheduler's waiting queue before prefill
// admission runs (spec.md §2 item 7, §4.4's "in policy order"). It operates
// on a lightweight Entry rather than *scheduler.Req so this package never
// imports the scheduler package (which in turn will import policy).
package policy

import (
	"container/heap"
	"sort"
)

// Entry is the subset of a waiting request's state a Policy needs to order
// the queue. Ref carries the caller's own request handle back out unchanged.
type Entry struct {
	Ref                   any
	ID                    string
	ArrivalTime           int64
	MatchedPrefixLen      int // longest prefix already resident in the cache, from the request's MatchPrefix result
	EffectiveMaxNewTokens int // proxy for expected output length
}

// Policy reorders entries in place. FCFS leaves the order unchanged; the
// sort-based policies use sort.SliceStable and HeapPolicy uses
// container/heap with the same ordering and tie-break, matching the teacher's
// InstanceScheduler.OrderQueue contract.
type Policy interface {
	OrderQueue(entries []Entry)
}

// FCFSPolicy preserves first-come-first-served order; a no-op, since
// entries already arrive in enqueue order.
type FCFSPolicy struct{}

func (FCFSPolicy) OrderQueue(_ []Entry) {}

// longestPrefixLess orders by MatchedPrefixLen descending (requests whose
// tokens are already cached run first, maximizing reuse), then by arrival
// time ascending, then by ID for determinism.
func longestPrefixLess(a, b Entry) bool {
	if a.MatchedPrefixLen != b.MatchedPrefixLen {
		return a.MatchedPrefixLen > b.MatchedPrefixLen
	}
	if a.ArrivalTime != b.ArrivalTime {
		return a.ArrivalTime < b.ArrivalTime
	}
	return a.ID < b.ID
}

// shortestOutputLess orders by EffectiveMaxNewTokens ascending (requests
// expected to finish quickest run first), then arrival time, then ID.
func shortestOutputLess(a, b Entry) bool {
	if a.EffectiveMaxNewTokens != b.EffectiveMaxNewTokens {
		return a.EffectiveMaxNewTokens < b.EffectiveMaxNewTokens
	}
	if a.ArrivalTime != b.ArrivalTime {
		return a.ArrivalTime < b.ArrivalTime
	}
	return a.ID < b.ID
}

// LongestPrefixFirst sorts by MatchedPrefixLen descending, then arrival
// time, then ID.
type LongestPrefixFirst struct{}

func (LongestPrefixFirst) OrderQueue(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return longestPrefixLess(entries[i], entries[j]) })
}

// ShortestOutputFirst sorts by EffectiveMaxNewTokens ascending, then arrival
// time, then ID.
type ShortestOutputFirst struct{}

func (ShortestOutputFirst) OrderQueue(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return shortestOutputLess(entries[i], entries[j]) })
}

// entryHeap adapts a []Entry plus a less function to container/heap, the way
// the teacher's EventHeap (sim/cluster/event_heap.go) and kthena's
// RequestPriorityQueue (infer-gateway/datastore/request_waiting_queue.go)
// each wrap their own queue element type.
type entryHeap struct {
	entries []Entry
	less    func(a, b Entry) bool
}

func (h *entryHeap) Len() int            { return len(h.entries) }
func (h *entryHeap) Less(i, j int) bool  { return h.less(h.entries[i], h.entries[j]) }
func (h *entryHeap) Swap(i, j int)       { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *entryHeap) Push(x interface{})  { h.entries = append(h.entries, x.(Entry)) }
func (h *entryHeap) Pop() interface{} {
	old := h.entries
	n := len(old)
	item := old[n-1]
	h.entries = old[:n-1]
	return item
}

// HeapPolicy orders the queue through container/heap instead of a full sort:
// it heapifies entries in place, then drains the heap into priority order.
// Equivalent to the sort-based policies for a one-shot reorder, but follows
// the pack's own idiom for a priority queue rather than sort.SliceStable.
type HeapPolicy struct {
	Less func(a, b Entry) bool
}

func (p HeapPolicy) OrderQueue(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	h := &entryHeap{entries: append([]Entry(nil), entries...), less: p.Less}
	heap.Init(h)
	for i := range entries {
		entries[i] = heap.Pop(h).(Entry)
	}
}

// New constructs a Policy by name. Valid names: "fcfs" (default),
// "longest-prefix", "shortest-output-first", and their container/heap-backed
// equivalents "longest-prefix-heap", "shortest-output-first-heap".
// Unrecognized names fall back to FCFSPolicy.
func New(name string) Policy {
	switch name {
	case "longest-prefix":
		return LongestPrefixFirst{}
	case "shortest-output-first":
		return ShortestOutputFirst{}
	case "longest-prefix-heap":
		return HeapPolicy{Less: longestPrefixLess}
	case "shortest-output-first-heap":
		return HeapPolicy{Less: shortestOutputLess}
	default:
		return FCFSPolicy{}
	}
}

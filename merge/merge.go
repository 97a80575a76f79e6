// Package merge implements the k-way merge used by compaction: it
// combines N sorted entry streams, presented oldest to
// newest, into a single sorted stream in which only the newest
// surviving version of each key remains.
package merge

import (
	"container/heap"

	"lsmkv/entry"
)

// Stream yields entries in ascending key order. Next returns
// (entry.Entry{}, false) once exhausted.
type Stream interface {
	Next() (entry.Entry, bool)
}

// SliceStream adapts a pre-sorted slice into a Stream.
type SliceStream struct {
	entries []entry.Entry
	pos     int
}

// NewSliceStream wraps entries, which must already be sorted ascending
// by key.
func NewSliceStream(entries []entry.Entry) *SliceStream {
	return &SliceStream{entries: entries}
}

func (s *SliceStream) Next() (entry.Entry, bool) {
	if s.pos >= len(s.entries) {
		return entry.Entry{}, false
	}
	e := s.entries[s.pos]
	s.pos++
	return e, true
}

type heapItem struct {
	e           entry.Entry
	streamIndex int // index into streams; larger index = newer stream
}

type itemHeap []heapItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].e.Key != h[j].e.Key {
		return h[i].e.Key < h[j].e.Key
	}
	// Ties on key are broken by stream index descending so the
	// newest stream's entry is popped first at equal keys.
	return h[i].streamIndex > h[j].streamIndex
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(heapItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// DropTombstones controls whether tombstones are elided from the
// merged output. It must only be set by a caller that has proven no
// older source for the dropped key can exist below the level the
// merge output is being published to.
type Options struct {
	DropTombstones bool
}

// Merge combines streams (oldest first, newest last) into a single
// ascending, de-duplicated slice. For duplicate keys across or within
// a stream, the newest occurrence wins. Complexity is O(N log S) for N
// total entries across S streams.
func Merge(streams []Stream, opts Options) []entry.Entry {
	h := &itemHeap{}
	heap.Init(h)

	for i, s := range streams {
		if e, ok := s.Next(); ok {
			heap.Push(h, heapItem{e: e, streamIndex: i})
		}
	}

	var out []entry.Entry
	for h.Len() > 0 {
		top := heap.Pop(h).(heapItem)
		key := top.e.Key
		winner := top.e
		winnerStream := top.streamIndex

		refill := func(idx int) {
			if e, ok := streams[idx].Next(); ok {
				heap.Push(h, heapItem{e: e, streamIndex: idx})
			}
		}
		refill(top.streamIndex)

		// Drain every remaining heap entry for the same key,
		// keeping whichever comes from the newest stream (and,
		// within a stream, the last occurrence wins because later
		// pushes from the same stream replace earlier ones here).
		for h.Len() > 0 && (*h)[0].e.Key == key {
			next := heap.Pop(h).(heapItem)
			if next.streamIndex >= winnerStream {
				winner = next.e
				winnerStream = next.streamIndex
			}
			refill(next.streamIndex)
		}

		if winner.Tombstone && opts.DropTombstones {
			continue
		}
		out = append(out, winner)
	}
	return out
}

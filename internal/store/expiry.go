package store

import "container/heap"

// expItem is one scheduled expiration. A live entry's expiry is represented
// by exactly one expItem somewhere in the heap at any time; overwriting a
// key's TTL pushes a new item and leaves the old one as a ghost, which the
// reaper discards on pop by comparing seq against the entry's current seq.
type expItem struct {
	deadline int64
	seq      uint64
	key      string
}

type expHeap []expItem

func (h expHeap) Len() int { return len(h) }
func (h expHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h expHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *expHeap) Push(x any)   { *h = append(*h, x.(expItem)) }
func (h *expHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// expiryIndex orders scheduled expirations by (deadline, sequence) so the
// reaper always knows the single soonest deadline without a scan, and two
// keys expiring at the same nanosecond still pop in a stable order.
type expiryIndex struct {
	h   expHeap
	seq uint64
}

func newExpiryIndex() *expiryIndex { return &expiryIndex{} }

func (e *expiryIndex) nextSeq() uint64 {
	e.seq++
	return e.seq
}

func (e *expiryIndex) schedule(deadline int64, seq uint64, key string) {
	heap.Push(&e.h, expItem{deadline: deadline, seq: seq, key: key})
}

func (e *expiryIndex) peek() (expItem, bool) {
	if len(e.h) == 0 {
		return expItem{}, false
	}
	return e.h[0], true
}

func (e *expiryIndex) pop() expItem {
	return heap.Pop(&e.h).(expItem)
}

package cache

// record pairs a utility score with a fingerprint for O(log n) eviction
// candidate selection. Records are never removed eagerly when an entry is
// deleted; pops are validated against the live entry map instead.
type record struct {
	utility     float64
	fingerprint string
}

// utilityHeap is a min-heap over utility scores implementing
// container/heap.Interface. The lowest-utility candidate sits at the root.
type utilityHeap []record

func (h utilityHeap) Len() int           { return len(h) }
func (h utilityHeap) Less(i, j int) bool { return h[i].utility < h[j].utility }
func (h utilityHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *utilityHeap) Push(x any) { *h = append(*h, x.(record)) }

func (h *utilityHeap) Pop() any {
	old := *h
	n := len(old)
	rec := old[n-1]
	*h = old[:n-1]
	return rec
}

package timerset

// timerHeap is a container/heap-ordered min-heap of *Timer keyed by
// elapsesAt, directly grounded on xtaci/gaio's timedHeap
// (_examples/socket515-gaio/watcher.go's `timeouts timedHeap` field and
// its heap.Push/heap.Pop/heap.Remove(&w.timeouts, pcb.idx) usage). Each
// Timer records its own slot in heapSlot so that heap.Remove can delete
// an arbitrary element in O(log n), which is the linchpin invariant
// spec.md §3 invariant 1 and §9's "index-in-slot" guidance both call out.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	return h[i].elapsesAt < h[j].elapsesAt
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapSlot = i
	h[j].heapSlot = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.heapSlot = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapSlot = -1
	*h = old[:n-1]
	return t
}

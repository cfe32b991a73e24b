package landmark

import (
	"fmt"
)

// mark holds the surviving peaks of one frame: parallel slices of bin
// indices and raw magnitudes, sorted by magnitude descending at the
// time of creation. A pruned peak keeps its slot with mag set to -Inf
// and bin set to 0.
type mark struct {
	t    int64
	bins []int
	mags []float64
}

// markRing is a fixed-capacity ring of consecutive frames' marks,
// indexed by absolute frame number. The window of retained frames only
// ever moves forward: push appends at the back, dropBefore trims the
// front. Slots are recycled to avoid per-frame allocations.
type markRing struct {
	slots []mark
	first int64
	count int
}

func newMarkRing(capacity int) *markRing {
	return &markRing{
		slots: make([]mark, capacity),
	}
}

// push appends the marks of frame t, which must be the successor of the
// most recently pushed frame.
func (r *markRing) push(t int64, bins []int, mags []float64) {
	if r.count > 0 && t != r.first+int64(r.count) {
		panic(fmt.Sprintf("non-consecutive frame: got %d, want %d", t, r.first+int64(r.count)))
	}
	if r.count == len(r.slots) {
		panic(fmt.Sprintf("mark ring overflow at frame %d (capacity %d)", t, len(r.slots)))
	}
	if r.count == 0 {
		r.first = t
	}
	m := &r.slots[t%int64(len(r.slots))]
	m.t = t
	m.bins = append(m.bins[:0], bins...)
	m.mags = append(m.mags[:0], mags...)
	r.count++
}

func (r *markRing) contains(t int64) bool {
	return t >= r.first && t < r.first+int64(r.count)
}

// at returns the mark of frame t. The caller must ensure contains(t).
func (r *markRing) at(t int64) *mark {
	return &r.slots[t%int64(len(r.slots))]
}

// dropBefore discards all frames older than t.
func (r *markRing) dropBefore(t int64) {
	for r.count > 0 && r.first < t {
		r.first++
		r.count--
	}
}

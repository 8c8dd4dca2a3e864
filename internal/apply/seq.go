package apply

import "sync/atomic"

// Sequence is a monotonic logical clock for committed batches.
//
// Every committed batch is stamped with a strictly increasing number, so
// observers can tell the order in which the replica changed without relying
// on wall-clock time.
//
// Thread-safety: Sequence is safe for concurrent use (atomic operations).
// However, the session's single-writer loop means only one goroutine
// typically calls Next().
type Sequence struct {
	n atomic.Uint64
}

// NewSequence creates a sequence starting at 0.
func NewSequence() *Sequence {
	return &Sequence{}
}

// NewSequenceAt creates a sequence whose next value is start+1.
func NewSequenceAt(start uint64) *Sequence {
	s := &Sequence{}
	s.n.Store(start)
	return s
}

// Next returns the next sequence number and increments the sequence.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

// Current returns the last issued number without incrementing.
func (s *Sequence) Current() uint64 {
	return s.n.Load()
}

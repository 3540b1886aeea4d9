package pipeline

import "sync"

// partitionTracker computes the highest upstream offset that is safe to
// acknowledge for one (topic, partition), given that several
// destinations (different tables) can interleave records from the same
// partition (destinationKey is topic+table, not
// partition-scoped). An offset is safe to acknowledge only once every
// offset at or below it has been resolved, by commit or by DLQ.
type partitionTracker struct {
	mu      sync.Mutex
	pending map[int64]struct{}
	maxSeen int64
	acked   int64
}

func newPartitionTracker() *partitionTracker {
	return &partitionTracker{pending: make(map[int64]struct{}), acked: -1, maxSeen: -1}
}

// track records that offset has been read off the claim and is either
// about to be resolved synchronously (DLQ) or buffered for a later
// flush. Every offset handed to the pipeline must be tracked exactly
// once before it is resolved.
func (t *partitionTracker) track(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[offset] = struct{}{}
	if offset > t.maxSeen {
		t.maxSeen = offset
	}
}

// resolve marks offset as done (committed or DLQ'd) and returns the new
// ack-safe watermark: the highest offset N such that every offset in
// [0, N] tracked so far has resolved.
func (t *partitionTracker) resolve(offset int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, offset)
	for t.acked+1 <= t.maxSeen {
		if _, stillPending := t.pending[t.acked+1]; stillPending {
			break
		}
		t.acked++
	}
	return t.acked
}

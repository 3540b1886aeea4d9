// Package buffer implements the Batch Buffer: a
// per-destination accumulator that groups enriched records until a
// size or time trigger fires, then hands the whole batch off atomically
// so a new one can start accepting records immediately. Ordering within
// a destination is preserved: records only ever append, and a
// flush swaps the slice out rather than draining it in place.
package buffer

import (
	"sync"
	"time"

	"github.com/practo/klog/v2"

	"github.com/tablesink/connector/internal/model"
)

// destinationBuffer is the mutable accumulator for one DestinationKey.
type destinationBuffer struct {
	mu      sync.Mutex
	binding model.TopicBinding
	records []*model.ParsedRecord
	size    int64
	opened  time.Time
}

func newDestinationBuffer(binding model.TopicBinding) *destinationBuffer {
	return &destinationBuffer{binding: binding}
}

// add appends rec and reports whether the size trigger now fires.
func (d *destinationBuffer) add(rec *model.ParsedRecord) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.records) == 0 {
		d.opened = time.Now()
	}
	d.records = append(d.records, rec)
	d.size += rec.ApproxByteSize

	return len(d.records) >= d.binding.Processing.BatchSize
}

// swap atomically detaches the accumulated records as a Batch and resets
// the accumulator to empty, so concurrent Add calls never observe a
// torn, partially-drained slice.
func (d *destinationBuffer) swap(key model.DestinationKey) *model.Batch {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.records) == 0 {
		return nil
	}

	batch := &model.Batch{
		Key:             key,
		Binding:         d.binding,
		Records:         d.records,
		EarliestEnqueue: d.opened,
		ByteSize:        d.size,
	}
	d.records = nil
	d.size = 0
	d.opened = time.Time{}
	return batch
}

func (d *destinationBuffer) age() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.records) == 0 {
		return 0
	}
	return time.Since(d.opened)
}

func (d *destinationBuffer) empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records) == 0
}

// FlushFunc receives a flushed batch for handoff to the Table Writer.
type FlushFunc func(batch *model.Batch)

// Buffer holds one destinationBuffer per DestinationKey and fires
// FlushFunc whenever a destination's size or time trigger is met.
type Buffer struct {
	destinations sync.Map // model.DestinationKey -> *destinationBuffer
	onFlush      FlushFunc

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Buffer that calls onFlush for every flushed batch.
func New(onFlush FlushFunc) *Buffer {
	return &Buffer{onFlush: onFlush, stop: make(chan struct{})}
}

func (b *Buffer) bufferFor(key model.DestinationKey, binding model.TopicBinding) *destinationBuffer {
	v, _ := b.destinations.LoadOrStore(key, newDestinationBuffer(binding))
	return v.(*destinationBuffer)
}

// Add appends rec to the destination binding identifies, flushing
// immediately (size trigger) if the batch is now full.
func (b *Buffer) Add(key model.DestinationKey, binding model.TopicBinding, rec *model.ParsedRecord) {
	d := b.bufferFor(key, binding)
	if d.add(rec) {
		b.flush(key, d)
	}
}

func (b *Buffer) flush(key model.DestinationKey, d *destinationBuffer) {
	batch := d.swap(key)
	if batch == nil {
		return
	}
	klog.V(3).Infof("buffer: %s: flushing %d record(s), %d byte(s)", key, len(batch.Records), batch.ByteSize)
	b.onFlush(batch)
}

// Flush forces an immediate flush of key's accumulator regardless of
// trigger state, used for shutdown drains and explicit operator flush
// requests.
func (b *Buffer) Flush(key model.DestinationKey) {
	v, ok := b.destinations.Load(key)
	if !ok {
		return
	}
	b.flush(key, v.(*destinationBuffer))
}

// FlushAll forces every non-empty destination to flush, used when
// draining a partition before releasing it (the partition state
// machine's Draining -> Released transition).
func (b *Buffer) FlushAll() {
	b.destinations.Range(func(k, v interface{}) bool {
		b.flush(k.(model.DestinationKey), v.(*destinationBuffer))
		return true
	})
}

// RunTimeTrigger polls every destination's age against its configured
// FlushInterval and flushes whichever destinations have aged past it.
// It runs until Stop is called.
func (b *Buffer) RunTimeTrigger(tick time.Duration) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-b.stop:
				return
			case <-ticker.C:
				b.checkTimeTriggers()
			}
		}
	}()
}

func (b *Buffer) checkTimeTriggers() {
	b.destinations.Range(func(k, v interface{}) bool {
		d := v.(*destinationBuffer)
		if d.empty() {
			return true
		}
		interval := d.binding.Processing.FlushInterval
		if interval <= 0 {
			return true
		}
		if d.age() >= interval {
			b.flush(k.(model.DestinationKey), d)
		}
		return true
	})
}

// Stop ends the time-trigger goroutine, if running.
func (b *Buffer) Stop() {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	b.wg.Wait()
}

package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tablesink/connector/internal/model"
)

func binding(batchSize int, flushInterval time.Duration) model.TopicBinding {
	return model.TopicBinding{
		KafkaTopic: "t",
		Destination: model.Destination{TableName: "tbl"},
		Processing: model.Processing{BatchSize: batchSize, FlushInterval: flushInterval},
	}
}

func TestAddFlushesOnSizeTrigger(t *testing.T) {
	var flushed []*model.Batch
	var mu sync.Mutex
	b := New(func(batch *model.Batch) {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, batch)
	})

	bnd := binding(2, time.Hour)
	key := model.NewDestinationKey("t", "tbl")
	b.Add(key, bnd, &model.ParsedRecord{Offset: 1})
	mu.Lock()
	require.Len(t, flushed, 0)
	mu.Unlock()

	b.Add(key, bnd, &model.ParsedRecord{Offset: 2})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 1)
	require.Len(t, flushed[0].Records, 2)
	require.Equal(t, int64(1), flushed[0].Records[0].Offset)
	require.Equal(t, int64(2), flushed[0].Records[1].Offset)
}

func TestAddPreservesOrderAcrossManyRecords(t *testing.T) {
	var flushed []*model.Batch
	b := New(func(batch *model.Batch) { flushed = append(flushed, batch) })
	bnd := binding(5, time.Hour)
	key := model.NewDestinationKey("t", "tbl")

	for i := int64(0); i < 5; i++ {
		b.Add(key, bnd, &model.ParsedRecord{Offset: i})
	}

	require.Len(t, flushed, 1)
	for i, rec := range flushed[0].Records {
		require.Equal(t, int64(i), rec.Offset)
	}
}

func TestFlushForcesPartialBatch(t *testing.T) {
	var flushed []*model.Batch
	b := New(func(batch *model.Batch) { flushed = append(flushed, batch) })
	bnd := binding(10, time.Hour)
	key := model.NewDestinationKey("t", "tbl")

	b.Add(key, bnd, &model.ParsedRecord{Offset: 1})
	b.Flush(key)

	require.Len(t, flushed, 1)
	require.Len(t, flushed[0].Records, 1)
}

func TestFlushOnEmptyDestinationIsNoop(t *testing.T) {
	called := false
	b := New(func(batch *model.Batch) { called = true })
	b.Flush(model.NewDestinationKey("missing", "tbl"))
	require.False(t, called)
}

func TestFlushAllDrainsEveryDestination(t *testing.T) {
	var flushed []*model.Batch
	var mu sync.Mutex
	b := New(func(batch *model.Batch) {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, batch)
	})
	bnd := binding(10, time.Hour)

	b.Add(model.NewDestinationKey("a", "t1"), bnd, &model.ParsedRecord{Offset: 1})
	b.Add(model.NewDestinationKey("b", "t2"), bnd, &model.ParsedRecord{Offset: 2})

	b.FlushAll()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 2)
}

func TestSwapResetsAccumulatorState(t *testing.T) {
	d := newDestinationBuffer(binding(10, time.Hour))
	d.add(&model.ParsedRecord{Offset: 1, ApproxByteSize: 100})
	batch := d.swap(model.NewDestinationKey("t", "tbl"))
	require.NotNil(t, batch)
	require.True(t, d.empty())
	require.Equal(t, time.Duration(0), d.age())

	again := d.swap(model.NewDestinationKey("t", "tbl"))
	require.Nil(t, again)
}

package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanout/internal/notification"
)

func TestPartition(t *testing.T) {
	tests := []struct {
		n, size   int
		batches   int
		lastBatch int
	}{
		{0, 50, 0, 0},
		{1, 50, 1, 1},
		{50, 50, 1, 50},
		{51, 50, 2, 1},
		{600, 50, 12, 50},
		{7, 0, 1, 7},
	}
	for _, tt := range tests {
		got := Partition(recipients(tt.n), tt.size)
		require.Len(t, got, tt.batches, "n=%d size=%d", tt.n, tt.size)
		if tt.batches > 0 {
			assert.Len(t, got[len(got)-1].Recipients, tt.lastBatch)
			assert.Equal(t, tt.batches-1, got[len(got)-1].Index)
		}
	}
}

func TestRunBatchesLargeAudience(t *testing.T) {
	rs := recipients(600)

	var (
		active, peak atomic.Int32
		mu           sync.Mutex
		seen         = map[string]int{}
	)
	agg := RunBatches(context.Background(), rs, 50, 10, func(ctx context.Context, b Batch) BatchResult {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		for _, r := range b.Recipients {
			seen[r.ID]++
		}
		mu.Unlock()
		active.Add(-1)
		return BatchResult{Tally: Tally{InAppSent: len(b.Recipients)}}
	})

	assert.Equal(t, 12, agg.Batches)
	assert.Equal(t, 600, agg.Tally.InAppSent)
	assert.Empty(t, agg.Errors)
	assert.LessOrEqual(t, peak.Load(), int32(10))
	assert.Len(t, seen, 600)
	for id, c := range seen {
		require.Equal(t, 1, c, "recipient %s attempted %d times", id, c)
	}
}

func TestRunBatchesIsolatesFailures(t *testing.T) {
	rs := recipients(250)
	agg := RunBatches(context.Background(), rs, 50, 3, func(ctx context.Context, b Batch) BatchResult {
		switch b.Index {
		case 1:
			panic("bad batch")
		case 3:
			return BatchResult{Errors: []error{errors.New("lookup failed")}}
		}
		return BatchResult{Tally: Tally{PushSent: len(b.Recipients)}}
	})

	assert.Equal(t, 5, agg.Batches)
	assert.Equal(t, 150, agg.Tally.PushSent)
	require.Len(t, agg.Errors, 2)
	assert.Contains(t, agg.Errors[0].Error(), "batch 1 panicked")
	assert.EqualError(t, agg.Errors[1], "lookup failed")
}

func TestRunBatchesStopsStartingAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int32
	agg := RunBatches(ctx, recipients(100), 10, 1, func(ctx context.Context, b Batch) BatchResult {
		if started.Add(1) == 2 {
			cancel()
		}
		return BatchResult{Tally: Tally{InAppSent: len(b.Recipients)}}
	})

	assert.Equal(t, 10, agg.Batches)
	assert.Less(t, int(started.Load()), 10)
	assert.Equal(t, int(started.Load())*10, agg.Tally.InAppSent)
	assert.Len(t, agg.Errors, 10-int(started.Load()))
}

func TestTallyMergeIsAssociativeAndCommutative(t *testing.T) {
	a := Tally{PushSent: 1, PushFailed: 2, InAppSent: 3}
	b := Tally{PushSent: 4, InAppFailed: 1}
	c := Tally{PushFailed: 7, InAppSent: 9}

	assert.Equal(t, a.Merge(b).Merge(c), a.Merge(b.Merge(c)))
	assert.Equal(t, a.Merge(b), b.Merge(a))
	assert.Equal(t, a, a.Merge(Tally{}))
}

func TestTallyStats(t *testing.T) {
	outs := []notification.DeliveryOutcome{
		{Channel: notification.ChannelPush, Status: notification.OutcomeSent},
		{Channel: notification.ChannelPush, Status: notification.OutcomeFailed},
		{Channel: notification.ChannelInApp, Status: notification.OutcomeSent},
		{Channel: notification.ChannelInApp, Status: notification.OutcomeSent},
	}
	st := TallyOutcomes(outs).Stats(2)
	assert.Equal(t, notification.DeliveryStats{
		Total: 2, Sent: 3, Delivered: 1, Failed: 1,
		PushSent: 1, PushFailed: 1, InAppSent: 2,
	}, st)
}

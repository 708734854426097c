package fanout

import (
	"context"
	"fmt"
	"sync"

	"fanout/internal/notification"
)

const (
	DefaultBatchSize     = 50
	DefaultMaxConcurrent = 10
)

// Batch is a consecutive slice of the resolved recipients.
type Batch struct {
	Index      int
	Recipients []notification.Recipient
}

// BatchResult is the immutable contribution of one batch.
type BatchResult struct {
	Index  int
	Tally  Tally
	Errors []error
}

// AggregateResult is the fold of every BatchResult of a dispatch.
type AggregateResult struct {
	Batches int
	Tally   Tally
	Errors  []error
}

type WorkFunc func(ctx context.Context, b Batch) BatchResult

// Partition splits recipients into consecutive groups of size.
func Partition(recipients []notification.Recipient, size int) []Batch {
	if size <= 0 {
		size = DefaultBatchSize
	}
	out := make([]Batch, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := min(start+size, len(recipients))
		out = append(out, Batch{Index: len(out), Recipients: recipients[start:end]})
	}
	return out
}

// RunBatches runs work over every batch with at most maxConcurrent batches in
// flight. A failing or panicking batch never stops its siblings. Batches not
// yet started when ctx is done are reported as errors without running.
func RunBatches(ctx context.Context, recipients []notification.Recipient, batchSize, maxConcurrent int, work WorkFunc) AggregateResult {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	batches := Partition(recipients, batchSize)
	results := make([]BatchResult, len(batches))

	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	for i, b := range batches {
		if err := acquire(ctx, sem); err != nil {
			results[i] = BatchResult{Index: b.Index, Errors: []error{fmt.Errorf("batch %d not started: %w", b.Index, err)}}
			continue
		}
		wg.Add(1)
		go func(i int, b Batch) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = runBatch(ctx, b, work)
		}(i, b)
	}
	wg.Wait()

	agg := Reduce(results...)
	agg.Batches = len(batches)
	return agg
}

func acquire(ctx context.Context, sem chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runBatch(ctx context.Context, b Batch, work WorkFunc) (res BatchResult) {
	defer func() {
		if r := recover(); r != nil {
			res = BatchResult{Index: b.Index, Errors: []error{fmt.Errorf("batch %d panicked: %v", b.Index, r)}}
		}
	}()
	res = work(ctx, b)
	res.Index = b.Index
	return res
}

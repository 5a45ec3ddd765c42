package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcess_ResultsInSubmissionOrder(t *testing.T) {
	items := make([]WorkItem[int], 10)
	for i := range items {
		i := i
		items[i] = WorkItem[int]{
			ID: fmt.Sprintf("item-%d", i),
			Execute: func(context.Context) (int, error) {
				// Later items finish first.
				time.Sleep(time.Duration(10-i) * time.Millisecond)
				return i * i, nil
			},
		}
	}

	results := Process(context.Background(), 4, items)
	require.Len(t, results, 10)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, fmt.Sprintf("item-%d", i), r.ID)
		assert.Equal(t, i*i, r.Result)
		assert.NoError(t, r.Err)
	}
}

func TestProcess_RespectsLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]WorkItem[struct{}], 12)
	for i := range items {
		items[i] = WorkItem[struct{}]{Execute: func(context.Context) (struct{}, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return struct{}{}, nil
		}}
	}

	Process(context.Background(), 3, items)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestProcess_ErrorsStayPerItem(t *testing.T) {
	boom := errors.New("boom")
	results := Process(context.Background(), 2, []WorkItem[string]{
		{ID: "a", Execute: func(context.Context) (string, error) { return "ok", nil }},
		{ID: "b", Execute: func(context.Context) (string, error) { return "", boom }},
		{ID: "c", Execute: func(context.Context) (string, error) { return "ok", nil }},
	})

	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, boom)
	assert.NoError(t, results[2].Err)
}

func TestProcess_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Int32
	items := make([]WorkItem[int], 3)
	for i := range items {
		items[i] = WorkItem[int]{Execute: func(ctx context.Context) (int, error) {
			ran.Add(1)
			return 0, ctx.Err()
		}}
	}

	for _, r := range Process(ctx, 1, items) {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestProcess_Empty(t *testing.T) {
	assert.Nil(t, Process[int](context.Background(), 2, nil))
}

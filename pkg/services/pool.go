package services

import (
	"context"
	"sync"
)

// WorkItem is one unit of bounded-parallel work.
type WorkItem[T any] struct {
	ID      string
	Execute func(ctx context.Context) (T, error)
}

// WorkResult is the outcome of a WorkItem. Index is the item's position
// in the submitted slice.
type WorkResult[T any] struct {
	ID     string
	Index  int
	Result T
	Err    error
}

// Process runs items with at most limit in flight and returns results in
// submission order. Every item runs even if others fail; items still
// waiting for a slot when ctx is done report ctx.Err().
func Process[T any](ctx context.Context, limit int, items []WorkItem[T]) []WorkResult[T] {
	if len(items) == 0 {
		return nil
	}
	if limit < 1 {
		limit = 1
	}

	results := make([]WorkResult[T], len(items))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(i int, item WorkItem[T]) {
			defer wg.Done()
			results[i] = WorkResult[T]{ID: item.ID, Index: i}

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i].Err = ctx.Err()
				return
			}

			results[i].Result, results[i].Err = item.Execute(ctx)
		}(i, item)
	}

	wg.Wait()
	return results
}

package archive

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency bounds parallel reads when Fetch is given no limit.
const DefaultConcurrency = 8

// FetchResult holds the outcome of a Fetch. Every requested key lands in
// exactly one of Bodies or Errors.
type FetchResult struct {
	Bodies map[string][]byte
	Errors map[string]error
}

// Keys returns the fetched keys in lexical order.
func (r *FetchResult) Keys() []string {
	keys := make([]string, 0, len(r.Bodies))
	for k := range r.Bodies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fetch reads and decompresses many archived bodies in parallel, at most
// concurrency at a time. Duplicate keys are read once. Per-key failures are
// collected rather than returned; the error is only for a cancelled ctx.
func (a *Archiver) Fetch(ctx context.Context, keys []string, concurrency int) (*FetchResult, error) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	result := &FetchResult{
		Bodies: make(map[string][]byte, len(keys)),
		Errors: make(map[string]error),
	}

	seen := make(map[string]bool, len(keys))
	sem := semaphore.NewWeighted(int64(concurrency))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true

		err := ctx.Err()
		if err == nil {
			err = sem.Acquire(ctx, 1)
		}
		if err != nil {
			wg.Wait()
			return result, fmt.Errorf("archive: fetch cancelled: %w", err)
		}
		wg.Add(1)
		go func(key string) {
			defer sem.Release(1)
			defer wg.Done()

			body, err := a.Get(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[key] = err
				return
			}
			result.Bodies[key] = body
		}(key)
	}
	wg.Wait()

	a.logger.Debug("archive: fetched bodies", "requested", len(seen), "failed", len(result.Errors))
	return result, nil
}

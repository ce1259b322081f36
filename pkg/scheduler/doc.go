// Package scheduler drives a crawl over an identifier range.
//
// Identifiers are dispatched in ascending order. In bounded mode a weighted
// semaphore caps the number of identifiers being fetched at once, and the
// dispatcher groups identifiers into batches:
//
//	sched, err := scheduler.New(fetcher, normalizer, st, scheduler.DefaultConfig(), logger)
//	summary, err := sched.Run(ctx, identifier.DefaultRange())
//
// For every batch the scheduler:
//   - Dispatches BatchSize identifiers, blocking while Concurrency are in flight
//   - Waits until every lookup of the batch has settled
//   - Normalizes and writes the fetched records
//   - Sleeps Pause before the next batch
//
// With Concurrency set to 1 the scheduler runs sequentially and each record
// is written before the next identifier is fetched.
package scheduler

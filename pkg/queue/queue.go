/*
Copyright 2026 The Spreadguard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package queue wraps the client-go workqueue with the semantics the
// reconciler relies on: key deduplication, single-flight per key, per-key
// exponential backoff after failures, and a queue-wide rate limit that bounds
// API pressure no matter how many policies are churning.
package queue

import (
	"time"

	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/workqueue"
)

// Key identifies exactly one SpreadPolicy instance.
type Key = types.NamespacedName

// Options tunes backoff and the global rate limit.
type Options struct {
	// BaseDelay and MaxDelay bound the per-key exponential backoff applied
	// by MarkFailed.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// QPS and Burst bound dispatch across the whole queue.
	QPS   float64
	Burst int

	// Name labels the queue in workqueue metrics.
	Name string
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  5 * time.Minute,
		QPS:       10,
		Burst:     20,
		Name:      "spreadpolicy",
	}
}

// WorkQueue is a deduplicating, rate-limited queue of reconcile keys.
//
// Invariants, all delegated to the underlying workqueue:
//   - a key never appears twice in the queue at once (duplicate enqueues collapse)
//   - a key being processed is never handed to a second worker (single-flight)
//   - enqueueing an in-flight key marks it dirty; MarkDone re-enqueues it
//     exactly once
type WorkQueue struct {
	queue workqueue.TypedRateLimitingInterface[Key]
}

// New builds a WorkQueue with per-key exponential backoff combined with a
// global token bucket, the greater delay of the two winning.
func New(opts Options) *WorkQueue {
	limiter := workqueue.NewTypedMaxOfRateLimiter[Key](
		workqueue.NewTypedItemExponentialFailureRateLimiter[Key](opts.BaseDelay, opts.MaxDelay),
		&workqueue.TypedBucketRateLimiter[Key]{Limiter: rate.NewLimiter(rate.Limit(opts.QPS), opts.Burst)},
	)
	return &WorkQueue{
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(limiter,
			workqueue.TypedRateLimitingQueueConfig[Key]{Name: opts.Name}),
	}
}

// Enqueue adds a key, collapsing duplicates. Enqueueing a key that is
// currently being processed marks it dirty so it reprocesses once the current
// attempt finishes.
func (q *WorkQueue) Enqueue(key Key) {
	q.queue.Add(key)
}

// EnqueueAfter schedules a key after a delay, e.g. a success-path recheck.
func (q *WorkQueue) EnqueueAfter(key Key, delay time.Duration) {
	q.queue.AddAfter(key, delay)
}

// Dequeue blocks until a key is available or the queue is shut down. Every
// dequeued key must be finished with exactly one of MarkDone, MarkFailed or
// Requeue.
func (q *WorkQueue) Dequeue() (Key, bool) {
	key, shutdown := q.queue.Get()
	return key, shutdown
}

// MarkDone clears the key's backoff and finishes the attempt. If the key was
// marked dirty while in flight, the workqueue re-enqueues it once.
func (q *WorkQueue) MarkDone(key Key) {
	q.queue.Forget(key)
	q.queue.Done(key)
}

// MarkFailed re-enqueues the key after its next backoff step and finishes the
// attempt.
func (q *WorkQueue) MarkFailed(key Key) {
	q.queue.AddRateLimited(key)
	q.queue.Done(key)
}

// Requeue finishes the attempt and re-enqueues immediately without a backoff
// penalty. Used after optimistic-concurrency conflicts, which need a fresh
// evaluation pass rather than a retry delay.
func (q *WorkQueue) Requeue(key Key) {
	q.queue.Forget(key)
	q.queue.Done(key)
	q.queue.Add(key)
}

// Len returns the number of keys waiting for dispatch.
func (q *WorkQueue) Len() int {
	return q.queue.Len()
}

// ShutDown stops the queue; blocked Dequeue calls return shutdown=true.
// Keys already handed to workers are drained without dispatching new ones.
func (q *WorkQueue) ShutDown() {
	q.queue.ShutDown()
}

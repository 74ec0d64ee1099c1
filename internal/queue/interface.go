package queue

import "context"

// Enqueuer is the surface handlers depend on for funneling work through
// the queue
type Enqueuer interface {
	// Enqueue submits a job and blocks until it completes
	Enqueue(ctx context.Context, label string, priority Priority, fn func(context.Context) (interface{}, error)) (interface{}, error)

	// Stats returns a snapshot of queue activity
	Stats() Stats
}

// Ensure RequestQueue implements Enqueuer
var _ Enqueuer = (*RequestQueue)(nil)

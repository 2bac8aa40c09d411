package queue

import "context"

// Client sends report jobs to a queue backend. Delivery is at-least-once:
// the pipeline checkpoints completed steps, so consumers tolerate duplicate
// messages for the same report.
type Client interface {
	Send(ctx context.Context, msg Message) error
}

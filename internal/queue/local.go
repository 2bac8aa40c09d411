package queue

import (
	"context"
	"fmt"
	"sync"
)

// LocalClient dispatches messages to an in-process handler on a goroutine.
// Used in dev mode where the API and worker run in the same binary.
type LocalClient struct {
	handler func(ctx context.Context, msg Message)
	wg      sync.WaitGroup
}

// NewLocalClient constructs a loopback queue client. The handler runs on its
// own goroutine per message with a background context, mirroring what an SQS
// consumer would do.
func NewLocalClient(handler func(ctx context.Context, msg Message)) *LocalClient {
	return &LocalClient{handler: handler}
}

// Send hands the message to the handler asynchronously.
func (l *LocalClient) Send(ctx context.Context, msg Message) error {
	if l.handler == nil {
		return fmt.Errorf("local queue has no handler")
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.handler(context.Background(), msg)
	}()
	return nil
}

// Wait blocks until all dispatched messages have been handled.
func (l *LocalClient) Wait() {
	l.wg.Wait()
}

var _ Client = (*LocalClient)(nil)

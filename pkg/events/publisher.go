package events

import "context"

// LifecyclePublisher is the interface for publishing connection
// lifecycle events.
type LifecyclePublisher interface {
	PublishLifecycle(ctx context.Context, event *ConnectionLifecycleEvent) error
}

// NoOpPublisher is a LifecyclePublisher that does nothing (for
// in-process usage without a message bus).
type NoOpPublisher struct{}

// PublishLifecycle is a no-op.
func (p *NoOpPublisher) PublishLifecycle(_ context.Context, _ *ConnectionLifecycleEvent) error {
	return nil
}

// CallbackPublisher is a LifecyclePublisher that calls a callback
// function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *ConnectionLifecycleEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *ConnectionLifecycleEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishLifecycle calls the callback.
func (p *CallbackPublisher) PublishLifecycle(ctx context.Context, event *ConnectionLifecycleEvent) error {
	return p.callback(ctx, event)
}

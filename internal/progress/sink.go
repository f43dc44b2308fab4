package progress

import "context"

// Sink receives batches of job events. Consume is called from a single
// goroutine and must honor ctx.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// SinkFunc adapts a function to Sink. Close is a no-op.
type SinkFunc func(ctx context.Context, batch []Event) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

// Close implements Sink.
func (SinkFunc) Close(context.Context) error { return nil }

// Emitter is what the orchestrator needs from a Hub.
type Emitter interface {
	Emit(evt Event)
}

// Package worker implements the event consumption loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/clipbrief/internal/clip"
	"github.com/JakeFAU/clipbrief/internal/metrics"
)

// Handler processes one inbound event to completion.
type Handler interface {
	Handle(ctx context.Context, item clip.QueueItem) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item clip.QueueItem) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, item clip.QueueItem) error {
	return f(ctx, item)
}

// Worker consumes queue items and hands them to the handler.
type Worker struct {
	id      int
	queue   clip.Queue
	handler Handler
	logger  *zap.Logger
}

// New constructs a Worker.
func New(id int, queue clip.Queue, handler Handler, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		queue:   queue,
		handler: handler,
		logger:  logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue is
// closed and drained.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, clip.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued event",
			zap.String("request_id", item.RequestID),
			zap.String("kind", kindOf(item)),
		)
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item clip.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := time.Now()
	err := w.safeHandle(ctx, item)
	fields := []zap.Field{
		zap.String("request_id", item.RequestID),
		zap.String("kind", kindOf(item)),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		w.logger.Error("event handling failed", append(fields, zap.Error(err))...)
		return
	}
	w.logger.Debug("event handled", fields...)
}

func (w *Worker) safeHandle(ctx context.Context, item clip.QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	if w.handler == nil {
		return errors.New("no handler configured")
	}
	return w.handler.Handle(ctx, item)
}

func kindOf(item clip.QueueItem) string {
	if item.Event == nil {
		return "none"
	}
	return string(item.Event.Kind())
}

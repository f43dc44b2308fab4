// Package status keeps a single user-visible progress message per job.
package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/clipbrief/internal/clip"
	"github.com/JakeFAU/clipbrief/internal/metrics"
)

// DefaultHeartbeatInterval is how often the heartbeat edits the message.
const DefaultHeartbeatInterval = 10 * time.Second

// Factory creates Reporters sharing a transport and heartbeat interval.
type Factory struct {
	messenger clip.Messenger
	interval  time.Duration
	logger    *zap.Logger
}

// NewFactory constructs a Factory. A non-positive interval uses the default.
func NewFactory(messenger clip.Messenger, interval time.Duration, logger *zap.Logger) *Factory {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{messenger: messenger, interval: interval, logger: logger.Named("status")}
}

// New returns a Reporter for one job replying to replyTo in chatID.
func (f *Factory) New(chatID, replyTo int64) *Reporter {
	return &Reporter{
		messenger: f.messenger,
		chatID:    chatID,
		replyTo:   replyTo,
		interval:  f.interval,
		logger:    f.logger.With(zap.Int64("chat_id", chatID), zap.Int64("reply_to", replyTo)),
	}
}

// Reporter owns one job's status message. All writes are serialised, and
// nothing is written after Finish.
type Reporter struct {
	messenger clip.Messenger
	chatID    int64
	replyTo   int64
	interval  time.Duration
	logger    *zap.Logger

	mu        sync.Mutex
	messageID int64
	final     bool
	stopBeat  func()
}

// Start sends the initial message threaded to the triggering message. When
// the send fails later updates are sent as standalone messages.
func (r *Reporter) Start(ctx context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final || r.messageID != 0 {
		return
	}
	id, err := r.messenger.SendMessage(ctx, clip.OutboundMessage{ChatID: r.chatID, Text: text, ReplyTo: r.replyTo})
	if err != nil {
		metrics.ObserveStatusEdit("send_error")
		r.logger.Warn("initial status send failed", zap.Error(err))
		return
	}
	metrics.ObserveStatusEdit("sent")
	r.messageID = id
}

// Attach adopts an existing message (e.g. the one carrying a re-run button)
// as the status message.
func (r *Reporter) Attach(messageID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messageID = messageID
}

// MessageID returns the status message id, or 0 when none was obtained.
func (r *Reporter) MessageID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messageID
}

// Update replaces the status text. It is a no-op after Finish.
func (r *Reporter) Update(ctx context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final {
		return
	}
	r.writeLocked(ctx, text)
}

// Finish stops any running heartbeat, then writes the terminal text. Later
// calls to Update, Finish or heartbeat ticks write nothing.
func (r *Reporter) Finish(ctx context.Context, text string) {
	r.mu.Lock()
	stop := r.stopBeat
	r.stopBeat = nil
	r.mu.Unlock()
	if stop != nil {
		stop()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final {
		return
	}
	r.final = true
	r.writeLocked(ctx, text)
}

// Finished reports whether Finish has been called.
func (r *Reporter) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.final
}

// Heartbeat edits the message every interval with label and the elapsed time
// until the returned stop function is called. stop blocks until the ticker
// goroutine has exited, so no tick can land after it returns. onTick, if set,
// runs after each edit. Without a status message id there is nothing to edit
// and no heartbeat runs.
func (r *Reporter) Heartbeat(ctx context.Context, label string, onTick func(elapsed time.Duration)) (stop func()) {
	r.mu.Lock()
	if r.final || r.messageID == 0 {
		r.mu.Unlock()
		return func() {}
	}
	beatCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	r.stopBeat = stop
	r.mu.Unlock()

	started := time.Now()
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-beatCtx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(started)
				if !r.tick(beatCtx, fmt.Sprintf("%s (%ds elapsed)", label, int(elapsed.Seconds()))) {
					return
				}
				if onTick != nil {
					onTick(elapsed)
				}
			}
		}
	}()
	return stop
}

// tick writes a heartbeat edit unless the reporter is final or the heartbeat
// was cancelled while waiting for the lock.
func (r *Reporter) tick(ctx context.Context, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final || ctx.Err() != nil {
		return false
	}
	r.writeLocked(ctx, text)
	return true
}

func (r *Reporter) writeLocked(ctx context.Context, text string) {
	if r.messageID == 0 {
		if _, err := r.messenger.SendMessage(ctx, clip.OutboundMessage{ChatID: r.chatID, Text: text}); err != nil {
			metrics.ObserveStatusEdit("send_error")
			r.logger.Warn("standalone status send failed", zap.Error(err))
			return
		}
		metrics.ObserveStatusEdit("sent")
		return
	}
	if err := r.messenger.EditMessage(ctx, r.chatID, r.messageID, text); err != nil {
		metrics.ObserveStatusEdit("edit_error")
		r.logger.Warn("status edit failed", zap.Int64("message_id", r.messageID), zap.Error(err))
		return
	}
	metrics.ObserveStatusEdit("edited")
}

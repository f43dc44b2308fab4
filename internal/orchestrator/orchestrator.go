// Package orchestrator drives one inbound chat event through deduplication,
// download, analysis and reporting. It is the only caller of the Download and
// Analysis steps.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/clipbrief/internal/clip"
	"github.com/JakeFAU/clipbrief/internal/progress"
	"github.com/JakeFAU/clipbrief/internal/status"
	"github.com/JakeFAU/clipbrief/internal/telemetry"
)

// Analyzer runs the Analysis Step.
type Analyzer interface {
	Analyze(ctx context.Context, in clip.AnalysisInput) (clip.AnalysisResult, error)
}

// Limiter admits new jobs per chat.
type Limiter interface {
	AllowChat(chatID int64) bool
}

// Cleaner removes every local file written for a download name. Downloaders
// that implement it are asked to clean up even when the download failed.
type Cleaner interface {
	Cleanup(name string) error
}

// Config carries the behavior knobs of the orchestrator.
type Config struct {
	// TargetChatID restricts processing to one chat; 0 accepts every chat.
	TargetChatID int64
	// PublicBaseURL, when set together with ServeArtifacts, is used to link
	// saved artifacts in final replies.
	PublicBaseURL string
	// ServeArtifacts reports that saved results are reachable under
	// <PublicBaseURL>/artifacts/, which holds for the local backend only.
	ServeArtifacts bool
	// NotifyTopic receives a completion notice per successful analysis.
	NotifyTopic string
}

// Deps are the collaborators an Orchestrator coordinates. Publisher, Progress
// and Limiter are optional.
type Deps struct {
	Jobs       clip.JobStore
	Artifacts  clip.ArtifactStore
	Downloader clip.Downloader
	Analyzer   Analyzer
	Messenger  clip.Messenger
	Status     *status.Factory
	Publisher  clip.Publisher
	Progress   progress.Emitter
	Limiter    Limiter
	Clock      clip.Clock
}

// Orchestrator is the per-event state machine.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates deps and returns an Orchestrator.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("orchestrator: job store is required")
	case deps.Artifacts == nil:
		return nil, errors.New("orchestrator: artifact store is required")
	case deps.Downloader == nil:
		return nil, errors.New("orchestrator: downloader is required")
	case deps.Analyzer == nil:
		return nil, errors.New("orchestrator: analyzer is required")
	case deps.Messenger == nil:
		return nil, errors.New("orchestrator: messenger is required")
	case deps.Clock == nil:
		return nil, errors.New("orchestrator: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Status == nil {
		deps.Status = status.NewFactory(deps.Messenger, 0, logger)
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger.Named("orchestrator")}, nil
}

// Handle processes one queued event. It satisfies worker.Handler. Failures are
// reported to the chat and never returned, except for a nil event.
func (o *Orchestrator) Handle(ctx context.Context, item clip.QueueItem) error {
	if item.Event == nil {
		return errors.New("orchestrator: empty queue item")
	}
	logger := o.logger.With(zap.String("request_id", item.RequestID))
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.handle",
		attribute.String("event.kind", string(item.Event.Kind())),
		attribute.String("request_id", item.RequestID))
	defer span.End()

	switch ev := item.Event.(type) {
	case clip.MessageEvent:
		o.handleMessage(ctx, ev, logger.With(zap.Int64("message_id", ev.MessageID), zap.Int64("chat_id", ev.ChatID)))
	case clip.CallbackEvent:
		o.handleCallback(ctx, ev, logger.With(zap.String("callback_id", ev.CallbackID), zap.Int64("chat_id", ev.ChatID)))
	case clip.Unrecognized:
		logger.Debug("ignoring unrecognized update", zap.Int64("update_id", ev.UpdateID), zap.String("reason", ev.Reason))
	default:
		logger.Warn("unknown event type", zap.String("type", fmt.Sprintf("%T", ev)))
	}
	return nil
}

func (o *Orchestrator) acceptsChat(chatID int64) bool {
	return o.cfg.TargetChatID == 0 || chatID == o.cfg.TargetChatID
}

// emit forwards a progress event, filling in the timestamp.
func (o *Orchestrator) emit(evt progress.Event) {
	if o.deps.Progress == nil {
		return
	}
	evt.TS = o.deps.Clock.Now()
	o.deps.Progress.Emit(evt)
}

func (o *Orchestrator) since(start time.Time) time.Duration {
	d := o.deps.Clock.Now().Sub(start)
	if d < 0 {
		return 0
	}
	return d
}

package orchestrator

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/clipbrief/internal/clip"
	"github.com/JakeFAU/clipbrief/internal/metrics"
	"github.com/JakeFAU/clipbrief/internal/progress"
	"github.com/JakeFAU/clipbrief/internal/status"
)

// User-facing notices.
const (
	msgNoLink          = "No link detected. Send a message containing a video URL."
	msgDuplicate       = "Already processed this link. Tap below to run the analysis again."
	msgRerunButton     = "Re-run analysis"
	msgSlowDown        = "Too many requests from this chat, please slow down and try again shortly."
	msgDownloading     = "Downloading…"
	msgAnalyzing       = "Analyzing…"
	msgRerunning       = "Re-running analysis…"
	msgNoURLForMessage = "No URL found for this message."
	msgUnknownAction   = "Unknown action."
	msgJobCreate       = "Could not start processing this link. Please try again later."
	msgDownloadFailed  = "Download failed. The link may be private, removed or unsupported."
	msgLookupFailed    = "Could not check this link right now. Please try again later."
	msgUnexpected      = "Something went wrong while processing this link."
)

var urlPattern = regexp.MustCompile(`https?://\S+`)

// ExtractURL returns the first http(s) URL in text without trailing
// punctuation, or "" when there is none.
func ExtractURL(text string) string {
	return strings.TrimRight(urlPattern.FindString(text), `.,;:!?"')]>`)
}

func (o *Orchestrator) handleMessage(ctx context.Context, ev clip.MessageEvent, logger *zap.Logger) {
	var rep *status.Reporter
	defer o.guard(ctx, ev.ChatID, ev.MessageID, &rep, logger)

	if !o.acceptsChat(ev.ChatID) {
		logger.Debug("ignoring message from other chat")
		return
	}
	if ev.MessageID == 0 {
		return
	}

	url := ExtractURL(ev.Text)
	if url == "" {
		o.reply(ctx, clip.OutboundMessage{ChatID: ev.ChatID, ReplyTo: ev.MessageID, Text: msgNoLink}, logger)
		return
	}
	logger = logger.With(zap.String("url", url))

	prior, err := o.deps.Jobs.GetJobByURL(ctx, url)
	switch {
	case err == nil && prior.Status == clip.JobStatusDone:
		token := clip.RerunToken{PriorMessageID: prior.MessageID, NewMessageID: ev.MessageID}
		o.reply(ctx, clip.OutboundMessage{
			ChatID:  ev.ChatID,
			ReplyTo: ev.MessageID,
			Text:    msgDuplicate,
			Action:  &clip.InlineAction{Label: msgRerunButton, Data: token.String()},
		}, logger)
		o.emit(progress.Event{MessageID: ev.MessageID, Stage: progress.StageJobDuplicate, Site: metrics.SanitizeSite(url), URL: url})
		metrics.ObserveJob("duplicate")
		logger.Info("duplicate link", zap.Int64("prior_message_id", prior.MessageID))
		return
	case err != nil && !errors.Is(err, clip.ErrJobNotFound):
		logger.Error("job lookup failed", zap.Error(err))
		o.reply(ctx, clip.OutboundMessage{ChatID: ev.ChatID, ReplyTo: ev.MessageID, Text: msgLookupFailed}, logger)
		return
	}

	if o.deps.Limiter != nil && !o.deps.Limiter.AllowChat(ev.ChatID) {
		logger.Info("chat rate limited")
		o.reply(ctx, clip.OutboundMessage{ChatID: ev.ChatID, ReplyTo: ev.MessageID, Text: msgSlowDown}, logger)
		return
	}

	rep = o.deps.Status.New(ev.ChatID, ev.MessageID)
	rep.Start(ctx, msgDownloading)
	o.run(ctx, jobRun{messageID: ev.MessageID, url: url, reporter: rep}, logger)
}

func (o *Orchestrator) handleCallback(ctx context.Context, ev clip.CallbackEvent, logger *zap.Logger) {
	var rep *status.Reporter
	defer o.guard(ctx, ev.ChatID, 0, &rep, logger)

	if !o.acceptsChat(ev.ChatID) {
		o.answer(ctx, ev.CallbackID, "", logger)
		return
	}
	token, err := clip.ParseRerunToken(ev.Data)
	if err != nil {
		logger.Warn("unparseable callback data", zap.String("data", ev.Data), zap.Error(err))
		o.answer(ctx, ev.CallbackID, msgUnknownAction, logger)
		return
	}
	logger = logger.With(zap.Int64("prior_message_id", token.PriorMessageID), zap.Int64("message_id", token.NewMessageID))

	prior, err := o.deps.Jobs.GetJobByMessageID(ctx, token.PriorMessageID)
	if err != nil || prior.URL == "" {
		if err != nil && !errors.Is(err, clip.ErrJobNotFound) {
			logger.Error("prior job lookup failed", zap.Error(err))
		}
		o.answer(ctx, ev.CallbackID, msgNoURLForMessage, logger)
		return
	}
	if o.deps.Limiter != nil && !o.deps.Limiter.AllowChat(ev.ChatID) {
		o.answer(ctx, ev.CallbackID, msgSlowDown, logger)
		return
	}

	o.answer(ctx, ev.CallbackID, msgRerunning, logger)
	rep = o.deps.Status.New(ev.ChatID, token.NewMessageID)
	rep.Attach(ev.MessageID)
	rep.Update(ctx, msgRerunning)
	o.run(ctx, jobRun{
		messageID: token.NewMessageID,
		url:       prior.URL,
		rerunOf:   prior.MessageID,
		reporter:  rep,
	}, logger.With(zap.String("url", prior.URL)))
}

// guard converts a panic into one failure notice. It is deferred directly so
// that recover sees the panic.
func (o *Orchestrator) guard(ctx context.Context, chatID, replyTo int64, rep **status.Reporter, logger *zap.Logger) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error("event handling panicked", zap.Any("panic", r), zap.Stack("stack"))
	metrics.ObserveJob("failed")
	if *rep != nil {
		(*rep).Finish(ctx, msgUnexpected)
		return
	}
	o.reply(ctx, clip.OutboundMessage{ChatID: chatID, ReplyTo: replyTo, Text: msgUnexpected}, logger)
}

func (o *Orchestrator) reply(ctx context.Context, msg clip.OutboundMessage, logger *zap.Logger) {
	if _, err := o.deps.Messenger.SendMessage(ctx, msg); err != nil {
		logger.Warn("reply failed", zap.Error(err))
	}
}

func (o *Orchestrator) answer(ctx context.Context, callbackID, text string, logger *zap.Logger) {
	if err := o.deps.Messenger.AnswerCallback(ctx, callbackID, text); err != nil {
		logger.Warn("answer callback failed", zap.Error(err))
	}
}

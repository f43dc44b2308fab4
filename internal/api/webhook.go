package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/clipbrief/internal/clip"
	"github.com/JakeFAU/clipbrief/internal/metrics"
	"github.com/JakeFAU/clipbrief/internal/telegram"
)

// SecretHeader carries the token configured with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// webhook acknowledges every authentic update with 200, including ones it
// cannot decode or has to drop, so the transport does not redeliver them.
func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookSecret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.WebhookSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid secret token")
			return
		}
	}

	reqID := RequestIDFromContext(r.Context())
	logger := s.logger.With(zap.String("request_id", reqID))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		logger.Warn("webhook body unreadable", zap.Error(err))
		metrics.ObserveWebhookEvent("malformed")
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	event, err := telegram.Parse(body)
	if err != nil {
		logger.Warn("webhook body malformed", zap.Error(err))
		metrics.ObserveWebhookEvent("malformed")
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	metrics.ObserveWebhookEvent(string(event.Kind()))

	if unknown, ok := event.(clip.Unrecognized); ok {
		logger.Debug("ignoring update", zap.Int64("update_id", unknown.UpdateID), zap.String("reason", unknown.Reason))
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	item := clip.QueueItem{Event: event, RequestID: reqID}
	if s.deps.Clock != nil {
		item.ReceivedAt = s.deps.Clock.Now()
	}
	if err := s.deps.Intake.TryEnqueue(item); err != nil {
		metrics.ObserveWebhookDropped()
		level := zap.WarnLevel
		if !errors.Is(err, clip.ErrQueueFull) {
			level = zap.ErrorLevel
		}
		logger.Log(level, "webhook event dropped", zap.String("kind", string(event.Kind())), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Package telegram adapts the Telegram Bot API to the clip transport
// interfaces: outbound messages go through Messenger and inbound webhook bodies
// are decoded by Parse.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/clipbrief/internal/clip"
)

// MaxMessageRunes is the longest text Telegram accepts in one message.
const MaxMessageRunes = 4096

// Config describes how to reach the Bot API.
type Config struct {
	Token string
	// Endpoint overrides the Bot API URL template (tgbotapi.APIEndpoint).
	Endpoint   string
	HTTPClient *http.Client
}

// Messenger implements clip.Messenger on top of tgbotapi.
type Messenger struct {
	bot    *tgbotapi.BotAPI
	logger *zap.Logger
}

var _ clip.Messenger = (*Messenger)(nil)

// New authenticates against the Bot API and returns a Messenger.
func New(cfg Config, logger *zap.Logger) (*Messenger, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.Endpoint, cfg.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	logger.Info("telegram bot authorized", zap.String("username", bot.Self.UserName))
	return &Messenger{bot: bot, logger: logger.Named("telegram")}, nil
}

// SendMessage posts msg and returns the new message id.
func (m *Messenger) SendMessage(ctx context.Context, msg clip.OutboundMessage) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	out := tgbotapi.NewMessage(msg.ChatID, Truncate(msg.Text, MaxMessageRunes))
	if msg.ReplyTo != 0 {
		out.ReplyToMessageID = int(msg.ReplyTo)
	}
	if msg.Action != nil {
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(msg.Action.Label, msg.Action.Data)),
		)
	}
	sent, err := m.bot.Send(out)
	if err != nil {
		return 0, fmt.Errorf("%w: send: %w", clip.ErrTransportSendFailed, err)
	}
	return int64(sent.MessageID), nil
}

// EditMessage replaces the text of an existing message.
func (m *Messenger) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, int(messageID), Truncate(text, MaxMessageRunes))
	if _, err := m.bot.Request(edit); err != nil {
		return fmt.Errorf("%w: edit: %w", clip.ErrTransportSendFailed, err)
	}
	return nil
}

// AnswerCallback acknowledges a button press; text may be empty.
func (m *Messenger) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := m.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return fmt.Errorf("%w: answer callback: %w", clip.ErrTransportSendFailed, err)
	}
	return nil
}

// Truncate cuts s to at most limit runes, marking the cut with an ellipsis.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}

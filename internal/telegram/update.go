package telegram

import (
	"encoding/json"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/JakeFAU/clipbrief/internal/clip"
)

// Parse decodes a webhook body into a clip.Event. Bodies that are valid JSON
// but carry nothing actionable yield clip.Unrecognized; malformed JSON is an
// error.
func Parse(body []byte) (clip.Event, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	return FromUpdate(update), nil
}

// FromUpdate converts a decoded update.
func FromUpdate(update tgbotapi.Update) clip.Event {
	updateID := int64(update.UpdateID)

	if cb := update.CallbackQuery; cb != nil {
		if cb.Message == nil || cb.Message.Chat == nil {
			return clip.Unrecognized{UpdateID: updateID, Reason: "callback without message"}
		}
		ev := clip.CallbackEvent{
			UpdateID:   updateID,
			CallbackID: cb.ID,
			ChatID:     cb.Message.Chat.ID,
			MessageID:  int64(cb.Message.MessageID),
			Data:       cb.Data,
		}
		if cb.From != nil {
			ev.SenderID = cb.From.ID
		}
		return ev
	}

	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil {
		return clip.Unrecognized{UpdateID: updateID, Reason: "no message or callback"}
	}
	if msg.Chat == nil {
		return clip.Unrecognized{UpdateID: updateID, Reason: "message without chat"}
	}
	text := msg.Text
	if strings.TrimSpace(text) == "" {
		text = msg.Caption
	}
	ev := clip.MessageEvent{
		UpdateID:  updateID,
		ChatID:    msg.Chat.ID,
		MessageID: int64(msg.MessageID),
		Text:      text,
	}
	if msg.From != nil {
		ev.SenderID = msg.From.ID
	}
	return ev
}

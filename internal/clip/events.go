package clip

// EventKind names the variant carried by an Event.
type EventKind string

// Supported inbound event kinds.
const (
	EventKindMessage      EventKind = "message"
	EventKindCallback     EventKind = "callback"
	EventKindUnrecognized EventKind = "unrecognized"
)

// Event is an inbound chat event after boundary validation. The concrete type is
// one of MessageEvent, CallbackEvent or Unrecognized.
type Event interface {
	Kind() EventKind
}

// MessageEvent is a chat message with a known chat and message id.
type MessageEvent struct {
	UpdateID  int64
	ChatID    int64
	MessageID int64
	SenderID  int64
	Text      string
}

// Kind implements Event.
func (MessageEvent) Kind() EventKind { return EventKindMessage }

// CallbackEvent is a button press on a message previously sent by the bot.
type CallbackEvent struct {
	UpdateID   int64
	CallbackID string
	SenderID   int64
	ChatID     int64
	MessageID  int64
	Data       string
}

// Kind implements Event.
func (CallbackEvent) Kind() EventKind { return EventKindCallback }

// Unrecognized is any update the pipeline acknowledges and ignores.
type Unrecognized struct {
	UpdateID int64
	Reason   string
}

// Kind implements Event.
func (Unrecognized) Kind() EventKind { return EventKindUnrecognized }

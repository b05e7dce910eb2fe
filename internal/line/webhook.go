package line

import (
	"encoding/json"
	"fmt"

	"gwi.com/faq-responder/internal/core"
)

// WebhookPayload is the body LINE posts to the webhook URL.
type WebhookPayload struct {
	Destination string  `json:"destination"`
	Events      []Event `json:"events"`
}

type Event struct {
	Type           string   `json:"type"`
	Mode           string   `json:"mode,omitempty"`
	Timestamp      int64    `json:"timestamp"`
	WebhookEventID string   `json:"webhookEventId,omitempty"`
	ReplyToken     string   `json:"replyToken,omitempty"`
	Source         Source   `json:"source"`
	Message        *Message `json:"message,omitempty"`
}

type Source struct {
	Type    string `json:"type"`
	UserID  string `json:"userId,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
}

type Message struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ID returns the address a push message for this source should go to.
func (s Source) ID() string {
	switch {
	case s.GroupID != "":
		return s.GroupID
	case s.RoomID != "":
		return s.RoomID
	}
	return s.UserID
}

// IsText reports whether the event is a user text message.
func (e Event) IsText() bool {
	return e.Type == "message" && e.Message != nil && e.Message.Type == "text"
}

func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid webhook payload: %w", core.ErrValidation, err)
	}
	return &payload, nil
}

// InboundMessages returns one message per text event. Every message carries
// the whole raw body and signature, since that is what the signature covers.
func (p *WebhookPayload) InboundMessages(body []byte, signature string) []core.InboundMessage {
	var out []core.InboundMessage
	for _, ev := range p.Events {
		if !ev.IsText() {
			continue
		}
		out = append(out, core.InboundMessage{
			SenderID:     ev.Source.ID(),
			ReplyToken:   ev.ReplyToken,
			Text:         ev.Message.Text,
			RawSignature: signature,
			RawBody:      body,
		})
	}
	return out
}

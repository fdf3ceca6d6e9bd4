package bus

import (
	"context"
	"encoding/json"
)

// ClaimAction tells the outbound side what to do with the conversation claim.
type ClaimAction string

const (
	ClaimExtend  ClaimAction = "extend"
	ClaimRelease ClaimAction = "release"
	ClaimRevert  ClaimAction = "revert"
)

// InboundMessage is the normalized unit handed to the agent runtime.
type InboundMessage struct {
	Channel    string         `json:"channel"`
	SenderID   string         `json:"sender_id"`
	MessageID  string         `json:"message_id"`
	Content    string         `json:"content"`
	SessionKey string         `json:"session_key"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	// Reply sends responses tied to this inbound message.
	Reply ReplyRoute `json:"-"`
}

// Button is one quick-reply option rendered by the outbound side.
type Button struct {
	Title   string `json:"title"`
	Payload string `json:"payload,omitempty"`
}

// OutboundMessage describes one reply. Which fields are set selects the
// delivery path, see the channel implementation for the priority order.
type OutboundMessage struct {
	Text     string          `json:"text,omitempty"`
	Image    string          `json:"image,omitempty"`
	Document string          `json:"document,omitempty"`
	Buttons  []Button        `json:"buttons,omitempty"`
	Custom   json.RawMessage `json:"custom,omitempty"`
	Claim    ClaimAction     `json:"claim,omitempty"`
}

// ReplyRoute delivers replies for one inbound message.
type ReplyRoute interface {
	Send(ctx context.Context, recipientID string, reply OutboundMessage) error
}

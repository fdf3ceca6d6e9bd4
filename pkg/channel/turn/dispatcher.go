package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"turnrelay/pkg/bus"
	"turnrelay/pkg/logger"
)

type textBody struct {
	Body string `json:"body"`
}

type mediaBody struct {
	ID      string `json:"id"`
	Caption string `json:"caption,omitempty"`
}

type messagePayload struct {
	To       string     `json:"to"`
	Type     string     `json:"type"`
	Text     *textBody  `json:"text,omitempty"`
	Image    *mediaBody `json:"image,omitempty"`
	Document *mediaBody `json:"document,omitempty"`
}

// Dispatcher delivers agent replies to the Turn messages API. A dispatcher
// bound with ForMessage carries the claim and message id of one inbound
// message and implements bus.ReplyRoute.
type Dispatcher struct {
	client    *Client
	media     *MediaResolver
	claim     string
	messageID string
	log       *slog.Logger
}

func NewDispatcher(client *Client, media *MediaResolver, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{client: client, media: media, log: log}
}

// ForMessage returns a copy of d bound to an inbound conversation claim and message id.
func (d *Dispatcher) ForMessage(claim string, messageID string) *Dispatcher {
	bound := *d
	bound.claim = claim
	bound.messageID = messageID
	return &bound
}

// Route adapts ForMessage to the webhook's route factory.
func (d *Dispatcher) Route(claim string, messageID string) bus.ReplyRoute {
	return d.ForMessage(claim, messageID)
}

// Send delivers reply to recipientID.
//
// The first present field picks the shape: image, document, custom,
// buttons with text, then text. A revert claim with a known message id hands
// the conversation back to automation instead of sending a message.
func (d *Dispatcher) Send(ctx context.Context, recipientID string, reply bus.OutboundMessage) error {
	log := d.log.With("recipient_id", recipientID, "message_id", d.messageID)

	if reply.Claim == bus.ClaimRevert && d.messageID != "" {
		if err := d.revertToAutomation(ctx); err != nil {
			log.Error("Automation handoff failed", "error", err)
			return err
		}
		log.Info("Handed conversation back to automation")
		return nil
	}

	payload, err := d.buildPayload(ctx, recipientID, reply)
	if err != nil {
		log.Error("Reply not sent", "error", err, "reply", logger.Preview(reply))
		return err
	}

	endpoint, err := d.client.endpoint("v1", "messages")
	if err != nil {
		return newError(ErrorDelivery, "build messages endpoint", err)
	}

	response, err := d.client.postJSON(ctx, "send message", endpoint, d.claimHeaders(reply.Claim), payload)
	if err != nil {
		log.Error("Reply delivery failed", "error", err, "payload", logger.Preview(payload))
		return err
	}

	log.Debug("Reply delivered", "turn_message_id", gjson.GetBytes(response, "messages.0.id").String())
	return nil
}

func (d *Dispatcher) buildPayload(ctx context.Context, recipientID string, reply bus.OutboundMessage) ([]byte, error) {
	switch {
	case reply.Image != "":
		return d.mediaPayload(ctx, recipientID, "image", reply.Image, reply.Text)
	case reply.Document != "":
		return d.mediaPayload(ctx, recipientID, "document", reply.Document, reply.Text)
	case len(reply.Custom) > 0:
		return customPayload(recipientID, reply.Custom)
	case len(reply.Buttons) > 0 && reply.Text != "":
		return textPayload(recipientID, reply.Text+numberedButtons(reply.Buttons))
	case reply.Text != "":
		return textPayload(recipientID, reply.Text)
	default:
		return nil, newError(ErrorUnsupportedReplyShape, "reply has no text, image, document or custom payload", nil)
	}
}

func (d *Dispatcher) mediaPayload(ctx context.Context, recipientID string, kind string, sourceURL string, caption string) ([]byte, error) {
	if d.media == nil {
		return nil, newError(ErrorMediaFetch, "media resolver is not configured", nil)
	}

	handle, err := d.media.Resolve(ctx, d.client.BaseURL(), d.client.Token(), sourceURL)
	if err != nil {
		return nil, err
	}

	payload := messagePayload{To: recipientID, Type: kind}
	body := &mediaBody{ID: handle, Caption: caption}
	if kind == "image" {
		payload.Image = body
	} else {
		payload.Document = body
	}

	return marshalPayload(payload)
}

func customPayload(recipientID string, custom json.RawMessage) ([]byte, error) {
	if !gjson.ValidBytes(custom) || !gjson.ParseBytes(custom).IsObject() {
		return nil, newError(ErrorUnsupportedReplyShape, "custom payload must be a JSON object", nil)
	}

	payload, err := sjson.SetBytes(custom, "to", recipientID)
	if err != nil {
		return nil, newError(ErrorUnsupportedReplyShape, "inject recipient into custom payload", err)
	}

	return payload, nil
}

func textPayload(recipientID string, text string) ([]byte, error) {
	return marshalPayload(messagePayload{To: recipientID, Type: "text", Text: &textBody{Body: text}})
}

func marshalPayload(payload messagePayload) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, newError(ErrorDelivery, "encode payload", err)
	}
	return encoded, nil
}

// numberedButtons renders buttons as "\n1: Title" lines appended to the text body.
func numberedButtons(buttons []bus.Button) string {
	var b strings.Builder
	for i, button := range buttons {
		b.WriteString("\n")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(": ")
		b.WriteString(button.Title)
	}
	return b.String()
}

func (d *Dispatcher) claimHeaders(action bus.ClaimAction) http.Header {
	header := http.Header{}
	if d.claim == "" {
		return header
	}

	switch action {
	case bus.ClaimRelease, bus.ClaimRevert:
		header.Set(HeaderClaimRelease, d.claim)
	default:
		header.Set(HeaderClaimExtend, d.claim)
	}
	return header
}

func (d *Dispatcher) revertToAutomation(ctx context.Context) error {
	endpoint, err := d.client.endpoint("v1", "messages", d.messageID, "automation")
	if err != nil {
		return newError(ErrorDelivery, "build automation endpoint", err)
	}

	header := http.Header{}
	header.Set("Accept", automationAccept)
	if d.claim != "" {
		header.Set(HeaderClaimRelease, d.claim)
	}

	if _, err := d.client.postJSON(ctx, fmt.Sprintf("revert message %s", d.messageID), endpoint, header, nil); err != nil {
		return err
	}
	return nil
}

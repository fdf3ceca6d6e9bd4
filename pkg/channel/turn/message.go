package turn

import (
	"fmt"
	"maps"
	"strings"

	"turnrelay/pkg/bus"
)

// ChannelName identifies messages that arrived through the Turn webhook.
const ChannelName = "turn"

const (
	fieldType              = "type"
	fieldID                = "id"
	fieldFrom              = "from"
	fieldConversationClaim = "conversation_claim"
	fieldCaption           = "caption"
	fieldBody              = "body"
)

// MessageType is the webhook message discriminator.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeVoice    MessageType = "voice"
	TypeContacts MessageType = "contacts"
	TypeLocation MessageType = "location"
)

// RawMessage is one undecoded element of the webhook "messages" list.
type RawMessage map[string]any

// Content is the type-specific part of a normalized message.
type Content interface {
	Kind() MessageType
	Text() string
}

// TextContent carries a plain text message body.
type TextContent struct {
	Body string
}

func (TextContent) Kind() MessageType { return TypeText }
func (c TextContent) Text() string    { return c.Body }

// MediaContent carries an audio, document, image, video or voice message.
// Object is the media payload without its caption.
type MediaContent struct {
	Type    MessageType
	Caption string
	Object  map[string]any
}

func (c MediaContent) Kind() MessageType { return c.Type }
func (c MediaContent) Text() string      { return c.Caption }

// ContactsContent carries a shared contact card list.
type ContactsContent struct {
	Contacts []any
}

func (ContactsContent) Kind() MessageType { return TypeContacts }
func (ContactsContent) Text() string      { return "" }

// LocationContent carries a shared location.
type LocationContent struct {
	Location map[string]any
}

func (LocationContent) Kind() MessageType { return TypeLocation }
func (LocationContent) Text() string      { return "" }

// Message is the canonical form of one inbound Turn message.
type Message struct {
	ID       string
	SenderID string
	Claim    string
	Content  Content
	Metadata map[string]any
}

// Text returns the body handed to the agent.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return m.Content.Text()
}

// Inbound converts the message into the bus form routed to the agent runtime.
func (m Message) Inbound(route bus.ReplyRoute) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:    ChannelName,
		SenderID:   m.SenderID,
		MessageID:  m.ID,
		Content:    m.Text(),
		SessionKey: SessionKey(m.SenderID),
		Metadata:   maps.Clone(m.Metadata),
		Reply:      route,
	}
}

// SessionKey returns the agent session key for a Turn sender.
func SessionKey(senderID string) string {
	return ChannelName + ":" + senderID
}

type normalizeFunc func(raw RawMessage, metadata map[string]any) (Content, error)

var normalizers = map[MessageType]normalizeFunc{
	TypeText:     normalizeText,
	TypeAudio:    normalizeMedia(TypeAudio),
	TypeDocument: normalizeMedia(TypeDocument),
	TypeImage:    normalizeMedia(TypeImage),
	TypeVideo:    normalizeMedia(TypeVideo),
	TypeVoice:    normalizeMedia(TypeVoice),
	TypeContacts: normalizeContacts,
	TypeLocation: normalizeLocation,
}

// Normalize maps a raw webhook message onto Message.
//
// It returns ErrUnrecognizedType when the type has no handler and
// ErrMalformedMessage when required fields are missing or mistyped.
func Normalize(raw RawMessage) (Message, error) {
	typeName, ok := raw[fieldType].(string)
	if !ok || strings.TrimSpace(typeName) == "" {
		return Message{}, newError(ErrorMalformedMessage, "missing type", nil)
	}

	normalize, ok := normalizers[MessageType(typeName)]
	if !ok {
		return Message{}, newError(ErrorUnrecognizedType, fmt.Sprintf("type %q", typeName), nil)
	}

	id, err := requiredString(raw, fieldID)
	if err != nil {
		return Message{}, err
	}
	sender, err := requiredString(raw, fieldFrom)
	if err != nil {
		return Message{}, err
	}

	claim, _ := raw[fieldConversationClaim].(string)

	metadata := make(map[string]any, len(raw))
	for key, value := range raw {
		switch key {
		case fieldID, fieldFrom, fieldConversationClaim:
			continue
		}
		metadata[key] = value
	}

	content, err := normalize(raw, metadata)
	if err != nil {
		return Message{}, err
	}

	return Message{
		ID:       id,
		SenderID: sender,
		Claim:    claim,
		Content:  content,
		Metadata: metadata,
	}, nil
}

func normalizeText(raw RawMessage, metadata map[string]any) (Content, error) {
	text, ok := raw[string(TypeText)].(map[string]any)
	if !ok {
		return nil, newError(ErrorMalformedMessage, "text must be an object", nil)
	}
	body, ok := text[fieldBody].(string)
	if !ok {
		return nil, newError(ErrorMalformedMessage, "text.body must be a string", nil)
	}

	delete(metadata, string(TypeText))

	return TextContent{Body: body}, nil
}

func normalizeMedia(kind MessageType) normalizeFunc {
	return func(raw RawMessage, metadata map[string]any) (Content, error) {
		object, ok := raw[string(kind)].(map[string]any)
		if !ok {
			return nil, newError(ErrorMalformedMessage, fmt.Sprintf("%s must be an object", kind), nil)
		}

		stripped := maps.Clone(object)
		caption := ""
		if value, present := stripped[fieldCaption]; present {
			if text, ok := value.(string); ok {
				caption = text
			} else if value != nil {
				return nil, newError(ErrorMalformedMessage, fmt.Sprintf("%s.caption must be a string", kind), nil)
			}
			delete(stripped, fieldCaption)
		}

		metadata[string(kind)] = stripped

		return MediaContent{Type: kind, Caption: caption, Object: stripped}, nil
	}
}

func normalizeContacts(raw RawMessage, _ map[string]any) (Content, error) {
	contacts, ok := raw[string(TypeContacts)].([]any)
	if !ok {
		return nil, newError(ErrorMalformedMessage, "contacts must be a list", nil)
	}

	return ContactsContent{Contacts: contacts}, nil
}

func normalizeLocation(raw RawMessage, _ map[string]any) (Content, error) {
	location, ok := raw[string(TypeLocation)].(map[string]any)
	if !ok {
		return nil, newError(ErrorMalformedMessage, "location must be an object", nil)
	}

	return LocationContent{Location: location}, nil
}

func requiredString(raw RawMessage, key string) (string, error) {
	value, ok := raw[key].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", newError(ErrorMalformedMessage, fmt.Sprintf("missing %s", key), nil)
	}

	return value, nil
}

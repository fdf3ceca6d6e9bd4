package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventMessageReceived EventType = "message_received"
	EventReplySent       EventType = "reply_sent"
	EventReplyFailed     EventType = "reply_failed"
)

// Event reports the outcome of one step of handling an inbound message.
type Event struct {
	Type       EventType `json:"type"`
	At         time.Time `json:"at"`
	Channel    string    `json:"channel,omitempty"`
	SenderID   string    `json:"sender_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	SessionKey string    `json:"session_key,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// EventFor builds an event describing msg.
func EventFor(eventType EventType, msg InboundMessage, err error) Event {
	event := Event{
		Type:       eventType,
		Channel:    msg.Channel,
		SenderID:   msg.SenderID,
		MessageID:  msg.MessageID,
		SessionKey: msg.SessionKey,
	}
	if err != nil {
		event.Error = err.Error()
	}

	return event
}

func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	// Sends are non-blocking, so holding the read lock keeps unsubscribe from
	// closing a channel mid-fanout.
	mb.mu.RLock()
	for _, ch := range mb.eventSubscribers {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}
	mb.mu.RUnlock()

	return true
}

func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}

package turn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"turnrelay/pkg/bus"
	"turnrelay/pkg/channel"
	"turnrelay/pkg/logger"
)

// Deduplicator reports whether a sender's message was already handled.
type Deduplicator interface {
	Seen(ctx context.Context, senderID string, messageID string) bool
}

// RouteFactory builds the reply route for one inbound message.
type RouteFactory func(claim string, messageID string) bus.ReplyRoute

// WebhookOptions wires the webhook handler to its collaborators.
type WebhookOptions struct {
	HMACSecret   string
	MaxBodyBytes int64
	Handler      channel.Handler
	Dedup        Deduplicator
	Routes       RouteFactory
	Logger       *slog.Logger
}

// Webhook serves the Turn webhook endpoints. It keeps no state between requests.
type Webhook struct {
	secret  string
	maxBody int64
	handler channel.Handler
	dedup   Deduplicator
	routes  RouteFactory
	log     *slog.Logger
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func NewWebhook(opts WebhookOptions) (*Webhook, error) {
	if opts.Handler == nil {
		return nil, errors.New("webhook handler is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	routes := opts.Routes
	if routes == nil {
		routes = func(string, string) bus.ReplyRoute { return nil }
	}

	if opts.HMACSecret == "" {
		log.Warn("Turn HMAC secret is not configured; webhook signatures will not be validated")
	}

	return &Webhook{
		secret:  opts.HMACSecret,
		maxBody: maxBody,
		handler: opts.Handler,
		dedup:   opts.Dedup,
		routes:  routes,
		log:     log,
	}, nil
}

// Routes returns the webhook mux: GET / for health and POST /webhook for deliveries.
func (h *Webhook) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleHealth)
	mux.HandleFunc("POST /webhook", h.handleWebhook)
	return mux
}

func (h *Webhook) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Webhook) handleWebhook(w http.ResponseWriter, r *http.Request) {
	log := h.log.With("request_id", uuid.NewString())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		log.Warn("Rejecting unreadable webhook body", "error", err)
		h.reject(w, http.StatusBadRequest, ErrorInvalidBody)
		return
	}

	if h.secret == "" {
		log.Debug("Skipping webhook signature validation")
	} else if !ValidateSignature(h.secret, body, r.Header.Get(HeaderSignature)) {
		log.Warn("Rejecting webhook with invalid signature", "body", logger.Preview(body))
		h.reject(w, http.StatusUnauthorized, ErrorInvalidSignature)
		return
	}

	messages, err := parseMessages(body)
	if err != nil {
		log.Warn("Rejecting malformed webhook body", "error", err, "body", logger.Preview(body))
		h.reject(w, http.StatusBadRequest, ErrorInvalidBody)
		return
	}

	claim := r.Header.Get(HeaderClaim)
	// Dispatched agent calls are not cancelled when the batch is later rejected.
	ctx := context.WithoutCancel(r.Context())

	var group errgroup.Group
	dispatched, skipped := 0, 0
	for index, element := range messages {
		raw, err := decodeRawMessage(element)
		if err == nil {
			// Only the request header carries the claim.
			if claim != "" {
				raw[fieldConversationClaim] = claim
			} else {
				delete(raw, fieldConversationClaim)
			}
			if h.seen(ctx, raw) {
				log.Info("Skipping duplicate message", "index", index, "sender_id", raw[fieldFrom], "message_id", raw[fieldID])
				skipped++
				continue
			}
		}

		var message Message
		if err == nil {
			message, err = Normalize(raw)
		}
		if err != nil {
			log.Warn("Rejecting webhook batch",
				"index", index,
				"dispatched", dispatched,
				"error", err,
				"message", logger.Preview(element),
			)
			h.reject(w, http.StatusBadRequest, webhookErrorCode(err))
			return
		}

		inbound := message.Inbound(h.routes(message.Claim, message.ID))
		group.Go(func() error {
			if err := h.handler(ctx, inbound); err != nil {
				log.Error("Agent rejected message", "sender_id", inbound.SenderID, "message_id", inbound.MessageID, "error", err)
				return err
			}
			return nil
		})
		dispatched++
	}

	if err := group.Wait(); err != nil {
		h.reject(w, http.StatusInternalServerError, ErrorDispatchFailed)
		return
	}

	log.Debug("Webhook batch accepted", "messages", len(messages), "dispatched", dispatched, "skipped", skipped)
	writeJSON(w, http.StatusOK, webhookResponse{Success: true})
}

func (h *Webhook) seen(ctx context.Context, raw RawMessage) bool {
	if h.dedup == nil {
		return false
	}
	sender, _ := raw[fieldFrom].(string)
	id, _ := raw[fieldID].(string)
	return h.dedup.Seen(ctx, sender, id)
}

func (h *Webhook) reject(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, webhookResponse{Success: false, Error: code})
}

// parseMessages accepts only an object whose "messages" field is a list.
func parseMessages(body []byte) ([]json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, newError(ErrorInvalidBody, "body must be a JSON object", err)
	}

	field, ok := envelope["messages"]
	if !ok {
		return nil, newError(ErrorInvalidBody, "missing messages", nil)
	}

	var messages []json.RawMessage
	if err := json.Unmarshal(field, &messages); err != nil || messages == nil {
		return nil, newError(ErrorInvalidBody, "messages must be a list", err)
	}

	return messages, nil
}

func decodeRawMessage(element json.RawMessage) (RawMessage, error) {
	decoder := json.NewDecoder(bytes.NewReader(element))
	decoder.UseNumber()

	var raw RawMessage
	if err := decoder.Decode(&raw); err != nil || raw == nil {
		return nil, newError(ErrorMalformedMessage, "message must be a JSON object", err)
	}

	return raw, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

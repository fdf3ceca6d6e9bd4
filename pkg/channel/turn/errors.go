package turn

import (
	"errors"
	"fmt"
)

const (
	ErrorInvalidSignature      = "invalid_signature"
	ErrorInvalidBody           = "invalid_body"
	ErrorInvalidMessage        = "invalid_message"
	ErrorUnrecognizedType      = "unrecognized_type"
	ErrorMalformedMessage      = "malformed_message"
	ErrorMediaFetch            = "media_fetch_error"
	ErrorDelivery              = "delivery_error"
	ErrorUnsupportedReplyShape = "unsupported_reply_shape"
	ErrorDispatchFailed        = "dispatch_failed"
	ErrorInternal              = "internal_error"
)

var (
	ErrUnrecognizedType      = errors.New("unrecognized message type")
	ErrMalformedMessage      = errors.New("malformed message")
	ErrUnsupportedReplyShape = errors.New("unsupported reply shape")
	ErrMediaFetch            = errors.New("media fetch failed")
	ErrDelivery              = errors.New("delivery failed")
)

var categorySentinels = map[string]error{
	ErrorUnrecognizedType:      ErrUnrecognizedType,
	ErrorMalformedMessage:      ErrMalformedMessage,
	ErrorUnsupportedReplyShape: ErrUnsupportedReplyShape,
	ErrorMediaFetch:            ErrMediaFetch,
	ErrorDelivery:              ErrDelivery,
}

// Error is a categorized connector failure. Err holds the underlying cause, if any.
type Error struct {
	Category string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Category
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", e.Category, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel associated with the error's category.
func (e *Error) Is(target error) bool {
	sentinel, ok := categorySentinels[e.Category]
	return ok && sentinel == target
}

func newError(category string, detail string, err error) error {
	return &Error{Category: category, Detail: detail, Err: err}
}

// CategoryFromError returns the stable category for an error when available.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	return ErrorInternal
}

// webhookErrorCode maps a normalization failure to the code reported to Turn.
func webhookErrorCode(err error) string {
	switch CategoryFromError(err) {
	case ErrorUnrecognizedType, ErrorMalformedMessage, ErrorInvalidMessage:
		return ErrorInvalidMessage
	case ErrorInvalidBody:
		return ErrorInvalidBody
	case ErrorInvalidSignature:
		return ErrorInvalidSignature
	default:
		return ErrorInternal
	}
}

// StatusError reports a non-2xx response from an HTTP call.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Operation, e.StatusCode)
	}

	return fmt.Sprintf("%s: unexpected status %d: %s", e.Operation, e.StatusCode, e.Body)
}

package openaiapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrTypeQuotaExhausted is the provider error type for a spent quota.
// Retrying wastes nothing but adds delay before an outcome that cannot
// change, so these surface immediately.
const ErrTypeQuotaExhausted = "insufficient_quota"

// APIError is a structured error parsed from a non-2xx response body.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
	Raw        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai: status %d (%s): %s", e.StatusCode, e.Type, e.Message)
}

// errorDecoder tries one candidate error-body shape. It reports false when
// the body does not match its shape.
type errorDecoder func(status int, body []byte) (*APIError, bool)

// errorDecoders are tried in order; the last one always matches. Shapes:
// the structured envelope {"error":{"type","message"}}, the flat
// {"message": ...} variant, then the raw body as the message.
var errorDecoders = []errorDecoder{
	decodeStructuredError,
	decodeFlatMessage,
	decodeRawBody,
}

// ParseAPIError decodes a non-2xx response body into an APIError using a
// best-effort ordered list of candidate decoders.
func ParseAPIError(status int, body []byte) *APIError {
	for _, decode := range errorDecoders {
		if apiErr, ok := decode(status, body); ok {
			return apiErr
		}
	}
	// Unreachable: decodeRawBody always matches.
	return &APIError{StatusCode: status, Type: "api_error", Message: string(body), Raw: string(body)}
}

func decodeStructuredError(status int, body []byte) (*APIError, bool) {
	var envelope struct {
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return nil, false
	}
	errType := envelope.Error.Type
	if errType == "" {
		errType = "api_error"
	}
	msg := envelope.Error.Message
	if msg == "" {
		msg = string(body)
	}
	return &APIError{StatusCode: status, Type: errType, Message: msg, Raw: string(body)}, true
}

func decodeFlatMessage(status int, body []byte) (*APIError, bool) {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(body, &flat); err != nil {
		return nil, false
	}
	raw, ok := flat["message"]
	if !ok {
		return nil, false
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err != nil {
		msg = string(raw)
	}
	return &APIError{StatusCode: status, Type: "api_error", Message: msg, Raw: string(body)}, true
}

func decodeRawBody(status int, body []byte) (*APIError, bool) {
	return &APIError{StatusCode: status, Type: "api_error", Message: string(body), Raw: string(body)}, true
}

// IsRateLimited reports whether err is a 429 response.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// IsQuotaExhausted reports whether err signals a spent quota.
func IsQuotaExhausted(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Type == ErrTypeQuotaExhausted
}

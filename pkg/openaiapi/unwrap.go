package openaiapi

import (
	"encoding/json"
	"strings"
)

// Kind tags how Unwrap reduced a value.
type Kind int

const (
	// KindPlain means the value needed no reduction.
	KindPlain Kind = iota
	// KindParsedJSON means a JSON-looking string was parsed.
	KindParsedJSON
	// KindEnvelope means a provider envelope was stripped to its content.
	KindEnvelope
)

// Unwrapped is the result of reducing a value to its inner content.
type Unwrapped struct {
	Value any
	Kind  Kind
}

// Unwrap strips the completion-provider envelope from a value, recursing to
// a fixed point: an envelope's choices[0].message.content (or the older
// choices[0].text) is extracted, and any content string that looks like
// JSON is parsed. Parse failures return the string as-is rather than
// erroring. Every reduction shrinks the value, so recursion terminates on
// arbitrary input.
//
// It is applied uniformly at every write boundary; values may arrive
// pre-wrapped from any caller, not only the gateway.
func Unwrap(v any) Unwrapped {
	switch val := v.(type) {
	case map[string]any:
		content, ok := envelopeContent(val)
		if !ok {
			return Unwrapped{Value: val, Kind: KindPlain}
		}
		return Unwrapped{Value: Unwrap(content).Value, Kind: KindEnvelope}

	case string:
		parsed, ok := parseJSONLike(val)
		if !ok {
			return Unwrapped{Value: val, Kind: KindPlain}
		}
		return Unwrapped{Value: Unwrap(parsed).Value, Kind: KindParsedJSON}

	default:
		return Unwrapped{Value: v, Kind: KindPlain}
	}
}

// envelopeContent extracts choices[0].message.content from a provider
// envelope, falling back to choices[0].text for older response shapes.
// ok is false only when m is not an envelope at all; an envelope whose
// first choice carries no content reduces to nil, so the write boundary
// drops the field instead of persisting the raw envelope.
func envelopeContent(m map[string]any) (any, bool) {
	choices, ok := m["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil, false
	}
	choice0, _ := choices[0].(map[string]any)
	if choice0 == nil {
		return nil, true
	}

	var content any
	if msg, ok := choice0["message"].(map[string]any); ok {
		content = msg["content"]
	}
	if content == nil {
		content = choice0["text"]
	}
	return content, true
}

// parseJSONLike parses s when it is bracketed like a JSON object or array.
func parseJSONLike(s string) (any, bool) {
	t := strings.TrimSpace(s)
	bracketed := (strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}")) ||
		(strings.HasPrefix(t, "[") && strings.HasSuffix(t, "]"))
	if !bracketed {
		return nil, false
	}
	var parsed any
	if err := json.Unmarshal([]byte(t), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

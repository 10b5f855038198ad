package bridge

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// PayloadKind is the shape of an envelope's payload field.
type PayloadKind int

const (
	// Structured payloads are JSON objects embedded directly.
	Structured PayloadKind = iota
	// EncodedText payloads are JSON strings, usually an object encoded as
	// text by a relaying node.
	EncodedText
	// Scalar covers everything else: numbers, booleans, arrays, null or a
	// missing payload.
	Scalar
)

func (k PayloadKind) String() string {
	switch k {
	case Structured:
		return "structured"
	case EncodedText:
		return "encoded_text"
	case Scalar:
		return "scalar"
	default:
		return "unknown"
	}
}

// Payload is a classified payload field.
type Payload struct {
	Kind   PayloadKind
	Object map[string]any // Structured
	Text   string         // EncodedText: the decoded string; Scalar: the JSON text
}

// ClassifyPayload decides the shape of a raw payload field once. An absent
// payload is a Scalar rendered as null.
func ClassifyPayload(raw json.RawMessage) Payload {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Payload{Kind: Scalar, Text: "null"}
	}
	switch raw[0] {
	case '{':
		if obj, ok := decodeObject(raw); ok {
			return Payload{Kind: Structured, Object: obj}
		}
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return Payload{Kind: EncodedText, Text: s}
		}
	}
	return Payload{Kind: Scalar, Text: string(raw)}
}

// Fields resolves the payload to a field map. Payloads that are not an
// object, directly or once decoded, are kept whole under the "raw" field.
// The returned map is owned by the caller.
func (p Payload) Fields() map[string]any {
	switch p.Kind {
	case Structured:
		out := make(map[string]any, len(p.Object)+2)
		for k, v := range p.Object {
			out[k] = v
		}
		return out
	case EncodedText:
		if obj, ok := decodeObject([]byte(p.Text)); ok {
			return obj
		}
		return map[string]any{keyFallback: p.Text}
	default:
		return map[string]any{keyFallback: p.Text}
	}
}

// decodeObject decodes exactly one JSON object, keeping numbers verbatim.
func decodeObject(data []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}
	return obj, true
}

// decodeValue decodes a single JSON value, keeping numbers verbatim.
func decodeValue(raw json.RawMessage) (any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

// RenderValue formats a field value for its dedicated topic. Booleans
// become "1"/"0", strings are sent as-is and numbers keep the text they
// arrived with.
func RenderValue(v any) string {
	switch val := v.(type) {
	case bool:
		if val {
			return "1"
		}
		return "0"
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		return string(mustJSON(val))
	}
}

// nodeIDFromSource stringifies the envelope's src field. Only strings and
// numbers name a node; null counts as absent.
func nodeIDFromSource(raw json.RawMessage) (string, bool) {
	v, ok := decodeValue(raw)
	if !ok {
		return "", false
	}
	switch id := v.(type) {
	case string:
		return id, true
	case json.Number:
		return id.String(), true
	default:
		return "", false
	}
}

// ValidNodeID reports whether id can be used as a single MQTT topic level.
func ValidNodeID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/+#")
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return data
}

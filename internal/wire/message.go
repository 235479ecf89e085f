package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Message is one peer protocol message: a name plus an optional structured
// payload. Data holds the JSON form of the payload so that each message
// type can decode it into its own struct.
type Message struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a Message, marshalling data to JSON.
// A nil data produces a message without payload.
func NewMessage(name string, data any) (Message, error) {
	m := Message{Name: name}
	if data == nil {
		return m, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("NewMessage %s: json marshal error: %w", name, err)
	}
	m.Data = raw
	return m, nil
}

// Decode unmarshals the message payload into v.
// A message without payload leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 || bytes.Equal(m.Data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w: %v", m.Name, ErrMalformedFrame, err)
	}
	return nil
}

// EncodeFrame serializes a peer message into one frame.
//
// Steps:
// 1. Marshal {name, data} into JSON.
// 2. Base64-encode the JSON so the payload can never contain Separator.
// 3. Append Separator.
func EncodeFrame(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode: json marshal error: %w", err)
	}

	out := make([]byte, base64.StdEncoding.EncodedLen(len(data))+1)
	base64.StdEncoding.Encode(out, data)
	out[len(out)-1] = Separator
	return out, nil
}

// DecodeFrame is the inverse of EncodeFrame. The frame may be passed with or
// without its trailing Separator.
func DecodeFrame(frame []byte) (Message, error) {
	frame = bytes.TrimSuffix(frame, []byte{Separator})

	data := make([]byte, base64.StdEncoding.DecodedLen(len(frame)))
	n, err := base64.StdEncoding.Decode(data, frame)
	if err != nil {
		return Message{}, fmt.Errorf("decode: %w: base64: %v", ErrMalformedFrame, err)
	}

	var m Message
	if err := json.Unmarshal(data[:n], &m); err != nil {
		return Message{}, fmt.Errorf("decode: %w: json: %v", ErrMalformedFrame, err)
	}
	if m.Name == "" {
		return Message{}, fmt.Errorf("decode: %w: missing name", ErrMalformedFrame)
	}
	return m, nil
}

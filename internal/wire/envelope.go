package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// IPC envelope tags. ID and ID_OK travel alone on their line; the function
// tags are followed by a space and a JSON payload.
const (
	TagID   = "ID"
	TagIDOK = "ID_OK"
	TagExec = "FUNCTION_EXEC"
	TagRetn = "FUNCTION_RETN"
)

// ValueEncodingV1 marks envelopes whose arguments and return values are
// standalone JSON documents.
const ValueEncodingV1 = 1

// Exec is the payload of a FUNCTION_EXEC envelope.
type Exec struct {
	V    int               `json:"v"`
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args"`
	RID  int64             `json:"rid"`
}

// Retn is the payload of a FUNCTION_RETN envelope.
type Retn struct {
	V     int             `json:"v"`
	Value json.RawMessage `json:"value"`
	RID   int64           `json:"rid"`
}

// Envelope is one parsed IPC line. Exactly one of Exec and Retn is set for
// function envelopes; both are nil for ID and ID_OK.
type Envelope struct {
	Tag  string
	Exec *Exec
	Retn *Retn
}

// EncodeTag returns a payload-less envelope (ID, ID_OK).
func EncodeTag(tag string) []byte {
	return append([]byte(tag), Separator)
}

// EncodeExec returns a complete FUNCTION_EXEC line.
func EncodeExec(e Exec) ([]byte, error) {
	if e.V == 0 {
		e.V = ValueEncodingV1
	}
	if e.Args == nil {
		e.Args = []json.RawMessage{}
	}
	return encodeTagged(TagExec, e)
}

// EncodeRetn returns a complete FUNCTION_RETN line.
func EncodeRetn(r Retn) ([]byte, error) {
	if r.V == 0 {
		r.V = ValueEncodingV1
	}
	if len(r.Value) == 0 {
		r.Value = json.RawMessage("null")
	}
	return encodeTagged(TagRetn, r)
}

func encodeTagged(tag string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: json marshal error: %w", tag, err)
	}

	out := make([]byte, 0, len(tag)+1+len(data)+1)
	out = append(out, tag...)
	out = append(out, ' ')
	out = append(out, data...)
	out = append(out, Separator)
	return out, nil
}

// ParseEnvelope decodes one IPC line (with or without its Separator).
func ParseEnvelope(line []byte) (Envelope, error) {
	line = bytes.TrimSuffix(line, []byte{Separator})

	tag, payload, _ := bytes.Cut(line, []byte{' '})
	switch string(tag) {
	case TagID, TagIDOK:
		return Envelope{Tag: string(tag)}, nil

	case TagExec:
		var e Exec
		if err := decodePayload(payload, &e); err != nil {
			return Envelope{}, err
		}
		if err := checkVersion(e.V); err != nil {
			return Envelope{}, err
		}
		if e.Name == "" {
			return Envelope{}, fmt.Errorf("parse %s: %w: missing name", TagExec, ErrMalformedFrame)
		}
		return Envelope{Tag: TagExec, Exec: &e}, nil

	case TagRetn:
		var r Retn
		if err := decodePayload(payload, &r); err != nil {
			return Envelope{}, err
		}
		if err := checkVersion(r.V); err != nil {
			return Envelope{}, err
		}
		return Envelope{Tag: TagRetn, Retn: &r}, nil
	}

	return Envelope{}, fmt.Errorf("parse: %w: unknown tag %q", ErrMalformedFrame, tag)
}

func decodePayload(payload []byte, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("parse: %w: empty payload", ErrMalformedFrame)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("parse: %w: json: %v", ErrMalformedFrame, err)
	}
	return nil
}

func checkVersion(v int) error {
	if v != ValueEncodingV1 {
		return fmt.Errorf("parse: %w: unsupported value encoding %d", ErrMalformedFrame, v)
	}
	return nil
}

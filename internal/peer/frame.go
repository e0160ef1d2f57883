// Package peer implements the wire framing used between two ends of an
// ordered duplex channel (a websocket, a message port, paired workers):
// requests, responses, event-iterator items, and abort signals, each
// carrying a correlation id so replies can be matched to their callers.
package peer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind identifies one of the four frame kinds carried over a peer channel.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindEventIterator
	KindAbortSignal
)

// tag is the short text-framing tag for each Kind, per the wire format
// <id>|<tag>|<json-payload>.
func (k Kind) tag() (string, error) {
	switch k {
	case KindRequest:
		return "req", nil
	case KindResponse:
		return "res", nil
	case KindEventIterator:
		return "evt", nil
	case KindAbortSignal:
		return "abrt", nil
	default:
		return "", fmt.Errorf("peer: unknown frame kind %d", k)
	}
}

func kindFromTag(tag string) (Kind, error) {
	switch tag {
	case "req":
		return KindRequest, nil
	case "res":
		return KindResponse, nil
	case "evt":
		return KindEventIterator, nil
	case "abrt":
		return KindAbortSignal, nil
	default:
		return 0, fmt.Errorf("peer: unknown frame tag %q", tag)
	}
}

// Frame is one message exchanged over a peer channel. Payload is left as
// raw JSON so callers can unmarshal into the type appropriate to Kind
// (e.g. an IteratorPayload for KindEventIterator).
type Frame struct {
	ID      string
	Kind    Kind
	Payload json.RawMessage
}

// IteratorEvent distinguishes the three states an EVENT_ITERATOR frame's
// payload can represent.
type IteratorEvent string

const (
	IteratorMessage IteratorEvent = "message"
	IteratorDone    IteratorEvent = "done"
	IteratorError   IteratorEvent = "error"
)

// IteratorMeta carries the id/retry annotations an EVENT_ITERATOR payload
// may attach to a message, mirroring the event store's meta record.
type IteratorMeta struct {
	ID    string `json:"id,omitempty"`
	Retry int64  `json:"retry,omitempty"`
}

// IteratorPayload is the structured payload of a KindEventIterator frame.
// A "done" terminator carries the final value (which may be absent);
// "error" carries optional meta but never a data payload.
type IteratorPayload struct {
	Event IteratorEvent   `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  *IteratorMeta   `json:"meta,omitempty"`
}

// NewCorrelationID generates a correlation id for a new request or
// iterator session.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewRequest builds a KindRequest frame with a fresh correlation id and a
// JSON-marshaled payload.
func NewRequest(payload interface{}) (Frame, error) {
	return newFrame(NewCorrelationID(), KindRequest, payload)
}

// NewResponse builds a KindResponse frame correlated to id.
func NewResponse(id string, payload interface{}) (Frame, error) {
	return newFrame(id, KindResponse, payload)
}

// NewAbortSignal builds a KindAbortSignal frame correlated to id. reason
// may be nil.
func NewAbortSignal(id string, reason interface{}) (Frame, error) {
	return newFrame(id, KindAbortSignal, reason)
}

// NewIteratorMessage builds a KindEventIterator frame carrying a message
// item with optional meta.
func NewIteratorMessage(id string, data interface{}, meta *IteratorMeta) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("peer: marshal iterator data: %w", err)
	}
	return newFrame(id, KindEventIterator, IteratorPayload{Event: IteratorMessage, Data: raw, Meta: meta})
}

// NewIteratorDone builds the terminal KindEventIterator frame for id. data
// may be nil if the iterator completed without a final value.
func NewIteratorDone(id string, data interface{}) (Frame, error) {
	var raw json.RawMessage
	if data != nil {
		marshaled, err := json.Marshal(data)
		if err != nil {
			return Frame{}, fmt.Errorf("peer: marshal iterator done value: %w", err)
		}
		raw = marshaled
	}
	return newFrame(id, KindEventIterator, IteratorPayload{Event: IteratorDone, Data: raw})
}

// NewIteratorError builds an error-terminated KindEventIterator frame. It
// never carries a data payload, only meta.
func NewIteratorError(id string, meta *IteratorMeta) (Frame, error) {
	return newFrame(id, KindEventIterator, IteratorPayload{Event: IteratorError, Meta: meta})
}

func newFrame(id string, kind Kind, payload interface{}) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("peer: marshal payload: %w", err)
	}
	return Frame{ID: id, Kind: kind, Payload: raw}, nil
}

// EncodeText renders f in the compact text framing: <id>|<tag>|<json>.
// Used when the transport cannot clone structured (binary) payloads.
func EncodeText(f Frame) (string, error) {
	tag, err := f.Kind.tag()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s|%s|%s", f.ID, tag, string(f.Payload)), nil
}

// DecodeText parses the compact text framing produced by EncodeText. It
// splits only on the first two "|" delimiters so JSON payloads containing
// "|" are preserved intact.
func DecodeText(s string) (Frame, error) {
	first := strings.IndexByte(s, '|')
	if first < 0 {
		return Frame{}, fmt.Errorf("peer: malformed frame: missing id separator")
	}
	rest := s[first+1:]
	second := strings.IndexByte(rest, '|')
	if second < 0 {
		return Frame{}, fmt.Errorf("peer: malformed frame: missing tag separator")
	}

	id := s[:first]
	tagStr := rest[:second]
	payload := rest[second+1:]

	kind, err := kindFromTag(tagStr)
	if err != nil {
		return Frame{}, err
	}
	if id == "" {
		return Frame{}, fmt.Errorf("peer: malformed frame: empty correlation id")
	}

	return Frame{ID: id, Kind: kind, Payload: json.RawMessage(payload)}, nil
}

// UnmarshalIterator unmarshals f's payload into an IteratorPayload. It
// returns an error if f is not a KindEventIterator frame.
func (f Frame) UnmarshalIterator() (IteratorPayload, error) {
	if f.Kind != KindEventIterator {
		return IteratorPayload{}, fmt.Errorf("peer: frame %s is not an event iterator frame", f.ID)
	}
	var p IteratorPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return IteratorPayload{}, fmt.Errorf("peer: unmarshal iterator payload: %w", err)
	}
	return p, nil
}

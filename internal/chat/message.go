package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedPayload = errors.New("chat: malformed payload")
	ErrEmptyMessage     = errors.New("chat: empty message")
	ErrNoHost           = errors.New("chat: no host link")
)

// Message is one chat line. The JSON names are the wire format shared with
// every peer, so they must not change.
type Message struct {
	SenderID    string `json:"id"`       // stable device id of the author
	DisplayName string `json:"username"` // latest name used by the author
	Text        string `json:"text"`
}

// NewMessage builds a message, rejecting whitespace-only text.
func NewMessage(senderID, displayName, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyMessage
	}
	return Message{SenderID: senderID, DisplayName: displayName, Text: text}, nil
}

// EncodeMessage produces the single-message payload a guest sends to its host.
func EncodeMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a single-message payload.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if m.SenderID == "" {
		return Message{}, fmt.Errorf("%w: missing sender id", ErrMalformedPayload)
	}
	return m, nil
}

// EncodeSnapshot produces the full-log payload a host broadcasts. An empty
// log encodes as "[]", never "null".
func EncodeSnapshot(ms []Message) ([]byte, error) {
	if ms == nil {
		ms = []Message{}
	}
	return json.Marshal(ms)
}

// DecodeSnapshot parses a full-log payload.
func DecodeSnapshot(b []byte) ([]Message, error) {
	var ms []Message
	if err := json.Unmarshal(b, &ms); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ms == nil {
		// "null" is not a snapshot
		return nil, fmt.Errorf("%w: not a list", ErrMalformedPayload)
	}
	return ms, nil
}

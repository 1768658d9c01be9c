package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	ErrNotObject     = errors.New("message is not a JSON object")
	ErrInvalidTarget = errors.New("message target is not a string or number")
)

// Message is a schema-free signaling payload. Only "type", "target" and
// "from" mean anything to the relay; every other field passes through.
type Message map[string]any

// DecodeMessage parses one inbound frame. Numbers are kept as json.Number so
// they are relayed verbatim. A syntactically valid frame that is not an
// object yields ErrNotObject.
func DecodeMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("decode message: trailing data after JSON value")
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return Message(obj), nil
}

func (m Message) Type() MessageType {
	t, _ := m["type"].(string)
	return MessageType(t)
}

// Target returns the recipient of a unicast message. A missing or null
// target means broadcast.
func (m Message) Target() (UserID, bool, error) {
	raw, ok := m["target"]
	if !ok || raw == nil {
		return "", false, nil
	}
	switch t := raw.(type) {
	case string:
		return UserID(t), true, nil
	case json.Number:
		return UserID(t.String()), true, nil
	default:
		return "", false, ErrInvalidTarget
	}
}

// StampSender sets "from" unless the client already supplied one.
func (m Message) StampSender(id UserID) {
	if _, ok := m["from"]; !ok {
		m["from"] = id.String()
	}
}

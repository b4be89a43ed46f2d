package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is the wire envelope: a type tag plus a type-specific payload.
//
// Unknown payload fields are ignored on decode; a missing required field is
// the receiving handler's problem (it rejects the message, never the
// connection).
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into dst.
func (m Message) Decode(dst any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("%s: decode payload: %w", m.Type, err)
	}
	return nil
}

// build marshals a typed payload into an envelope. Payload structs defined
// in this package always marshal; a failure here is a programming error.
func build(t MessageType, payload any) Message {
	if payload == nil {
		return Message{Type: t}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %s payload: %v", t, err))
	}
	return Message{Type: t, Payload: b}
}

// Package message defines the envelope exchanged between nodes and the
// supervisor, and the payloads carried by the built-in topics.
package message

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// SupervisorID is the address nodes use to reach the supervisor itself.
const SupervisorID = "supervisor"

// Built-in topics. Any other topic is treated as an application topic.
const (
	TopicHandshake = "handshake"
	TopicRPC       = "rpc"
	TopicResponse  = "response"
	TopicError     = "error"
)

// MID identifies a message. Ids are generated per node and are only unique
// within the node that produced them.
type MID string

// UnmarshalJSON accepts both string and numeric ids so peers that count with
// plain numbers interoperate.
func (m *MID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*m = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*m = MID(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(b), 64); err != nil {
		return fmt.Errorf("invalid mid %s", b)
	}
	*m = MID(b)
	return nil
}

// Message is the only unit transmitted on the wire.
type Message struct {
	MID   MID             `json:"mid,omitempty"`
	From  string          `json:"from,omitempty"`
	To    string          `json:"to"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`

	// Raw is the frame the message was decoded from, unknown fields included.
	// Routers forward it unchanged.
	Raw []byte `json:"-"`
}

// New builds a message for topic addressed to to, encoding data as the
// payload. A nil data leaves the payload empty. From and MID are filled in by
// the sending node.
func New(topic, to string, data any) (*Message, error) {
	m := &Message{Topic: topic, To: to}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", topic, err)
		}
		m.Data = b
	}
	return m, nil
}

// Decode parses a serialized message. Unknown fields are ignored by the
// decoded struct and kept in Raw, which takes ownership of b.
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	m.Raw = b
	return &m, nil
}

// Encode serializes the message as a flat JSON object.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeData unmarshals the payload into v. An empty payload leaves v untouched.
func (m *Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Topic, err)
	}
	return nil
}

// Clone returns a copy that does not share the payload buffer.
func (m *Message) Clone() *Message {
	c := *m
	if m.Data != nil {
		c.Data = append(json.RawMessage(nil), m.Data...)
	}
	if m.Raw != nil {
		c.Raw = append([]byte(nil), m.Raw...)
	}
	return &c
}

func (m *Message) String() string {
	return fmt.Sprintf("%s[%s] %s -> %s", m.Topic, m.MID, m.From, m.To)
}

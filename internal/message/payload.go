package message

import (
	"fmt"

	"github.com/goccy/go-json"
)

// RPCRequest is the payload of an rpc message.
type RPCRequest struct {
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
	From   string            `json:"from,omitempty"`
}

// Reply is the payload of both response and error messages. MID echoes the
// id of the rpc being answered. For errors Value holds a JSON string.
type Reply struct {
	MID   MID             `json:"mid"`
	Value json.RawMessage `json:"value,omitempty"`
}

// NewReply encodes value into a Reply for mid.
func NewReply(mid MID, value any) (Reply, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return Reply{}, fmt.Errorf("encode reply: %w", err)
	}
	return Reply{MID: mid, Value: b}, nil
}

// ErrorText returns the human readable text of an error reply. Non-string
// values are returned in their JSON form.
func (r Reply) ErrorText() string {
	var s string
	if err := json.Unmarshal(r.Value, &s); err == nil {
		return s
	}
	return string(r.Value)
}

// EncodeArgs marshals each argument into its own raw JSON value.
func EncodeArgs(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			out = append(out, raw)
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode arg %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// UIRequest is the simpler request framing used by browser-facing clients.
// It is not wrapped in a Message envelope.
type UIRequest struct {
	Type    string            `json:"type"`
	CallID  json.RawMessage   `json:"callId"`
	Service string            `json:"service"`
	Method  string            `json:"method"`
	Args    []json.RawMessage `json:"args"`
}

// UIResponse answers a UIRequest with either Result or Error set.
type UIResponse struct {
	CallID json.RawMessage `json:"callId"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// AsUIRequest reports whether a raw frame is a UI rpc request and returns it.
func AsUIRequest(b []byte) (*UIRequest, bool) {
	var req UIRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return nil, false
	}
	if req.Type != TopicRPC || req.Service == "" {
		return nil, false
	}
	return &req, true
}

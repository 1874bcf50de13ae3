package wire

import "encoding/json"

// Envelope is the single message shape carried over a hub connection.
//
// A request sets Method and a non-empty ID. A response sets ResponseTo to the
// request's ID and leaves ID empty. A notification (either direction) sets
// Method with ID and ResponseTo both empty.
type Envelope struct {
	Method     string          `json:"method,omitempty"`
	ID         string          `json:"id,omitempty"`
	ResponseTo string          `json:"responseTo,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      *HubError       `json:"error,omitempty"`
}

// HubError carries a structured error inside a response envelope.
type HubError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

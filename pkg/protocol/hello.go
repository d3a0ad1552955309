// ABOUTME: ClientHello handshake frame
// ABOUTME: First (and only) frame a client sends on the control channel
package protocol

import (
	"encoding/json"
	"fmt"
)

// ClientHello identifies a client to the control server. ID is opaque and
// not required to be unique across the fleet. Config is an arbitrary
// key-value dictionary surfaced to the orchestrator (zone, role, display
// geometry, whatever the deployment needs).
type ClientHello struct {
	ID     string         `json:"id"`
	Config map[string]any `json:"config,omitempty"`
}

// UnmarshalClientHello parses and validates a hello frame.
func UnmarshalClientHello(data []byte) (*ClientHello, error) {
	var hello ClientHello
	if err := json.Unmarshal(data, &hello); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if hello.ID == "" {
		return nil, fmt.Errorf("%w: hello missing id", ErrInvalidFrame)
	}
	return &hello, nil
}

// Marshal produces the wire form of the hello.
func (h *ClientHello) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

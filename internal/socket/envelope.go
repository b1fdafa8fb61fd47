package socket

import "encoding/json"

// Envelope is the wire frame for every event on every channel. Acks reuse
// the frame: the server answers with the same ack_id it was sent.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ack_id,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Ack is the generic acknowledgment payload servers attach to emits.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type authPayload struct {
	Token    string `json:"token"`
	DriverID string `json:"driver_id"`
	UserID   string `json:"user_id"`
}

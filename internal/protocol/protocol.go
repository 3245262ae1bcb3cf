// Package protocol defines the wire envelope exchanged with browser
// extensions over the persistent channel.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType enumerates the known envelope types. Routing switches on this
// closed set; anything else parses to MessageTypeUnknown.
type MessageType string

const (
	MessageTypeRegister     MessageType = "register"
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeEvent        MessageType = "event"
	MessageTypeHeartbeat    MessageType = "heartbeat"
	MessageTypeHeartbeatAck MessageType = "heartbeat_ack"
	MessageTypeWelcome      MessageType = "welcome"
	MessageTypeUnknown      MessageType = ""
)

// ParseMessageType maps a raw string onto the closed type set.
func ParseMessageType(s string) MessageType {
	switch MessageType(s) {
	case MessageTypeRegister, MessageTypeRequest, MessageTypeResponse,
		MessageTypeEvent, MessageTypeHeartbeat, MessageTypeHeartbeatAck,
		MessageTypeWelcome:
		return MessageType(s)
	default:
		return MessageTypeUnknown
	}
}

// Envelope is the transport-agnostic frame carried between server and
// extension. TabID 0 means "no tab"; browser tab ids are always positive.
type Envelope struct {
	Type          MessageType            `json:"type"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	TabID         int                    `json:"tabId,omitempty"`
	URL           string                 `json:"url,omitempty"`
	Capabilities  []string               `json:"capabilities,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// NewEnvelope stamps an envelope with the current time.
func NewEnvelope(t MessageType) Envelope {
	return Envelope{Type: t, Timestamp: time.Now().UTC()}
}

// Encode serializes the envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire frame. The envelope type is normalized through
// ParseMessageType so callers can switch exhaustively.
func Decode(data []byte) (Envelope, error) {
	var raw struct {
		Type          string                 `json:"type"`
		CorrelationID string                 `json:"correlationId"`
		TabID         int                    `json:"tabId"`
		URL           string                 `json:"url"`
		Capabilities  []string               `json:"capabilities"`
		Data          map[string]interface{} `json:"data"`
		Timestamp     time.Time              `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return Envelope{
		Type:          ParseMessageType(raw.Type),
		CorrelationID: raw.CorrelationID,
		TabID:         raw.TabID,
		URL:           raw.URL,
		Capabilities:  raw.Capabilities,
		Data:          raw.Data,
		Timestamp:     raw.Timestamp,
	}, nil
}

// Sender is the write side of a connection. Implementations must be safe
// for concurrent use; the router and the server both write through it.
type Sender interface {
	Send(Envelope) error
}

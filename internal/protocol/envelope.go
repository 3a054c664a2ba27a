// Package protocol defines the session event envelope streamed to clients
// over /v3/ws and the event kinds it carries.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the wire protocol version carried in every envelope.
const Version = "3"

var (
	ErrInvalidEnvelope    = errors.New("protocol: invalid envelope")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
)

// Kind names the fact an envelope records.
type Kind string

const (
	KindTurnStart          Kind = "turn.start"
	KindTurnToken          Kind = "turn.token"
	KindTurnEnd            Kind = "turn.end"
	KindToolStart          Kind = "tool.start"
	KindToolEnd            Kind = "tool.end"
	KindPermissionRequest  Kind = "permission.request"
	KindPermissionResolved Kind = "permission.resolved"
	KindError              Kind = "error"
	KindSessionClosed      Kind = "session.closed"

	// KindReplayGap is a connection-level control frame. It always has
	// Seq 0 and is never stored in a session log.
	KindReplayGap Kind = "replay.gap"
)

// Envelope is one immutable, sequence-numbered event record.
type Envelope struct {
	V         string          `json:"v"`
	Event     Kind            `json:"event"`
	DaemonID  string          `json:"daemonId"`
	SessionID string          `json:"sessionId"`
	Seq       uint64          `json:"seq"`
	TS        string          `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload and stamps the protocol version and time.
// A nil payload is encoded as an empty object.
func NewEnvelope(kind Kind, daemonID, sessionID string, seq uint64, at time.Time, payload any) (Envelope, error) {
	if strings.TrimSpace(string(kind)) == "" {
		return Envelope{}, fmt.Errorf("%w: event kind is required", ErrInvalidEnvelope)
	}
	body, err := MarshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		V:         Version,
		Event:     kind,
		DaemonID:  daemonID,
		SessionID: sessionID,
		Seq:       seq,
		TS:        at.UTC().Format(time.RFC3339Nano),
		Payload:   body,
	}, nil
}

// MarshalPayload encodes a kind-specific payload. Pre-encoded JSON passes through.
func MarshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return p, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return body, nil
}

// IsControl reports whether e is a connection-level control frame rather
// than a session event.
func (e Envelope) IsControl() bool {
	return e.Seq == 0
}

// Validate checks the fields every envelope must carry.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, e.V)
	}
	if strings.TrimSpace(string(e.Event)) == "" {
		return fmt.Errorf("%w: event is required", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(e.SessionID) == "" {
		return fmt.Errorf("%w: sessionId is required", ErrInvalidEnvelope)
	}
	if e.Seq == 0 && e.Event != KindReplayGap {
		return fmt.Errorf("%w: seq must be positive for %s", ErrInvalidEnvelope, e.Event)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidEnvelope)
	}
	return nil
}

// Time parses the envelope timestamp.
func (e Envelope) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.TS)
}

// DecodePayload unmarshals the payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidEnvelope)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// Package protocol defines the JSON wire format exchanged with show clients:
// the inbound MessageEnvelope with one payload shape per route, and the
// outbound frames the broker emits.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Type names a route carried in the envelope "type" field.
type Type string

const (
	TypeConnect     Type = "connect"
	TypeDisconnect  Type = "disconnect"
	TypePing        Type = "ping"
	TypeSync        Type = "sync"
	TypePreset      Type = "preset"
	TypePerformance Type = "performance"
	TypeChat        Type = "chat"
)

// StateAffecting reports whether the route mutates shared state.
func (t Type) StateAffecting() bool {
	switch t {
	case TypeSync, TypePreset, TypePerformance:
		return true
	}
	return false
}

const (
	maxIdentifierLength = 128
	maxChatRunes        = 2000
	maxPresetParameters = 256

	// PresetStateKey holds the active preset for a room.
	PresetStateKey = "activePreset"
	// PerformanceKeyPrefix prefixes the per-sender telemetry keys.
	PerformanceKeyPrefix = "performance/"
)

// ErrValidation marks malformed envelopes. They are dropped and never fan out.
var ErrValidation = errors.New("invalid envelope")

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._:/-]+$`)

// Envelope is the inbound message shape shared by every route.
type Envelope struct {
	Type            Type            `json:"type"`
	SenderID        string          `json:"senderId"`
	RoomID          string          `json:"roomId"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientSequence  uint64          `json:"clientSequence"`
	OpID            string          `json:"opId,omitempty"`
	OriginTimestamp int64           `json:"originTimestamp,omitempty"`
}

// Payload is the closed set of per-route payload shapes.
type Payload interface {
	route() Type
}

// PingPayload carries an optional client clock reading for offset estimation.
type PingPayload struct {
	ClientTime int64 `json:"clientTime,omitempty"`
}

// SyncPayload sets a single shared parameter.
type SyncPayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// PresetPayload activates a preset for the whole room.
type PresetPayload struct {
	PresetID   string                     `json:"presetId"`
	Name       string                     `json:"name,omitempty"`
	Parameters map[string]json.RawMessage `json:"parameters,omitempty"`
}

// PerformancePayload reports client render telemetry.
type PerformancePayload struct {
	FPS           float64 `json:"fps"`
	FrameTimeMs   float64 `json:"frameTimeMs,omitempty"`
	LatencyMs     float64 `json:"latencyMs,omitempty"`
	DroppedFrames int     `json:"droppedFrames,omitempty"`
	GPU           string  `json:"gpu,omitempty"`
}

// ChatPayload is a text message between performers.
type ChatPayload struct {
	Text string `json:"text"`
}

func (PingPayload) route() Type        { return TypePing }
func (SyncPayload) route() Type        { return TypeSync }
func (PresetPayload) route() Type      { return TypePreset }
func (PerformancePayload) route() Type { return TypePerformance }
func (ChatPayload) route() Type        { return TypeChat }

// Message is an envelope whose payload passed validation for its route.
type Message struct {
	Envelope
	Body Payload
}

// Decode parses and validates a raw frame received from a client.
func Decode(data []byte) (*Message, error) {
	var env Envelope
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return env.Validate()
}

// PeekOpID extracts the opId from a frame that failed validation so the
// rejection can still be correlated by the sender.
func PeekOpID(data []byte) string {
	var probe struct {
		OpID string `json:"opId"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || len(probe.OpID) > maxIdentifierLength {
		return ""
	}
	return probe.OpID
}

// Validate checks the envelope header and decodes the payload for its route.
func (e Envelope) Validate() (*Message, error) {
	//1.- Reject lifecycle routes; connect and disconnect are raised by the transport.
	switch e.Type {
	case TypeConnect, TypeDisconnect:
		return nil, invalid("route %q is transport-level", e.Type)
	case TypePing, TypeSync, TypePreset, TypePerformance, TypeChat:
	case "":
		return nil, invalid("type is required")
	default:
		return nil, invalid("unknown route %q", e.Type)
	}
	//2.- Validate the header fields shared by every route.
	if err := checkIdentifier("roomId", e.RoomID, true); err != nil {
		return nil, err
	}
	if err := checkIdentifier("senderId", e.SenderID, true); err != nil {
		return nil, err
	}
	if err := checkIdentifier("opId", e.OpID, e.Type.StateAffecting()); err != nil {
		return nil, err
	}
	if e.Type.StateAffecting() && e.ClientSequence == 0 {
		return nil, invalid("clientSequence must be positive for %s", e.Type)
	}
	if e.OriginTimestamp < 0 {
		return nil, invalid("originTimestamp must not be negative")
	}
	//3.- Decode the payload strictly against the route's schema.
	body, err := e.decodePayload()
	if err != nil {
		return nil, err
	}
	return &Message{Envelope: e, Body: body}, nil
}

func (e Envelope) decodePayload() (Payload, error) {
	switch e.Type {
	case TypePing:
		var p PingPayload
		if len(e.Payload) > 0 && !isNull(e.Payload) {
			if err := strictUnmarshal(e.Payload, &p); err != nil {
				return nil, err
			}
		}
		return p, nil
	case TypeSync:
		var p SyncPayload
		if err := strictUnmarshal(e.Payload, &p); err != nil {
			return nil, err
		}
		if err := checkIdentifier("payload.key", p.Key, true); err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(p.Value)) == 0 {
			return nil, invalid("payload.value is required")
		}
		return p, nil
	case TypePreset:
		var p PresetPayload
		if err := strictUnmarshal(e.Payload, &p); err != nil {
			return nil, err
		}
		if err := checkIdentifier("payload.presetId", p.PresetID, true); err != nil {
			return nil, err
		}
		if len(p.Parameters) > maxPresetParameters {
			return nil, invalid("payload.parameters exceeds %d entries", maxPresetParameters)
		}
		for name := range p.Parameters {
			if err := checkIdentifier("payload.parameters key", name, true); err != nil {
				return nil, err
			}
		}
		return p, nil
	case TypePerformance:
		var p PerformancePayload
		if err := strictUnmarshal(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.FPS < 0 || p.FrameTimeMs < 0 || p.LatencyMs < 0 || p.DroppedFrames < 0 {
			return nil, invalid("performance metrics must not be negative")
		}
		return p, nil
	case TypeChat:
		var p ChatPayload
		if err := strictUnmarshal(e.Payload, &p); err != nil {
			return nil, err
		}
		text := strings.TrimSpace(p.Text)
		if text == "" {
			return nil, invalid("payload.text is required")
		}
		if utf8.RuneCountInString(text) > maxChatRunes {
			return nil, invalid("payload.text exceeds %d characters", maxChatRunes)
		}
		p.Text = text
		return p, nil
	}
	return nil, invalid("unknown route %q", e.Type)
}

// StateUpdate maps a state-affecting message onto the shared key it writes.
func (m *Message) StateUpdate() (key string, value json.RawMessage, ok bool) {
	if m == nil {
		return "", nil, false
	}
	switch body := m.Body.(type) {
	case SyncPayload:
		return body.Key, append(json.RawMessage(nil), body.Value...), true
	case PresetPayload:
		encoded, err := json.Marshal(body)
		if err != nil {
			return "", nil, false
		}
		return PresetStateKey, encoded, true
	case PerformancePayload:
		encoded, err := json.Marshal(body)
		if err != nil {
			return "", nil, false
		}
		return PerformanceKeyPrefix + m.SenderID, encoded, true
	}
	return "", nil, false
}

func strictUnmarshal(raw json.RawMessage, target any) error {
	if len(raw) == 0 || isNull(raw) {
		return invalid("payload is required")
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return invalid("payload: %v", err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func checkIdentifier(field, value string, required bool) error {
	if value == "" {
		if required {
			return invalid("%s is required", field)
		}
		return nil
	}
	if len(value) > maxIdentifierLength {
		return invalid("%s exceeds %d bytes", field, maxIdentifierLength)
	}
	if !identifierPattern.MatchString(value) {
		return invalid("%s contains unsupported characters", field)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

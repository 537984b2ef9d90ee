package protocol

import (
	"encoding/json"
)

// Outbound frame types emitted by the broker in addition to the echoed routes.
const (
	TypeAck      Type = "ack"
	TypePong     Type = "pong"
	TypePresence Type = "presence"
	TypeSnapshot Type = "snapshot"
	TypeError    Type = "error"
)

// AckStatus tells the sender how its operation was reconciled.
type AckStatus string

const (
	AckApplied    AckStatus = "applied"
	AckSuperseded AckStatus = "superseded"
	AckDuplicate  AckStatus = "duplicate"
	AckDelivered  AckStatus = "delivered"
)

// PresenceAction distinguishes join and leave announcements.
type PresenceAction string

const (
	PresenceJoined PresenceAction = "joined"
	PresenceLeft   PresenceAction = "left"
)

// ErrorCode classifies error frames returned to a sender.
type ErrorCode string

const (
	CodeValidation  ErrorCode = "validation"
	CodeThrottled   ErrorCode = "throttled"
	CodeUnavailable ErrorCode = "unavailable"
	CodeForbidden   ErrorCode = "forbidden"
)

// Frame is the outbound message shape. Only the fields relevant to Type are set.
type Frame struct {
	Type       Type            `json:"type"`
	RoomID     string          `json:"roomId,omitempty"`
	SenderID   string          `json:"senderId,omitempty"`
	OpID       string          `json:"opId,omitempty"`
	Status     AckStatus       `json:"status,omitempty"`
	Entry      any             `json:"entry,omitempty"`
	Entries    any             `json:"entries,omitempty"`
	Action     PresenceAction  `json:"action,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Code       ErrorCode       `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
	Retryable  bool            `json:"retryable,omitempty"`
	ClientTime int64           `json:"clientTime,omitempty"`
	ServerTime int64           `json:"serverTime,omitempty"`
}

// Encode serialises the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses an outbound frame, as a client would.
func DecodeFrame(data []byte) (Frame, error) {
	var frame Frame
	err := json.Unmarshal(data, &frame)
	return frame, err
}

// PresenceFrame announces a session joining or leaving a room.
func PresenceFrame(roomID, sessionID, userID string, action PresenceAction) Frame {
	return Frame{Type: TypePresence, RoomID: roomID, SessionID: sessionID, UserID: userID, Action: action}
}

// StateFrame broadcasts a converged entry for a state-affecting route.
func StateFrame(route Type, roomID, senderID string, entry any) Frame {
	return Frame{Type: route, RoomID: roomID, SenderID: senderID, Entry: entry}
}

// AckFrame answers the sender of an operation with the converged entry.
func AckFrame(roomID, opID string, status AckStatus, entry any) Frame {
	return Frame{Type: TypeAck, RoomID: roomID, OpID: opID, Status: status, Entry: entry}
}

// ChatFrame relays a chat message to the room.
func ChatFrame(roomID, senderID string, text string) Frame {
	payload, _ := json.Marshal(ChatPayload{Text: text})
	return Frame{Type: TypeChat, RoomID: roomID, SenderID: senderID, Payload: payload}
}

// PongFrame answers a ping with the server clock.
func PongFrame(roomID string, clientTime, serverTime int64) Frame {
	return Frame{Type: TypePong, RoomID: roomID, ClientTime: clientTime, ServerTime: serverTime}
}

// SnapshotFrame carries the full room state to a newly joined session.
func SnapshotFrame(roomID, sessionID string, entries any) Frame {
	return Frame{Type: TypeSnapshot, RoomID: roomID, SessionID: sessionID, Entries: entries}
}

// ErrorFrame reports a rejected operation to its sender.
func ErrorFrame(roomID, opID string, code ErrorCode, message string, retryable bool) Frame {
	return Frame{Type: TypeError, RoomID: roomID, OpID: opID, Code: code, Message: message, Retryable: retryable}
}

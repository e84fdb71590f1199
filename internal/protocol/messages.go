// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSolveChallenge = "solve_challenge"
	TypeFindMatch      = "find_match"
	TypeSendMessage    = "send_message"
	TypeTyping         = "typing"
	TypeReport         = "report"
	TypeLeaveChat      = "leave_chat"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeChallenge        = "challenge"
	TypeChallengeSuccess = "challenge_success"
	TypeSearching        = "searching"
	TypeMatched          = "matched"
	TypeMessage          = "message"
	TypeMessageBatch     = "message_batch"
	TypePartnerTyping    = "partner_typing"
	TypePartnerLeft      = "partner_left"
	TypeSoftError        = "soft_error"
	TypeRateLimited      = "rate_limited"
	TypeBanned           = "banned"
	TypeOnlineCount      = "online_count"
	TypeAck              = "ack"
	TypeError            = "error"
	TypePong             = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SolveChallengeMsg carries the client's candidate answer to the
// proof-of-work challenge issued at connect time.
type SolveChallengeMsg struct {
	Type      string `json:"type"`
	Candidate string `json:"candidate"`
}

// FindMatchMsg is sent by the client to enter the waiting queue.
type FindMatchMsg struct {
	Type string `json:"type"`
}

// SendMessageMsg is a text message sent by the client to its chat partner.
// AckID is optional; when non-empty the server confirms acceptance into the
// relay pipeline with an AckMsg carrying the same id.
type SendMessageMsg struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	AckID string `json:"ack_id,omitempty"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// ReportMsg is sent by the client to report the current chat partner.
type ReportMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// LeaveChatMsg is sent by the client to end the current chat.
type LeaveChatMsg struct {
	Type  string `json:"type"`
	AckID string `json:"ack_id,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ChallengeMsg is sent immediately after connect. The client must find a
// candidate string such that the hex digest of prefix+candidate ends in
// Difficulty zero digits.
type ChallengeMsg struct {
	Type       string `json:"type"`
	Prefix     string `json:"prefix"`
	Difficulty int    `json:"difficulty"`
}

// ChallengeSuccessMsg confirms the proof-of-work solution was accepted.
type ChallengeSuccessMsg struct {
	Type string `json:"type"`
}

// SearchingMsg confirms the client has entered the waiting queue.
type SearchingMsg struct {
	Type string `json:"type"`
}

// MatchedMsg is sent to both members when a pair has been formed.
type MatchedMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// ChatMessageMsg is a single relayed partner message.
type ChatMessageMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// BatchEntry is one message inside a MessageBatchMsg.
type BatchEntry struct {
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// MessageBatchMsg delivers several partner messages that accumulated within
// one flush window as a single ordered event.
type MessageBatchMsg struct {
	Type     string       `json:"type"`
	Messages []BatchEntry `json:"messages"`
}

// PartnerTypingMsg relays the partner's typing indicator.
type PartnerTypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// PartnerLeftMsg is sent when the chat partner has disconnected or left.
type PartnerLeftMsg struct {
	Type string `json:"type"`
}

// SoftErrorMsg is a non-fatal notice; the session stays alive.
type SoftErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RateLimitedMsg is sent when the client has exceeded a rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// BannedMsg is sent right before a banned client is disconnected.
type BannedMsg struct {
	Type     string `json:"type"`
	Reason   string `json:"reason"`
	Duration int    `json:"duration"` // seconds, 0 if unknown
}

// OnlineCountMsg broadcasts the current number of connected clients.
type OnlineCountMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// AckMsg confirms a client request was accepted for processing. It means
// "accepted for relay", not "received by the partner".
type AckMsg struct {
	Type  string `json:"type"`
	AckID string `json:"ack_id"`
}

// ErrorMsg is sent by the server to communicate an error condition. It never
// carries internal error detail.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSolveChallenge:
		var m SolveChallengeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFindMatch:
		var m FindMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReport:
		var m ReportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveChat:
		var m LeaveChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

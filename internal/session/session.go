// Package session defines the per-connection session record and its state
// machine. A session is created by the connection gateway once admission
// checks pass and lives until the connection closes. All session state is
// in-process; there is no persistence.
package session

import (
	"log"
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateChallenging means the connection is solving the proof-of-work
	// challenge and has no capabilities yet.
	StateChallenging State = "challenging"
	// StateIdle means the session is verified and not searching or chatting.
	StateIdle State = "idle"
	// StateWaiting means the session is in the waiting queue.
	StateWaiting State = "waiting"
	// StateChatting means the session is paired in a room.
	StateChatting State = "chatting"
)

// legalTransitions is the table of allowed state changes. Self-transitions
// for idle, waiting and chatting are legal (metadata refresh); challenging
// can only move forward to idle.
var legalTransitions = map[State]map[State]bool{
	StateChallenging: {StateIdle: true},
	StateIdle:        {StateIdle: true, StateWaiting: true},
	StateWaiting:     {StateWaiting: true, StateChatting: true, StateIdle: true},
	StateChatting:    {StateChatting: true, StateWaiting: true, StateIdle: true},
}

// Session is the in-memory record for one active connection.
type Session struct {
	ID              string
	State           State
	IdentityHash    string // salted hash of the originating address
	PartnerID       string // set while chatting
	RoomID          string // set while chatting
	ReputationScore int    // cached 0-100 trust score
	Verified        bool   // proof-of-work solved
	Connected       bool   // false once the connection closed
	CreatedAt       time.Time
	LastMessageAt   time.Time
	LastMatchAt     time.Time
	SearchStartedAt time.Time
	TypingState     bool
}

// New creates a session in the challenging state.
func New(id, identityHash string, now time.Time) *Session {
	return &Session{
		ID:           id,
		State:        StateChallenging,
		IdentityHash: identityHash,
		Connected:    true,
		CreatedAt:    now,
	}
}

// Meta carries optional fields applied during a transition. Nil pointers
// leave the corresponding session field unchanged; the merge is shallow and
// never replaces the whole record.
type Meta struct {
	PartnerID       *string
	RoomID          *string
	Verified        *bool
	LastMatchAt     *time.Time
	SearchStartedAt *time.Time
	TypingState     *bool
}

// CanTransition reports whether moving from to the given state is legal.
func (s *Session) CanTransition(to State) bool {
	return legalTransitions[s.State][to]
}

// Transition moves the session to a new state and merges the metadata. An
// illegal transition is a logged no-op: state and metadata are left
// untouched and no error is raised to the caller. Returns whether the
// transition was applied.
func (s *Session) Transition(to State, meta Meta) bool {
	if !s.CanTransition(to) {
		log.Printf("[session] illegal transition %s -> %s id=%s (ignored)", s.State, to, s.ID)
		return false
	}

	s.State = to
	if meta.PartnerID != nil {
		s.PartnerID = *meta.PartnerID
	}
	if meta.RoomID != nil {
		s.RoomID = *meta.RoomID
	}
	if meta.Verified != nil {
		s.Verified = *meta.Verified
	}
	if meta.LastMatchAt != nil {
		s.LastMatchAt = *meta.LastMatchAt
	}
	if meta.SearchStartedAt != nil {
		s.SearchStartedAt = *meta.SearchStartedAt
	}
	if meta.TypingState != nil {
		s.TypingState = *meta.TypingState
	}
	return true
}

// ClearPairing resets partner and room references. Used when returning a
// session to idle or before a fresh match attempt.
func (s *Session) ClearPairing() {
	s.PartnerID = ""
	s.RoomID = ""
	s.TypingState = false
}

// Str returns a pointer to the given string, for use in Meta literals.
func Str(s string) *string { return &s }

// Bool returns a pointer to the given bool, for use in Meta literals.
func Bool(b bool) *bool { return &b }

// Time returns a pointer to the given time, for use in Meta literals.
func Time(t time.Time) *time.Time { return &t }

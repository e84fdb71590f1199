package session

import (
	"testing"
	"time"
)

func newIdle(t *testing.T) *Session {
	t.Helper()
	s := New("s1", "hash1", time.Now())
	if !s.Transition(StateIdle, Meta{Verified: Bool(true)}) {
		t.Fatal("challenging -> idle must be legal")
	}
	return s
}

func TestNew_StartsChallenging(t *testing.T) {
	s := New("s1", "hash1", time.Now())
	if s.State != StateChallenging {
		t.Errorf("State = %q, want %q", s.State, StateChallenging)
	}
	if s.Verified {
		t.Error("new session must not be verified")
	}
	if !s.Connected {
		t.Error("new session must be connected")
	}
}

func TestTransition_Table(t *testing.T) {
	tests := []struct {
		from  State
		to    State
		legal bool
	}{
		{StateChallenging, StateIdle, true},
		{StateChallenging, StateWaiting, false},
		{StateChallenging, StateChatting, false},
		{StateChallenging, StateChallenging, false},
		{StateIdle, StateIdle, true},
		{StateIdle, StateWaiting, true},
		{StateIdle, StateChatting, false},
		{StateIdle, StateChallenging, false},
		{StateWaiting, StateWaiting, true},
		{StateWaiting, StateChatting, true},
		{StateWaiting, StateIdle, true},
		{StateWaiting, StateChallenging, false},
		{StateChatting, StateChatting, true},
		{StateChatting, StateWaiting, true},
		{StateChatting, StateIdle, true},
		{StateChatting, StateChallenging, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			s := New("s1", "h", time.Now())
			s.State = tt.from
			got := s.Transition(tt.to, Meta{})
			if got != tt.legal {
				t.Errorf("Transition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.legal)
			}
			if tt.legal && s.State != tt.to {
				t.Errorf("state after legal transition = %q, want %q", s.State, tt.to)
			}
			if !tt.legal && s.State != tt.from {
				t.Errorf("state after illegal transition = %q, want unchanged %q", s.State, tt.from)
			}
		})
	}
}

func TestTransition_IllegalIsNoOp(t *testing.T) {
	s := newIdle(t)
	s.PartnerID = "p1"
	s.RoomID = "r1"

	// Illegal: idle -> chatting. Metadata must not be merged either.
	if s.Transition(StateChatting, Meta{PartnerID: Str("p2"), RoomID: Str("r2")}) {
		t.Fatal("idle -> chatting should be illegal")
	}
	if s.PartnerID != "p1" || s.RoomID != "r1" {
		t.Errorf("metadata merged on illegal transition: partner=%q room=%q", s.PartnerID, s.RoomID)
	}
}

func TestTransition_ShallowMerge(t *testing.T) {
	s := newIdle(t)
	searchStart := time.Now()
	s.Transition(StateWaiting, Meta{SearchStartedAt: Time(searchStart)})

	// Transitioning to chatting with only pairing fields must not clobber
	// SearchStartedAt or Verified.
	s.Transition(StateChatting, Meta{PartnerID: Str("p2"), RoomID: Str("r2")})

	if s.PartnerID != "p2" || s.RoomID != "r2" {
		t.Errorf("pairing fields not merged: partner=%q room=%q", s.PartnerID, s.RoomID)
	}
	if !s.SearchStartedAt.Equal(searchStart) {
		t.Error("SearchStartedAt clobbered by unrelated transition")
	}
	if !s.Verified {
		t.Error("Verified clobbered by unrelated transition")
	}
}

func TestClearPairing(t *testing.T) {
	s := newIdle(t)
	s.Transition(StateWaiting, Meta{})
	s.Transition(StateChatting, Meta{PartnerID: Str("p2"), RoomID: Str("r2"), TypingState: Bool(true)})

	s.ClearPairing()
	if s.PartnerID != "" || s.RoomID != "" || s.TypingState {
		t.Errorf("ClearPairing left remnants: partner=%q room=%q typing=%v", s.PartnerID, s.RoomID, s.TypingState)
	}
}

func TestStateAlwaysDefined(t *testing.T) {
	defined := map[State]bool{
		StateChallenging: true, StateIdle: true, StateWaiting: true, StateChatting: true,
	}
	s := New("s1", "h", time.Now())
	targets := []State{StateIdle, StateWaiting, StateChatting, StateIdle, StateWaiting,
		StateWaiting, StateChatting, StateChatting, StateChallenging, StateIdle}
	for _, to := range targets {
		s.Transition(to, Meta{})
		if !defined[s.State] {
			t.Fatalf("session entered undefined state %q", s.State)
		}
	}
}

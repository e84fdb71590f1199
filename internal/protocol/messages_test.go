package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEnvelope_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType string
		wantErr  bool
	}{
		{"valid find_match", `{"type":"find_match"}`, "find_match", false},
		{"valid with payload", `{"type":"send_message","text":"hi"}`, "send_message", false},
		{"missing type", `{"text":"hi"}`, "", true},
		{"empty type", `{"type":""}`, "", true},
		{"not json", `not json at all`, "", true},
		{"type wrong kind", `{"type":42}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env Envelope
			err := json.Unmarshal([]byte(tt.input), &env)
			if (err != nil) != tt.wantErr {
				t.Fatalf("unmarshal error = %v, wantErr = %v", err, tt.wantErr)
			}
			if err == nil && env.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", env.Type, tt.wantType)
			}
		})
	}
}

func TestEnvelope_PreservesRaw(t *testing.T) {
	input := `{"type":"send_message","text":"hello world","ack_id":"a1"}`
	var env Envelope
	if err := json.Unmarshal([]byte(input), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	var msg SendMessageMsg
	if err := json.Unmarshal(env.Raw, &msg); err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	if msg.Text != "hello world" {
		t.Errorf("Text = %q, want %q", msg.Text, "hello world")
	}
	if msg.AckID != "a1" {
		t.Errorf("AckID = %q, want %q", msg.AckID, "a1")
	}
}

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType string
		wantErr  bool
	}{
		{"solve_challenge", `{"type":"solve_challenge","candidate":"42"}`, TypeSolveChallenge, false},
		{"find_match", `{"type":"find_match"}`, TypeFindMatch, false},
		{"send_message", `{"type":"send_message","text":"hi"}`, TypeSendMessage, false},
		{"typing", `{"type":"typing","is_typing":true}`, TypeTyping, false},
		{"report", `{"type":"report","reason":"spam"}`, TypeReport, false},
		{"leave_chat", `{"type":"leave_chat"}`, TypeLeaveChat, false},
		{"ping", `{"type":"ping"}`, TypePing, false},
		{"unknown type", `{"type":"frobnicate"}`, "frobnicate", true},
		{"server-only type", `{"type":"matched"}`, TypeMatched, true},
		{"garbage", `][`, "", true},
		{"wrong payload shape", `{"type":"typing","is_typing":"yes"}`, TypeTyping, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, msg, err := ParseClientMessage([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr = %v", err, tt.wantErr)
			}
			if gotType != tt.wantType {
				t.Errorf("type = %q, want %q", gotType, tt.wantType)
			}
			if !tt.wantErr && msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

func TestParseClientMessage_ConcreteTypes(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"solve_challenge","candidate":"abc123"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sc, ok := msg.(SolveChallengeMsg)
	if !ok {
		t.Fatalf("expected SolveChallengeMsg, got %T", msg)
	}
	if sc.Candidate != "abc123" {
		t.Errorf("Candidate = %q, want %q", sc.Candidate, "abc123")
	}

	_, msg, err = ParseClientMessage([]byte(`{"type":"typing","is_typing":true}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tm, ok := msg.(TypingMsg)
	if !ok {
		t.Fatalf("expected TypingMsg, got %T", msg)
	}
	if !tm.IsTyping {
		t.Error("IsTyping = false, want true")
	}
}

func TestNewServerMessage(t *testing.T) {
	data, err := NewServerMessage(TypeMatched, MatchedMsg{RoomID: "room-1"})
	if err != nil {
		t.Fatalf("NewServerMessage: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if decoded["type"] != TypeMatched {
		t.Errorf("type = %v, want %q", decoded["type"], TypeMatched)
	}
	if decoded["room_id"] != "room-1" {
		t.Errorf("room_id = %v, want %q", decoded["room_id"], "room-1")
	}
}

func TestNewServerMessage_InjectsTypeOverEmptyField(t *testing.T) {
	// The struct's own Type field is empty; NewServerMessage must fill it.
	data, err := NewServerMessage(TypeSearching, SearchingMsg{})
	if err != nil {
		t.Fatalf("NewServerMessage: %v", err)
	}
	if !strings.Contains(string(data), `"type":"searching"`) {
		t.Errorf("output missing injected type: %s", data)
	}
}

func TestNewServerMessage_Batch(t *testing.T) {
	batch := MessageBatchMsg{Messages: []BatchEntry{
		{Text: "one", Ts: 1},
		{Text: "two", Ts: 2},
	}}
	data, err := NewServerMessage(TypeMessageBatch, batch)
	if err != nil {
		t.Fatalf("NewServerMessage: %v", err)
	}

	var decoded struct {
		Type     string       `json:"type"`
		Messages []BatchEntry `json:"messages"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != TypeMessageBatch {
		t.Errorf("type = %q, want %q", decoded.Type, TypeMessageBatch)
	}
	if len(decoded.Messages) != 2 || decoded.Messages[0].Text != "one" || decoded.Messages[1].Text != "two" {
		t.Errorf("messages round-trip mismatch: %+v", decoded.Messages)
	}
}

package engine

import (
	"testing"
	"time"

	"github.com/strangerchat/chat-app/internal/session"
)

func TestFindMatch_PairsTwoSessions(t *testing.T) {
	e, sender, _ := newTestEngine(t)
	addVerified(e, "s1")
	addVerified(e, "s2")

	e.HandleFindMatch("s1")
	waitFor(t, "s1 searching", func() bool { return sender.received("s1", "searching") })

	e.HandleFindMatch("s2")
	waitFor(t, "both matched", func() bool {
		return sender.received("s1", "matched") && sender.received("s2", "matched")
	})

	room1 := sender.lastOfType("s1", "matched")["room_id"]
	room2 := sender.lastOfType("s2", "matched")["room_id"]
	if room1 == "" || room1 != room2 {
		t.Errorf("room ids differ: %v vs %v", room1, room2)
	}

	e.call(func() {
		s1, s2 := e.sessions["s1"], e.sessions["s2"]
		if s1.State != session.StateChatting || s2.State != session.StateChatting {
			t.Errorf("states = %s/%s, want chatting/chatting", s1.State, s2.State)
		}
		if s1.PartnerID != "s2" || s2.PartnerID != "s1" {
			t.Errorf("partners = %q/%q, want symmetric", s1.PartnerID, s2.PartnerID)
		}
		if s1.RoomID != s2.RoomID {
			t.Errorf("room ids differ in state: %q vs %q", s1.RoomID, s2.RoomID)
		}
		if e.queue.Len() != 0 {
			t.Errorf("queue len = %d after pairing, want 0", e.queue.Len())
		}
		if len(e.locks) != 0 {
			t.Errorf("locks still held after pairing: %v", e.locks)
		}
	})
}

func TestFindMatch_RepeatRequestDoesNotDuplicateQueueEntry(t *testing.T) {
	e, sender, _ := newTestEngine(t)
	addVerified(e, "s1")

	e.call(func() { e.findMatch("s1") })
	e.call(func() { e.findMatch("s1") })

	e.call(func() {
		if e.queue.Len() != 1 {
			t.Errorf("queue len = %d, want 1", e.queue.Len())
		}
	})
	if !sender.received("s1", "searching") {
		t.Error("client must be told it is searching")
	}
}

func TestFindMatch_CooldownIsSilent(t *testing.T) {
	e, sender, _ := newTestEngine(t)
	addVerified(e, "s1")

	e.call(func() {
		e.sessions["s1"].LastMatchAt = e.now().Add(-time.Second)
		e.findMatch("s1")
	})

	e.call(func() {
		if e.queue.Len() != 0 {
			t.Error("cooldown breach must not enqueue")
		}
	})
	if len(sender.typesFor("s1")) != 0 {
		t.Errorf("cooldown breach must be silent, got %v", sender.typesFor("s1"))
	}
}

func TestFindMatch_RateLimitWarnsSoftly(t *testing.T) {
	e, sender, _ := newTestEngine(t)
	addVerified(e, "s1")

	for i := 0; i < 5; i++ {
		e.call(func() { e.findMatch("s1") })
	}
	if sender.received("s1", "rate_limited") {
		t.Fatal("first five requests must pass the limiter")
	}

	e.call(func() { e.findMatch("s1") })
	if !sender.received("s1", "rate_limited") {
		t.Error("sixth request in the window must warn the client")
	}
}

func TestFindMatch_UnverifiedIgnored(t *testing.T) {
	e, sender, _ := newTestEngine(t)
	e.call(func() {
		sess := session.New("s1", "id1", e.now())
		e.sessions["s1"] = sess
	})

	e.call(func() { e.findMatch("s1") })
	e.call(func() {
		if e.queue.Len() != 0 {
			t.Error("unverified session must not enter the queue")
		}
	})
	if len(sender.typesFor("s1")) != 0 {
		t.Error("unverified find-match must be silent")
	}
}

func TestFindMatch_ChattingSessionIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t)
	addVerified(e, "s1")
	addVerified(e, "s2")
	e.call(func() { e.pairForTest("s1", "s2") })

	e.call(func() { e.findMatch("s1") })
	e.call(func() {
		if e.sessions["s1"].State != session.StateChatting {
			t.Error("a chatting session must stay chatting")
		}
		if e.queue.Contains("s1") {
			t.Error("a chatting session must not be enqueued")
		}
	})
}

func TestFindMatch_DiscardsStaleCandidate(t *testing.T) {
	e, _, _ := newTestEngine(t)
	addVerified(e, "s1")
	addVerified(e, "s2")

	e.call(func() { e.findMatch("s1") })
	// s1 slipped back to idle while queued: a stale entry.
	e.call(func() {
		e.sessions["s1"].Transition(session.StateIdle, session.Meta{})
	})

	e.call(func() { e.findMatch("s2") })
	e.call(func() {
		if e.sessions["s2"].State != session.StateWaiting {
			t.Errorf("s2 state = %s, want waiting", e.sessions["s2"].State)
		}
		if e.queue.Contains("s1") {
			t.Error("stale candidate must be discarded, not requeued")
		}
		if !e.queue.Contains("s2") {
			t.Error("s2 must wait in the queue")
		}
	})
}

func TestFindMatch_ContendedCandidateRequeuedAtTail(t *testing.T) {
	e, sender, _ := newTestEngine(t)
	addVerified(e, "s1")
	addVerified(e, "s2")

	e.call(func() { e.findMatch("s1") })
	// Simulate a pairing attempt holding s1's lock across this call.
	e.call(func() { e.locks["s1"] = true })

	e.call(func() { e.findMatch("s2") })
	e.call(func() {
		if !e.queue.Contains("s1") {
			t.Error("contended candidate must be requeued, not discarded")
		}
		if !e.queue.Contains("s2") {
			t.Error("s2 must fall through to the queue tail")
		}
		if e.sessions["s2"].State != session.StateWaiting {
			t.Errorf("s2 state = %s, want waiting", e.sessions["s2"].State)
		}
	})
	if sender.received("s2", "matched") {
		t.Error("no match may form against a locked candidate")
	}
}

func TestFindMatch_PairingClearsLingeringQueueEntry(t *testing.T) {
	e, sender, _ := newTestEngine(t)
	addVerified(e, "s1")
	addVerified(e, "s2")

	// s2 waits at the head; a held lock forces s1 behind it in the queue.
	e.call(func() { e.findMatch("s2") })
	e.call(func() { e.locks["s2"] = true })
	e.call(func() { e.findMatch("s1") })
	e.call(func() { delete(e.locks, "s2") })

	// The retry pops s2 and pairs before ever reaching s1's own entry.
	e.call(func() { e.findMatch("s1") })

	e.call(func() {
		if e.sessions["s1"].PartnerID != "s2" || e.sessions["s2"].PartnerID != "s1" {
			t.Fatalf("partners = %q/%q, want symmetric",
				e.sessions["s1"].PartnerID, e.sessions["s2"].PartnerID)
		}
		if e.queue.Len() != 0 {
			t.Errorf("queue len = %d after pairing, want 0", e.queue.Len())
		}
	})
	if !sender.received("s1", "matched") || !sender.received("s2", "matched") {
		t.Error("both sides must receive matched")
	}
}

func TestMatchFollowsApproximateFIFO(t *testing.T) {
	e, sender, _ := newTestEngine(t)
	addVerified(e, "s1")
	addVerified(e, "s2")
	addVerified(e, "s3")

	e.call(func() { e.findMatch("s1") })
	e.call(func() { e.findMatch("s2") })

	// s1 arrived first, so s3 pairs with s1 and s2 keeps waiting.
	e.call(func() { e.findMatch("s3") })
	e.call(func() {
		if e.sessions["s3"].PartnerID != "s1" {
			t.Errorf("s3 partner = %q, want s1 (queue head)", e.sessions["s3"].PartnerID)
		}
		if e.sessions["s2"].State != session.StateWaiting {
			t.Errorf("s2 state = %s, want still waiting", e.sessions["s2"].State)
		}
	})
	if sender.received("s2", "matched") {
		t.Error("s2 must not be matched yet")
	}
}

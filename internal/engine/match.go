package engine

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/strangerchat/chat-app/internal/metrics"
	"github.com/strangerchat/chat-app/internal/protocol"
	"github.com/strangerchat/chat-app/internal/session"
)

// HandleFindMatch runs one pairing attempt for the session.
func (e *Engine) HandleFindMatch(connID string) {
	e.submit(func() { e.findMatch(connID) })
}

// findMatch pairs the session with the head of the waiting queue, or
// enqueues it when no candidate is accepted. Preconditions fail as silent
// no-ops except the rate limit, which warns the client. Ordering is an
// approximate FIFO: contended candidates go back to the tail.
func (e *Engine) findMatch(connID string) {
	sess, ok := e.sessions[connID]
	if !ok || !sess.Connected || !sess.Verified {
		return
	}
	if sess.State == session.StateChatting {
		return
	}
	if e.locks[connID] {
		return
	}
	now := e.now()
	if !sess.LastMatchAt.IsZero() && now.Sub(sess.LastMatchAt) < e.cfg.MatchCooldown {
		return
	}
	if !e.limiter.Allow(sess.IdentityHash, e.matchRule) {
		retry := int(e.limiter.RetryAfter(sess.IdentityHash, e.matchRule).Seconds())
		e.send(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retry})
		return
	}

	// Clear any stale pairing remnants before searching.
	sess.ClearPairing()
	sess.Transition(session.StateWaiting, session.Meta{})
	e.locks[connID] = true

	for attempt := 0; attempt < e.cfg.MatchAttempts; attempt++ {
		candID, ok := e.queue.Pop()
		if !ok {
			break
		}
		if candID == connID {
			continue
		}

		cand := e.sessions[candID]
		if cand == nil || !cand.Connected || cand.State != session.StateWaiting || cand.PartnerID != "" {
			// Stale entry, discard.
			continue
		}
		if e.locks[candID] {
			// Contended by a concurrent pairing attempt; back to the tail.
			e.queue.Push(candID)
			continue
		}

		// Locks are never held across a client-visible delay; pair runs
		// start to finish inside this step.
		e.locks[candID] = true
		e.pair(sess, cand)
		delete(e.locks, connID)
		delete(e.locks, candID)
		metrics.QueueLength.Set(float64(e.queue.Len()))
		// On failure both sides were requeued by the rollback.
		return
	}

	// No candidate accepted: wait at the tail.
	delete(e.locks, connID)
	e.enqueue(sess)
	e.send(connID, protocol.TypeSearching, protocol.SearchingMsg{})
}

// enqueue puts the session at the tail, recording when its search began.
// Duplicate ids are never added.
func (e *Engine) enqueue(sess *session.Session) {
	if sess.SearchStartedAt.IsZero() {
		sess.SearchStartedAt = e.now()
	}
	e.queue.Push(sess.ID)
	metrics.QueueLength.Set(float64(e.queue.Len()))
}

// pair joins both sessions to a fresh room and transitions them to chatting
// with mutual partner references. Any verification or transition failure
// rolls back fully. Returns whether the pair formed.
func (e *Engine) pair(a, b *session.Session) bool {
	// A repeat find_match caller may still hold a queue entry behind the
	// popped candidate; drop both ids so the queue stays waiting-only.
	e.queue.Remove(a.ID)
	e.queue.Remove(b.ID)

	roomID := uuid.New().String()
	r := &room{
		id:      roomID,
		members: [2]string{a.ID, b.ID},
		buffers: make(map[string][]protocol.BatchEntry),
		timers:  make(map[string]*time.Timer),
	}
	e.rooms[roomID] = r

	// Post-join verification: both sides must still be live and the room
	// must hold exactly the two of them.
	if !a.Connected || !b.Connected || !r.has(a.ID) || !r.has(b.ID) {
		e.rollback(roomID, a, b)
		return false
	}

	now := e.now()
	if !a.Transition(session.StateChatting, session.Meta{
		PartnerID:   session.Str(b.ID),
		RoomID:      session.Str(roomID),
		LastMatchAt: session.Time(now),
	}) {
		e.rollback(roomID, a, b)
		return false
	}
	if !b.Transition(session.StateChatting, session.Meta{
		PartnerID:   session.Str(a.ID),
		RoomID:      session.Str(roomID),
		LastMatchAt: session.Time(now),
	}) {
		// Undo the half-applied side as well.
		a.Transition(session.StateWaiting, session.Meta{})
		e.rollback(roomID, a, b)
		return false
	}

	for _, s := range []*session.Session{a, b} {
		if !s.SearchStartedAt.IsZero() {
			metrics.MatchLatency.Observe(now.Sub(s.SearchStartedAt).Seconds())
			s.SearchStartedAt = time.Time{}
		}
	}

	metrics.ActivePairs.Set(float64(len(e.rooms)))
	e.send(a.ID, protocol.TypeMatched, protocol.MatchedMsg{RoomID: roomID})
	e.send(b.ID, protocol.TypeMatched, protocol.MatchedMsg{RoomID: roomID})
	log.Printf("[engine] matched %s <-> %s room=%s", a.ID, b.ID, roomID)
	return true
}

// rollback dissolves a failed pairing attempt silently: the room is dropped,
// both sessions are requeued, and both clients just keep seeing searching.
func (e *Engine) rollback(roomID string, a, b *session.Session) {
	e.dropRoom(roomID)
	for _, s := range []*session.Session{a, b} {
		s.ClearPairing()
		if s.Connected {
			s.Transition(session.StateWaiting, session.Meta{})
			e.enqueue(s)
			e.send(s.ID, protocol.TypeSearching, protocol.SearchingMsg{})
		}
	}
}

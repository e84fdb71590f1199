package engine

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/strangerchat/chat-app/internal/metrics"
	"github.com/strangerchat/chat-app/internal/moderation"
	"github.com/strangerchat/chat-app/internal/protocol"
	"github.com/strangerchat/chat-app/internal/session"
)

// moderationTimeout bounds the off-loop moderation call for one message,
// including store retries and the scorer round trip.
const moderationTimeout = 5 * time.Second

// HandleSendMessage relays a chat message to the sender's partner after
// validation, rate limiting, and moderation.
func (e *Engine) HandleSendMessage(connID, text, ackID string) {
	e.submit(func() { e.sendMessage(connID, text, ackID) })
}

func (e *Engine) sendMessage(connID, text, ackID string) {
	sess, ok := e.sessions[connID]
	if !ok || sess.State != session.StateChatting || sess.RoomID == "" {
		return
	}

	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > e.cfg.MaxMessageLen {
		return
	}

	// Every attempt counts against the rolling window, including ones the
	// interval floor will drop below; a bursty sender still reaches the
	// explicit notice.
	now := e.now()
	if !e.limiter.Allow(connID, e.msgRule) {
		retry := int(e.limiter.RetryAfter(connID, e.msgRule).Seconds())
		e.send(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retry})
		return
	}
	if !sess.LastMessageAt.IsZero() && now.Sub(sess.LastMessageAt) < e.cfg.MessageMinInterval {
		// Under the minimum inter-message interval: silent drop.
		return
	}
	sess.LastMessageAt = now

	// Moderation suspends this event: the check runs off the engine
	// goroutine and the completion re-validates the pairing before relay.
	roomID := sess.RoomID
	identity := sess.IdentityHash
	reputation := sess.ReputationScore
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), moderationTimeout)
		defer cancel()
		res := e.moderator.CheckMessage(ctx, identity, reputation, text)
		e.submit(func() { e.finishMessage(connID, roomID, text, ackID, res) })
	}()
}

// finishMessage applies the moderation outcome. It runs back on the engine
// goroutine; the session and room may have changed while the check ran, so
// everything is re-validated before the relay.
func (e *Engine) finishMessage(connID, roomID, text, ackID string, res moderation.Result) {
	sess := e.sessions[connID]
	if sess != nil && res.ReputationChanged {
		sess.ReputationScore = res.NewReputation
	}

	if res.Blocked {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		if sess == nil || !sess.Connected {
			return
		}
		if res.Banned {
			e.send(connID, protocol.TypeBanned, protocol.BannedMsg{
				Reason:   res.RuleTag,
				Duration: int(res.BanDuration.Seconds()),
			})
			e.sender.Disconnect(connID)
			return
		}
		e.send(connID, protocol.TypeSoftError, protocol.SoftErrorMsg{Message: "message blocked"})
		return
	}

	// Re-validate: still the same pairing, partner still live.
	if sess == nil || !sess.Connected || sess.State != session.StateChatting || sess.RoomID != roomID {
		return
	}
	r, ok := e.rooms[roomID]
	if !ok {
		return
	}
	partner := e.sessions[sess.PartnerID]
	if partner == nil || !partner.Connected || !r.has(partner.ID) {
		return
	}

	if ackID != "" {
		e.send(connID, protocol.TypeAck, protocol.AckMsg{AckID: ackID})
	}
	e.buffer(r, partner.ID, text)
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
}

// buffer queues a message for delivery to the recipient. The first message
// in an idle buffer arms the flush timer; anything arriving before it fires
// joins the batch.
func (e *Engine) buffer(r *room, recipientID, text string) {
	entry := protocol.BatchEntry{Text: text, Ts: e.now().UnixMilli()}
	r.buffers[recipientID] = append(r.buffers[recipientID], entry)

	if len(r.buffers[recipientID]) > 1 {
		return
	}
	roomID := r.id
	r.timers[recipientID] = time.AfterFunc(e.cfg.BatchWindow, func() {
		e.submit(func() { e.flushBuffer(roomID, recipientID) })
	})
}

// flushBuffer delivers everything accumulated for the recipient: a single
// message as one event, several as one ordered batch.
func (e *Engine) flushBuffer(roomID, recipientID string) {
	r, ok := e.rooms[roomID]
	if !ok {
		return
	}
	entries := r.buffers[recipientID]
	delete(r.buffers, recipientID)
	delete(r.timers, recipientID)
	if len(entries) == 0 {
		return
	}

	if len(entries) == 1 {
		e.send(recipientID, protocol.TypeMessage, protocol.ChatMessageMsg{
			Text: entries[0].Text,
			Ts:   entries[0].Ts,
		})
		return
	}
	e.send(recipientID, protocol.TypeMessageBatch, protocol.MessageBatchMsg{Messages: entries})
}

// HandleTyping forwards a typing indicator to the partner, throttled to one
// emission per interval.
func (e *Engine) HandleTyping(connID string, isTyping bool) {
	e.submit(func() { e.typing(connID, isTyping) })
}

func (e *Engine) typing(connID string, isTyping bool) {
	sess, ok := e.sessions[connID]
	if !ok || sess.State != session.StateChatting || sess.PartnerID == "" {
		return
	}
	if !e.limiter.Allow(connID, e.typingRule) {
		return
	}

	sess.TypingState = isTyping
	partnerID := sess.PartnerID
	e.send(partnerID, protocol.TypePartnerTyping, protocol.PartnerTypingMsg{IsTyping: isTyping})

	e.stopTypingWatchdog(connID)
	if isTyping {
		// Force-stop the indicator if the typer goes quiet without
		// signaling, so the partner never sees it stuck.
		e.typingTimers[connID] = time.AfterFunc(e.cfg.TypingWatchdog, func() {
			e.submit(func() { e.typingExpired(connID, partnerID) })
		})
	}
}

func (e *Engine) typingExpired(connID, partnerID string) {
	delete(e.typingTimers, connID)
	sess, ok := e.sessions[connID]
	if !ok || sess.State != session.StateChatting || sess.PartnerID != partnerID {
		return
	}
	sess.TypingState = false
	e.send(partnerID, protocol.TypePartnerTyping, protocol.PartnerTypingMsg{IsTyping: false})
}

// HandleReport reports the current chat partner. Invalid reasons are dropped
// at the boundary.
func (e *Engine) HandleReport(connID, reason string) {
	if !moderation.ValidReason(reason) {
		log.Printf("[engine] invalid report reason %q from %s (dropped)", reason, connID)
		return
	}
	e.submit(func() { e.report(connID) })
}

func (e *Engine) report(connID string) {
	sess, ok := e.sessions[connID]
	if !ok || sess.State != session.StateChatting || sess.PartnerID == "" {
		return
	}
	partner := e.sessions[sess.PartnerID]
	if partner == nil {
		return
	}
	partnerID := partner.ID
	partnerIdentity := partner.IdentityHash

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), moderationTimeout)
		defer cancel()
		out, err := e.moderator.ReportUser(ctx, connID, partnerIdentity)
		if err != nil {
			log.Printf("[engine] report failed from %s: %v", connID, err)
			return
		}
		e.submit(func() { e.finishReport(connID, partnerID, out) })
	}()
}

func (e *Engine) finishReport(connID, partnerID string, out moderation.ReportOutcome) {
	if out.Limited {
		e.send(connID, protocol.TypeSoftError, protocol.SoftErrorMsg{Message: "report limit reached"})
		return
	}
	if !out.Banned {
		return
	}
	partner := e.sessions[partnerID]
	if partner == nil || !partner.Connected {
		return
	}
	e.send(partnerID, protocol.TypeBanned, protocol.BannedMsg{Reason: moderation.TagReports})
	e.sender.Disconnect(partnerID)
}

// HandleLeaveChat ends the current chat. The partner returns to idle with a
// notification; the leaver goes straight back into the waiting queue.
func (e *Engine) HandleLeaveChat(connID, ackID string) {
	e.submit(func() { e.leaveChat(connID, ackID) })
}

func (e *Engine) leaveChat(connID, ackID string) {
	sess, ok := e.sessions[connID]
	if !ok {
		return
	}
	if sess.State != session.StateChatting {
		return
	}

	e.releasePairing(sess, true)
	sess.Transition(session.StateWaiting, session.Meta{})

	if ackID != "" {
		e.send(connID, protocol.TypeAck, protocol.AckMsg{AckID: ackID})
	}
	e.enqueue(sess)
	e.send(connID, protocol.TypeSearching, protocol.SearchingMsg{})
}

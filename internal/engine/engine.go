// Package engine owns all live chat state: the session table, the waiting
// queue, match locks, and rooms. Every mutation runs on a single goroutine
// reached via submitted closures, so handlers never race each other; blocking
// work (moderation, persistence) happens off that goroutine and re-validates
// the state it touched when its completion closure runs.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/strangerchat/chat-app/internal/gateway"
	"github.com/strangerchat/chat-app/internal/metrics"
	"github.com/strangerchat/chat-app/internal/moderation"
	"github.com/strangerchat/chat-app/internal/protocol"
	"github.com/strangerchat/chat-app/internal/ratelimit"
	"github.com/strangerchat/chat-app/internal/session"
)

// Sender delivers outbound events to connections. The ws server implements
// it; tests substitute a recorder.
type Sender interface {
	Send(connID string, data []byte) error
	Disconnect(connID string)
}

// Moderator is the slice of the moderation pipeline the engine calls.
type Moderator interface {
	CheckMessage(ctx context.Context, identityHash string, reputation int, text string) moderation.Result
	ReportUser(ctx context.Context, reporterID, reportedHash string) (moderation.ReportOutcome, error)
}

// Config holds the engine's tunables.
type Config struct {
	MatchCooldown      time.Duration // silent gap required between matches
	MatchLimit         int           // match requests per identity per window
	MatchWindow        time.Duration
	MatchAttempts      int           // pairing attempts per find-match call
	MessageMinInterval time.Duration // silent drop below this gap
	MessageLimit       int           // messages per session per window
	MessageWindow      time.Duration
	MaxMessageLen      int           // characters after trimming
	BatchWindow        time.Duration // relay buffer flush delay
	TypingInterval     time.Duration // min gap between typing emissions
	TypingWatchdog     time.Duration // force-stop delay for a stuck indicator
	ChallengeTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MatchCooldown <= 0 {
		c.MatchCooldown = 2 * time.Second
	}
	if c.MatchLimit <= 0 {
		c.MatchLimit = 5
	}
	if c.MatchWindow <= 0 {
		c.MatchWindow = 60 * time.Second
	}
	if c.MatchAttempts <= 0 {
		c.MatchAttempts = 3
	}
	if c.MessageMinInterval <= 0 {
		c.MessageMinInterval = 500 * time.Millisecond
	}
	if c.MessageLimit <= 0 {
		c.MessageLimit = 15
	}
	if c.MessageWindow <= 0 {
		c.MessageWindow = 60 * time.Second
	}
	if c.MaxMessageLen <= 0 {
		c.MaxMessageLen = 1000
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = 100 * time.Millisecond
	}
	if c.TypingInterval <= 0 {
		c.TypingInterval = time.Second
	}
	if c.TypingWatchdog <= 0 {
		c.TypingWatchdog = 3 * time.Second
	}
	if c.ChallengeTimeout <= 0 {
		c.ChallengeTimeout = gateway.DefaultChallengeTimeout
	}
	return c
}

// room is one active chat pair plus its per-recipient relay buffers.
type room struct {
	id      string
	members [2]string
	buffers map[string][]protocol.BatchEntry // recipient id -> pending messages
	timers  map[string]*time.Timer
}

func (r *room) has(id string) bool {
	return r.members[0] == id || r.members[1] == id
}

// Engine is the single-writer owner of all matchmaking and relay state.
type Engine struct {
	cfg       Config
	sender    Sender
	moderator Moderator

	sessions map[string]*session.Session
	queue    *queue
	locks    map[string]bool
	rooms    map[string]*room

	challenges      map[string]gateway.Challenge
	challengeTimers map[string]*time.Timer
	typingTimers    map[string]*time.Timer

	limiter *ratelimit.Limiter

	matchRule  ratelimit.Rule
	msgRule    ratelimit.Rule
	typingRule ratelimit.Rule

	tasks    chan func()
	done     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// New creates an Engine. Run must be started before handlers are invoked.
func New(cfg Config, sender Sender, moderator Moderator) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:             cfg,
		sender:          sender,
		moderator:       moderator,
		sessions:        make(map[string]*session.Session),
		queue:           newQueue(),
		locks:           make(map[string]bool),
		rooms:           make(map[string]*room),
		challenges:      make(map[string]gateway.Challenge),
		challengeTimers: make(map[string]*time.Timer),
		typingTimers:    make(map[string]*time.Timer),
		limiter:         ratelimit.NewLimiter(),
		matchRule:       ratelimit.Rule{Key: "match:", Limit: cfg.MatchLimit, Window: cfg.MatchWindow},
		msgRule:         ratelimit.Rule{Key: "msg:", Limit: cfg.MessageLimit, Window: cfg.MessageWindow},
		typingRule:      ratelimit.Rule{Key: "typing:", Limit: 1, Window: cfg.TypingInterval},
		tasks:           make(chan func(), 1024),
		done:            make(chan struct{}),
		now:             time.Now,
	}
}

// Run consumes submitted closures until the context is cancelled or Stop is
// called. All session, queue, lock, and room mutations happen here.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case fn := <-e.tasks:
			fn()
		}
	}
}

// Stop terminates the Run loop. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

// submit queues a closure for the engine goroutine. Submissions after Stop
// are dropped.
func (e *Engine) submit(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
	}
}

// call runs a closure on the engine goroutine and waits for it. Used by the
// shutdown path and tests.
func (e *Engine) call(fn func()) {
	ch := make(chan struct{})
	e.submit(func() {
		fn()
		close(ch)
	})
	select {
	case <-ch:
	case <-e.done:
	}
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// HandleConnect creates a session in the challenging state for an admitted
// connection, sends the proof-of-work challenge, and arms the challenge
// timer.
func (e *Engine) HandleConnect(connID string, adm gateway.Admission) {
	e.submit(func() {
		sess := session.New(connID, adm.IdentityHash, e.now())
		sess.ReputationScore = adm.Reputation
		e.sessions[connID] = sess
		e.challenges[connID] = adm.Challenge

		e.send(connID, protocol.TypeChallenge, protocol.ChallengeMsg{
			Prefix:     adm.Challenge.Prefix,
			Difficulty: adm.Challenge.Difficulty,
		})

		e.challengeTimers[connID] = time.AfterFunc(e.cfg.ChallengeTimeout, func() {
			e.submit(func() { e.challengeExpired(connID) })
		})
	})
}

// HandleSolveChallenge verifies a submitted candidate. Malformed submissions
// are dropped without consuming the timer; a wrong solution or an expired
// timer force a disconnect with no further explanation.
func (e *Engine) HandleSolveChallenge(connID, candidate string) {
	e.submit(func() { e.solveChallenge(connID, candidate) })
}

func (e *Engine) solveChallenge(connID, candidate string) {
	sess, ok := e.sessions[connID]
	if !ok || sess.State != session.StateChallenging {
		return
	}
	ch, ok := e.challenges[connID]
	if !ok {
		return
	}

	if ch.Malformed(candidate) {
		log.Printf("[engine] malformed challenge submission id=%s", connID)
		return
	}

	if !ch.Verify(candidate) {
		log.Printf("[engine] wrong challenge solution id=%s", connID)
		metrics.AdmissionRejections.WithLabelValues("challenge_failed").Inc()
		e.sender.Disconnect(connID)
		return
	}

	e.clearChallenge(connID)
	sess.Transition(session.StateIdle, session.Meta{Verified: session.Bool(true)})
	e.send(connID, protocol.TypeChallengeSuccess, protocol.ChallengeSuccessMsg{})
	log.Printf("[engine] session verified id=%s", connID)
}

func (e *Engine) challengeExpired(connID string) {
	sess, ok := e.sessions[connID]
	if !ok || sess.State != session.StateChallenging {
		return
	}
	log.Printf("[engine] challenge timeout id=%s", connID)
	metrics.AdmissionRejections.WithLabelValues("challenge_failed").Inc()
	e.clearChallenge(connID)
	e.sender.Disconnect(connID)
}

func (e *Engine) clearChallenge(connID string) {
	if t, ok := e.challengeTimers[connID]; ok {
		t.Stop()
		delete(e.challengeTimers, connID)
	}
	delete(e.challenges, connID)
}

// HandleDisconnect tears down a session when its connection closes. If it
// was chatting, the partner is notified and returned to idle.
func (e *Engine) HandleDisconnect(connID string) {
	e.submit(func() { e.teardown(connID) })
}

func (e *Engine) teardown(connID string) {
	sess, ok := e.sessions[connID]
	if !ok {
		return
	}
	sess.Connected = false

	if sess.State == session.StateChatting {
		e.releasePairing(sess, true)
	}

	e.queue.Remove(connID)
	metrics.QueueLength.Set(float64(e.queue.Len()))
	delete(e.locks, connID)
	e.clearChallenge(connID)
	e.stopTypingWatchdog(connID)
	e.limiter.Clear(connID, e.msgRule, e.typingRule)
	delete(e.sessions, connID)
	log.Printf("[engine] session removed id=%s (sessions=%d)", connID, len(e.sessions))
}

// releasePairing dissolves a chatting session's room. The partner is moved
// back to idle; notify controls whether it receives partner_left.
func (e *Engine) releasePairing(sess *session.Session, notify bool) {
	partner := e.sessions[sess.PartnerID]
	e.dropRoom(sess.RoomID)

	if partner != nil && partner.Connected {
		partner.Transition(session.StateIdle, session.Meta{})
		partner.ClearPairing()
		e.stopTypingWatchdog(partner.ID)
		if notify {
			e.send(partner.ID, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{})
		}
	}

	sess.ClearPairing()
	e.stopTypingWatchdog(sess.ID)
	metrics.ActivePairs.Set(float64(len(e.rooms)))
}

func (e *Engine) dropRoom(roomID string) {
	r, ok := e.rooms[roomID]
	if !ok {
		return
	}
	for _, t := range r.timers {
		t.Stop()
	}
	delete(e.rooms, roomID)
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

// Shutdown tears down every session through the normal cleanup path and
// stops the engine loop. The caller enforces the overall deadline.
func (e *Engine) Shutdown() {
	e.call(func() {
		ids := make([]string, 0, len(e.sessions))
		for id := range e.sessions {
			ids = append(ids, id)
		}
		for _, id := range ids {
			e.teardown(id)
			e.sender.Disconnect(id)
		}
	})
	e.Stop()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// send marshals and delivers one event. Delivery failures are logged only;
// the connection layer detects dead peers on its own.
func (e *Engine) send(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[engine] failed to build %s for %s: %v", msgType, connID, err)
		return
	}
	if err := e.sender.Send(connID, data); err != nil {
		log.Printf("[engine] failed to send %s to %s: %v", msgType, connID, err)
	}
}

func (e *Engine) stopTypingWatchdog(connID string) {
	if t, ok := e.typingTimers[connID]; ok {
		t.Stop()
		delete(e.typingTimers, connID)
	}
}

// SessionCount reports the number of live sessions. Intended for health
// reporting.
func (e *Engine) SessionCount() int {
	var n int
	e.call(func() { n = len(e.sessions) })
	return n
}

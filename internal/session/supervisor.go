package session

import (
	"sync"
	"time"

	"meshd/internal/frame"
	"meshd/internal/obslog"
)

// ReconnectDelay is the fixed backoff between a session closing and the
// supervisor building its replacement.
const ReconnectDelay = 3 * time.Second

// Factory builds a fresh Session bound to cb; the supervisor calls it once
// per (re)connect attempt so each session is a genuinely new instance with
// its own socket and tasks.
type Factory func(cb Callbacks) *Session

// Supervisor owns at most one Session at a time and restarts it with a
// fixed backoff whenever it closes. It deduplicates concurrent reconnect
// triggers: a second OnClosed while already reconnecting is a no-op.
// The supervisor forwards every Session callback to the Callbacks the
// caller supplied, intercepting only OnClosed to drive the restart —
// avoiding a cyclic strong reference between Session and Supervisor.
type Supervisor struct {
	factory Factory
	cb      Callbacks
	logger  *obslog.Logger
	ready   func(error)

	mu           sync.Mutex
	current      *Session
	reconnecting bool
	terminal     bool
}

// NewSupervisor creates a Supervisor. ready is invoked after every
// (re)connect attempt, exactly as Session.Start's ready callback is.
func NewSupervisor(factory Factory, cb Callbacks, logger *obslog.Logger, ready func(error)) *Supervisor {
	return &Supervisor{factory: factory, cb: cb, logger: logger, ready: ready}
}

// Start builds and starts the first session.
func (sv *Supervisor) Start() {
	sv.spawn()
}

func (sv *Supervisor) spawn() {
	sv.mu.Lock()
	if sv.terminal {
		sv.mu.Unlock()
		return
	}
	s := sv.factory(&supervisorSink{sv: sv, cb: sv.cb})
	sv.current = s
	sv.mu.Unlock()

	s.Start(sv.ready)
}

// onClosed is invoked once by the owned session's OnClosed callback.
func (sv *Supervisor) onClosed(err error) {
	sv.mu.Lock()
	if sv.terminal || sv.reconnecting {
		sv.mu.Unlock()
		return
	}
	sv.reconnecting = true
	sv.mu.Unlock()

	if sv.logger != nil {
		sv.logger.Warnf("supervisor", "session closed (%v), reconnecting in %s", err, ReconnectDelay)
	}

	go func() {
		time.Sleep(ReconnectDelay)

		sv.mu.Lock()
		if sv.terminal {
			sv.mu.Unlock()
			return
		}
		// Clear the flag before spawning: if the new session's Start fails
		// synchronously, it re-enters onClosed through supervisorSink and
		// must see reconnecting=false to schedule the next attempt, or a
		// server that stays down longer than one backoff window would
		// strand the client after a single retry.
		sv.reconnecting = false
		sv.mu.Unlock()

		sv.spawn()
	}()
}

// Current returns the currently owned session, if any.
func (sv *Supervisor) Current() *Session {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.current
}

// Close is terminal: it closes the current session and prevents any
// further reconnect attempt.
func (sv *Supervisor) Close() {
	sv.mu.Lock()
	sv.terminal = true
	s := sv.current
	sv.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

// supervisorSink forwards every callback to the caller-supplied Callbacks,
// additionally triggering the supervisor's reconnect logic on OnClosed.
type supervisorSink struct {
	sv *Supervisor
	cb Callbacks
}

func (s *supervisorSink) OnHandshakeReply(p frame.HandshakeReplyPayload) { s.cb.OnHandshakeReply(p) }
func (s *supervisorSink) OnDataFrame(packet []byte)                     { s.cb.OnDataFrame(packet) }
func (s *supervisorSink) OnKeepAlive(p frame.KeepAlivePayload)          { s.cb.OnKeepAlive(p) }
func (s *supervisorSink) OnClosed(err error) {
	s.cb.OnClosed(err)
	s.sv.onClosed(err)
}

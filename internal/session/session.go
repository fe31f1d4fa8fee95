// Package session owns the control session: one TCP connection's
// lifecycle from handshake through keepalive, timeout, and close, plus
// the reconnect supervisor that restarts it.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"meshd/internal/crypto"
	"meshd/internal/frame"
	"meshd/internal/obslog"
)

// Default timing constants.
const (
	DefaultKeepAliveInterval = 10 * time.Second
	TimeoutCheckInterval     = 5 * time.Second
	Timeout                  = 30 * time.Second
)

var (
	ErrNotConnected = errors.New("session: not connected")
	ErrClosed       = errors.New("session: closed")
)

// SelfAdvertisement is the set of fields the client advertises about
// itself in every KeepAlive frame. It is owned by the public-IPv6
// discoverer (component G) and read here.
type SelfAdvertisement interface {
	IPv6() string
	UDPPort() uint16
	StunIP() string
	StunPort() uint16
}

// Callbacks groups every upward notification the session fires. A thin
// sink interface instead of individual closures, so the session and its
// owner (the supervisor) are not cyclically coupled.
type Callbacks interface {
	OnHandshakeReply(frame.HandshakeReplyPayload)
	OnDataFrame(packet []byte)
	OnKeepAlive(frame.KeepAlivePayload)
	OnClosed(err error)
}

// Config configures one Session.
type Config struct {
	ServerAddress     string
	ServerPort        uint16
	Identity          string
	Suite             crypto.Suite
	KeepAliveInterval time.Duration
	Logger            *obslog.Logger
	Self              SelfAdvertisement
}

// Session owns one TCP connection to the server: it performs the
// handshake, runs the reader/keepalive/timeout tasks, and serializes
// writes behind a single mutex.
type Session struct {
	cfg Config
	cb  Callbacks

	mu        sync.Mutex
	state     atomic.Int32
	conn      net.Conn
	wg        sync.WaitGroup
	closeCh   chan struct{}
	closeOnce sync.Once

	lastActive atomic.Int64 // unix nano
}

// New creates a Session in the Initialize state. It does not connect until
// Start is called.
func New(cfg Config, cb Callbacks) *Session {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	s := &Session{cfg: cfg, cb: cb, closeCh: make(chan struct{})}
	s.state.Store(int32(Initialize))
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Start connects to the server, performs the handshake, and transitions to
// Connected. ready is invoked exactly once: with nil on success, or an
// error on failure (the session is closed by the time ready fires on
// failure).
func (s *Session) Start(ready func(error)) {
	s.setState(Connecting)

	addr := fmt.Sprintf("%s:%d", s.cfg.ServerAddress, s.cfg.ServerPort)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		wrapped := fmt.Errorf("session: connect %s: %w", addr, err)
		s.teardown(wrapped)
		ready(wrapped)
		return
	}
	s.conn = conn
	s.touchActive()

	if err := s.writeFrame(frame.NewHandshake(s.cfg.Identity)); err != nil {
		s.teardown(err)
		ready(err)
		return
	}

	s.wg.Add(1)
	go s.readLoop()

	s.setState(Connected)
	ready(nil)
}

// SendData wraps packet as a Data frame and writes it. Fails with
// ErrNotConnected if the state is not Connected, and ErrClosed if the
// session has already been shut down.
func (s *Session) SendData(packet []byte) error {
	select {
	case <-s.closeCh:
		return ErrClosed
	default:
	}
	if s.State() != Connected {
		return ErrNotConnected
	}
	return s.writeFrame(frame.NewData(packet))
}

// writeFrame serializes writes behind a mutex; the reader task is the
// session's unique reader. A successful write also refreshes last_active,
// so a silent but writable server connection still counts as alive.
func (s *Session) writeFrame(f frame.Frame) error {
	encoded, err := frame.Encode(f, s.cfg.Suite)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", f.Kind, err)
	}

	s.mu.Lock()
	_, err = s.conn.Write(encoded)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("session: write %s: %w", f.Kind, err)
	}

	s.touchActive()
	return nil
}

func (s *Session) touchActive() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Session) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)

	handshakeReplied := false

	for {
		n, err := s.conn.Read(tmp)
		if err != nil {
			if !isClosing(err) {
				s.teardown(fmt.Errorf("session: read: %w", err))
			}
			return
		}
		buf = append(buf, tmp[:n]...)

		for {
			f, consumed, err := frame.Decode(buf, s.cfg.Suite)
			if err == frame.ErrTooShort {
				break
			}
			if err != nil {
				s.teardown(fmt.Errorf("session: decode: %w", err))
				return
			}

			buf = bytes.Clone(buf[consumed:])
			s.touchActive()
			s.dispatch(f)

			if f.Kind == frame.KindHandshakeReply && !handshakeReplied {
				handshakeReplied = true
				s.wg.Add(2)
				go s.keepAliveLoop()
				go s.timeoutLoop()
			}
		}
	}
}

func (s *Session) dispatch(f frame.Frame) {
	switch f.Kind {
	case frame.KindHandshakeReply:
		if p, ok := f.Control.(frame.HandshakeReplyPayload); ok {
			s.cb.OnHandshakeReply(p)
		}
	case frame.KindKeepAlive:
		if p, ok := f.Control.(frame.KeepAlivePayload); ok {
			s.cb.OnKeepAlive(p)
		}
	case frame.KindData:
		s.cb.OnDataFrame(f.Data)
	default:
		s.cfg.Logger.Debugf("session", "ignoring unexpected frame kind %s on control channel", f.Kind)
	}
}

func (s *Session) keepAliveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			self := s.cfg.Self
			payload := frame.KeepAlivePayload{
				Identity:    s.cfg.Identity,
				IPv6:        self.IPv6(),
				Port:        self.UDPPort(),
				StunIP:      self.StunIP(),
				StunPort:    self.StunPort(),
				PeerDetails: nil,
			}
			if err := s.writeFrame(frame.NewKeepAlive(payload)); err != nil {
				s.cfg.Logger.Warnf("session", "keepalive send failed: %v", err)
				return
			}
		}
	}
}

func (s *Session) timeoutLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(TimeoutCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastActive.Load())
			if time.Since(last) > Timeout {
				s.teardown(fmt.Errorf("session: %w", ErrTimeout))
				return
			}
		}
	}
}

// ErrTimeout is the cause passed to OnClosed when the timeout task fires.
var ErrTimeout = errors.New("inactivity timeout")

func isClosing(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// teardown closes the socket and fires OnClosed exactly once.
func (s *Session) teardown(cause error) {
	s.closeOnce.Do(func() {
		s.setState(Closed)
		close(s.closeCh)
		if s.conn != nil {
			s.conn.Close()
		}
		s.cb.OnClosed(cause)
	})
}

// Close is idempotent: it cancels the socket, joins every owned task, and
// fires OnClosed exactly once (with a nil cause if it was not already
// closing due to an error).
func (s *Session) Close() {
	s.teardown(nil)
	s.wg.Wait()
}

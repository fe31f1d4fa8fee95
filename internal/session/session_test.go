package session

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meshd/internal/crypto"
	"meshd/internal/frame"
	"meshd/internal/obslog"
)

type fakeSelf struct{}

func (fakeSelf) IPv6() string    { return "" }
func (fakeSelf) UDPPort() uint16 { return 0 }
func (fakeSelf) StunIP() string  { return "" }
func (fakeSelf) StunPort() uint16 { return 0 }

type recordingCallbacks struct {
	mu              sync.Mutex
	handshakeReplies []frame.HandshakeReplyPayload
	dataFrames      [][]byte
	keepAlives      []frame.KeepAlivePayload
	closedErr       error
	closedCh        chan struct{}
}

func newRecordingCallbacks() *recordingCallbacks {
	return &recordingCallbacks{closedCh: make(chan struct{})}
}

func (r *recordingCallbacks) OnHandshakeReply(p frame.HandshakeReplyPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handshakeReplies = append(r.handshakeReplies, p)
}

func (r *recordingCallbacks) OnDataFrame(packet []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dataFrames = append(r.dataFrames, packet)
}

func (r *recordingCallbacks) OnKeepAlive(p frame.KeepAlivePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keepAlives = append(r.keepAlives, p)
}

func (r *recordingCallbacks) OnClosed(err error) {
	r.mu.Lock()
	r.closedErr = err
	r.mu.Unlock()
	close(r.closedCh)
}

func (r *recordingCallbacks) keepAliveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keepAlives)
}

// serverListen opens a TCP listener on a free loopback port and returns
// that port and the listener.
func serverListen(t *testing.T) (uint16, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	return uint16(port), ln
}

func TestHandshakeFlow(t *testing.T) {
	suite, _ := crypto.FromConfig("chacha20:k")
	port, ln := serverListen(t)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 0, 4096)
		tmp := make([]byte, 4096)
		n, err := conn.Read(tmp)
		if err != nil {
			return
		}
		buf = append(buf, tmp[:n]...)
		f, _, err := frame.Decode(buf, suite)
		if err != nil {
			return
		}
		hp, ok := f.Control.(frame.HandshakePayload)
		if !ok || hp.Identity != "c1" {
			t.Errorf("unexpected handshake payload: %+v", f.Control)
			return
		}

		reply := frame.NewHandshakeReply(frame.HandshakeReplyPayload{
			PrivateIP: "10.0.0.2",
			Mask:      "255.255.255.0",
			Gateway:   "10.0.0.1",
		})
		encoded, err := frame.Encode(reply, suite)
		if err != nil {
			return
		}
		conn.Write(encoded)

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		io.Copy(io.Discard, conn)
	}()

	cb := newRecordingCallbacks()
	cfg := Config{
		ServerAddress:     "127.0.0.1",
		ServerPort:        port,
		Identity:          "c1",
		Suite:             suite,
		KeepAliveInterval: time.Hour,
		Logger:            obslog.New(obslog.Silent),
		Self:              fakeSelf{},
	}
	s := New(cfg, cb)

	readyErr := make(chan error, 1)
	s.Start(func(err error) { readyErr <- err })

	select {
	case err := <-readyErr:
		if err != nil {
			t.Fatalf("start failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ready callback")
	}

	if s.State() != Connected {
		t.Fatalf("expected Connected, got %s", s.State())
	}

	deadline := time.After(2 * time.Second)
	for {
		cb.mu.Lock()
		got := len(cb.handshakeReplies)
		cb.mu.Unlock()
		if got == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for handshake reply callback")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cb.mu.Lock()
	reply := cb.handshakeReplies[0]
	cb.mu.Unlock()
	if reply.PrivateIP != "10.0.0.2" {
		t.Fatalf("unexpected virtual ip: %q", reply.PrivateIP)
	}

	s.Close()
}

func TestKeepAlivePeriod(t *testing.T) {
	suite, _ := crypto.FromConfig("chacha20:k")
	port, ln := serverListen(t)
	defer ln.Close()

	var keepAlivesSeen atomic.Int32
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 0, 4096)
		tmp := make([]byte, 4096)

		// Consume handshake.
		n, err := conn.Read(tmp)
		if err != nil {
			return
		}
		buf = append(buf, tmp[:n]...)
		_, consumed, err := frame.Decode(buf, suite)
		if err != nil {
			return
		}
		buf = buf[consumed:]

		reply := frame.NewHandshakeReply(frame.HandshakeReplyPayload{PrivateIP: "10.0.0.2"})
		encoded, _ := frame.Encode(reply, suite)
		conn.Write(encoded)

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			n, err := conn.Read(tmp)
			if err != nil {
				return
			}
			buf = append(buf, tmp[:n]...)
			for {
				f, consumed, err := frame.Decode(buf, suite)
				if err == frame.ErrTooShort {
					break
				}
				if err != nil {
					return
				}
				buf = buf[consumed:]
				if f.Kind == frame.KindKeepAlive {
					keepAlivesSeen.Add(1)
				}
			}
		}
	}()

	cb := newRecordingCallbacks()
	cfg := Config{
		ServerAddress:     "127.0.0.1",
		ServerPort:        port,
		Identity:          "c1",
		Suite:             suite,
		KeepAliveInterval: 1 * time.Second,
		Logger:            obslog.New(obslog.Silent),
		Self:              fakeSelf{},
	}
	s := New(cfg, cb)
	done := make(chan struct{})
	s.Start(func(error) { close(done) })
	<-done

	time.Sleep(3200 * time.Millisecond)
	s.Close()

	got := int(keepAlivesSeen.Load())
	if got < 2 || got > 4 {
		t.Fatalf("expected ~3 keepalives over 3s, got %d", got)
	}
}

func TestReconnectDedup(t *testing.T) {
	suite, _ := crypto.FromConfig("chacha20:k")

	var spawnCount atomic.Int32
	factory := func(cb Callbacks) *Session {
		spawnCount.Add(1)
		return New(Config{
			ServerAddress:     "127.0.0.1",
			ServerPort:        1, // unroutable-ish; Start will fail fast via connection refused
			Identity:          "c1",
			Suite:             suite,
			KeepAliveInterval: time.Hour,
			Logger:            obslog.New(obslog.Silent),
			Self:              fakeSelf{},
		}, cb)
	}

	cb := &noopCallbacks{}
	readyCount := atomic.Int32{}
	sv := NewSupervisor(factory, cb, obslog.New(obslog.Silent), func(error) { readyCount.Add(1) })
	sv.Start()

	time.Sleep(200 * time.Millisecond)
	if spawnCount.Load() != 1 {
		t.Fatalf("expected exactly 1 spawn from Start, got %d", spawnCount.Load())
	}

	// The failed Start already scheduled a reconnect. Further close
	// signals fired concurrently while it is pending must not add another.
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sv.onClosed(nil)
		}()
	}
	wg.Wait()

	time.Sleep(ReconnectDelay + 500*time.Millisecond)
	if got := spawnCount.Load(); got != 2 {
		t.Fatalf("expected exactly 1 reconnect spawn (2 in total), got %d", got)
	}

	sv.Close()
}

func TestReconnectSurvivesMultipleFailures(t *testing.T) {
	suite, _ := crypto.FromConfig("chacha20:k")

	var spawnCount atomic.Int32
	factory := func(cb Callbacks) *Session {
		spawnCount.Add(1)
		return New(Config{
			ServerAddress:     "127.0.0.1",
			ServerPort:        1, // connection refused, every attempt fails immediately
			Identity:          "c1",
			Suite:             suite,
			KeepAliveInterval: time.Hour,
			Logger:            obslog.New(obslog.Silent),
			Self:              fakeSelf{},
		}, cb)
	}

	cb := &noopCallbacks{}
	sv := NewSupervisor(factory, cb, obslog.New(obslog.Silent), func(error) {})
	sv.Start()
	defer sv.Close()

	// Two whole backoff windows must produce at least three spawns (the
	// initial one plus a retry after each failed reconnect), proving the
	// supervisor does not give up after a single failed retry.
	time.Sleep(2*ReconnectDelay + 500*time.Millisecond)
	if got := spawnCount.Load(); got < 3 {
		t.Fatalf("expected at least 3 spawns across two backoff windows, got %d", got)
	}
}

type noopCallbacks struct{}

func (noopCallbacks) OnHandshakeReply(frame.HandshakeReplyPayload) {}
func (noopCallbacks) OnDataFrame([]byte)                           {}
func (noopCallbacks) OnKeepAlive(frame.KeepAlivePayload)           {}
func (noopCallbacks) OnClosed(error)                               {}

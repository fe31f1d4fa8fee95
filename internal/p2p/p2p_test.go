package p2p

import (
	"net"
	"testing"
	"time"

	"meshd/internal/crypto"
	"meshd/internal/frame"
	"meshd/internal/obslog"
	"meshd/internal/peer"
)

type collectingSink struct {
	packets chan []byte
}

func (s *collectingSink) OnDataFrame(packet []byte) {
	s.packets <- packet
}

func TestSendPacketPreconditions(t *testing.T) {
	suite, _ := crypto.FromConfig("chacha20:k")
	table := peer.New()
	sink := &collectingSink{packets: make(chan []byte, 1)}
	svc := New("self", suite, table, sink, obslog.New(obslog.Silent))
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	// No last_rx -> ineligible.
	notAlive := peer.Entry{Identity: "p1", IPv6: "::1", UDPPort: 51820}
	if svc.SendPacket([]byte("x"), notAlive) {
		t.Fatal("expected send to fail without last_rx")
	}

	// last_rx too old -> ineligible.
	stale := notAlive
	stale.LastRx = time.Now().Add(-30 * time.Second)
	if svc.SendPacket([]byte("x"), stale) {
		t.Fatal("expected send to fail with stale last_rx")
	}

	// Missing ipv6/port -> ineligible.
	noAddr := peer.Entry{Identity: "p1", LastRx: time.Now()}
	if svc.SendPacket([]byte("x"), noAddr) {
		t.Fatal("expected send to fail without ipv6/port")
	}
}

func TestSendPacketDeliversDataOverLoopback(t *testing.T) {
	suite, _ := crypto.FromConfig("chacha20:k")

	// Every Service binds the fixed Port, so one instance plays both ends:
	// it sends to its own socket over loopback and its receive loop hands
	// the Data frame to the sink.
	sink := &collectingSink{packets: make(chan []byte, 1)}
	svc := New("a", suite, peer.New(), sink, obslog.New(obslog.Silent))
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	target := peer.Entry{
		Identity: "a",
		IPv6:     "::1",
		UDPPort:  uint16(svc.conn.LocalAddr().(*net.UDPAddr).Port),
		LastRx:   time.Now(),
	}

	if !svc.SendPacket([]byte("hello from a"), target) {
		t.Fatal("expected send to succeed")
	}

	select {
	case got := <-sink.packets:
		if string(got) != "hello from a" {
			t.Fatalf("unexpected payload: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestProbeMarksPeerActiveAtReceiver(t *testing.T) {
	suite, _ := crypto.FromConfig("chacha20:k")

	tableReceiver := peer.New()
	tableReceiver.Rewrite([]peer.Entry{{Identity: "sender"}})
	sinkR := &collectingSink{packets: make(chan []byte, 1)}
	receiver := New("receiver", suite, tableReceiver, sinkR, obslog.New(obslog.Silent))
	if err := receiver.Start(); err != nil {
		t.Fatal(err)
	}
	defer receiver.Stop()

	// Manually send a ProbeIpv6 as "sender" would, without running its
	// full probe loop (which ticks every 10s).
	conn, err := net.DialUDP("udp6", nil, &net.UDPAddr{
		IP:   net.IPv6loopback,
		Port: receiver.conn.LocalAddr().(*net.UDPAddr).Port,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	encoded, err := frame.Encode(frame.NewProbeIpv6("sender"), suite)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(encoded); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if tableReceiver.IsActive("sender", time.Now()) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for probe to mark sender active")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMalformedDatagramDroppedSocketStaysUp(t *testing.T) {
	suite, _ := crypto.FromConfig("chacha20:k")
	sink := &collectingSink{packets: make(chan []byte, 1)}
	svc := New("receiver", suite, peer.New(), sink, obslog.New(obslog.Silent))
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	conn, err := net.DialUDP("udp6", nil, &net.UDPAddr{
		IP:   net.IPv6loopback,
		Port: svc.conn.LocalAddr().(*net.UDPAddr).Port,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write([]byte("not a frame"))

	// Socket should still accept valid frames afterwards.
	encoded, err := frame.Encode(frame.NewData([]byte("after garbage")), suite)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(encoded); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-sink.packets:
		if string(got) != "after garbage" {
			t.Fatalf("unexpected payload: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a valid frame after the malformed datagram")
	}
}

// Package p2p implements the UDP/IPv6 direct-path service: the probe loop
// that proves peers reachable, the receive loop that feeds inbound Data
// frames into the dispatcher's sink, and the send path the packet
// dispatcher uses once a peer is proven alive.
package p2p

import (
	"fmt"
	"net"
	"sync"
	"time"

	"meshd/internal/crypto"
	"meshd/internal/frame"
	"meshd/internal/obslog"
	"meshd/internal/peer"
)

// Port is the fixed UDP port the service listens on, [::]:51820.
const Port = 51820

// ProbeInterval is how often the probe loop pings every known peer.
const ProbeInterval = 10 * time.Second

// Sink receives inbound Data frames, regardless of which transport they
// arrived on (same sink the control session feeds).
type Sink interface {
	OnDataFrame(packet []byte)
}

// Service owns the UDP socket. Send and receive both use the socket
// concurrently, which is safe: kernel UDP sockets tolerate concurrent
// send+recv from multiple goroutines.
type Service struct {
	identity string
	suite    crypto.Suite
	table    *peer.Table
	sink     Sink
	logger   *obslog.Logger

	conn *net.UDPConn

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Service. Call Start to bind and begin the probe/receive
// loops.
func New(identity string, suite crypto.Suite, table *peer.Table, sink Sink, logger *obslog.Logger) *Service {
	return &Service{
		identity: identity,
		suite:    suite,
		table:    table,
		sink:     sink,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start binds the UDP/IPv6 socket and launches the probe and receive
// loops.
func (s *Service) Start() error {
	addr := &net.UDPAddr{IP: net.IPv6unspecified, Port: Port}
	conn, err := net.ListenUDP("udp6", addr)
	if err != nil {
		return fmt.Errorf("p2p: listen [::]:%d: %w", Port, err)
	}
	s.conn = conn

	s.wg.Add(2)
	go s.probeLoop()
	go s.receiveLoop()
	return nil
}

// Stop closes the socket and joins both loops.
func (s *Service) Stop() {
	select {
	case <-s.stopCh:
		return
	default:
		close(s.stopCh)
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
}

func (s *Service) probeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.probeAll()
		}
	}
}

// probeAll sends a ProbeIpv6 to every peer with a non-empty advertised
// ipv6:port. A probe's purpose is symmetric: reception at the far end
// marks us as active for them, not the other way around.
func (s *Service) probeAll() {
	for _, e := range s.table.All() {
		if e.IPv6 == "" || e.UDPPort == 0 {
			continue
		}
		addr, err := resolvePeerAddr(e.IPv6, e.UDPPort)
		if err != nil {
			s.logger.Warnf("p2p", "probe: resolve %s: %v", e.Identity, err)
			continue
		}
		encoded, err := frame.Encode(frame.NewProbeIpv6(s.identity), s.suite)
		if err != nil {
			s.logger.Warnf("p2p", "probe: encode: %v", err)
			continue
		}
		if _, err := s.conn.WriteToUDP(encoded, addr); err != nil {
			s.logger.Warnf("p2p", "probe: send to %s: %v", e.Identity, err)
		}
	}
}

func (s *Service) receiveLoop() {
	defer s.wg.Done()
	buf := make([]byte, 65535)

	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warnf("p2p", "receive: %v", err)
				return
			}
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		s.handleDatagram(datagram, src)
	}
}

func (s *Service) handleDatagram(datagram []byte, src *net.UDPAddr) {
	f, _, err := frame.Decode(datagram, s.suite)
	if err != nil {
		s.logger.Debugf("p2p", "dropping malformed datagram from %s: %v", src, err)
		return
	}

	switch f.Kind {
	case frame.KindProbeIpv6:
		if p, ok := f.Control.(frame.ProbePayload); ok {
			s.table.OnProbeReceived(p.Identity, src, time.Now())
		}
	case frame.KindData:
		s.sink.OnDataFrame(f.Data)
	default:
		// ProbeHolePunch and any other kind: ignore silently.
	}
}

// SendPacket encodes packet as a Data frame and sends it directly to
// target over UDP. It checks the P2P eligibility preconditions in order
// (last_rx set, within ActiveThreshold, non-empty ipv6:port) and returns
// false without sending if any fails.
func (s *Service) SendPacket(packet []byte, target peer.Entry) bool {
	now := time.Now()
	if !target.IsEligibleForP2P(now) {
		return false
	}

	addr, err := resolvePeerAddr(target.IPv6, target.UDPPort)
	if err != nil {
		s.logger.Warnf("p2p", "send: resolve %s: %v", target.Identity, err)
		return false
	}

	encoded, err := frame.Encode(frame.NewData(packet), s.suite)
	if err != nil {
		s.logger.Warnf("p2p", "send: encode: %v", err)
		return false
	}

	if _, err := s.conn.WriteToUDP(encoded, addr); err != nil {
		s.logger.Warnf("p2p", "send: write to %s: %v", target.Identity, err)
		return false
	}
	return true
}

// resolvePeerAddr accepts both bracketed ("[fd00::1]") and bare
// ("fd00::1") IPv6 literals.
func resolvePeerAddr(ipv6 string, port uint16) (*net.UDPAddr, error) {
	host := ipv6
	if len(host) >= 2 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("invalid ipv6 literal %q", ipv6)
	}
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

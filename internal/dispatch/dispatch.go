// Package dispatch implements the destination-driven decision between
// the P2P direct path and the server relay path: outbound packets from the
// virtual interface are parsed for their destination and handed to
// whichever transport is eligible.
package dispatch

import (
	"errors"
	"fmt"
	"net/netip"

	"meshd/internal/obslog"
	"meshd/internal/peer"
	"meshd/internal/stats"
)

// ErrPacketTooShort and ErrBadIHL are the outbound IP-header reject
// invariants.
var (
	ErrPacketTooShort = errors.New("dispatch: packet shorter than minimum ipv4 header")
	ErrBadIHL         = errors.New("dispatch: ihl*4 exceeds packet length")
)

const minIPv4HeaderLen = 20

// P2P is the subset of the P2P service the dispatcher depends on.
type P2P interface {
	SendPacket(packet []byte, target peer.Entry) bool
}

// Relay is the subset of the control session the dispatcher depends on.
type Relay interface {
	SendData(packet []byte) error
}

// Dispatcher routes outbound packets and counts inbound ones. It is
// stateless beyond the peer table: every decision is O(peers + cidrs per
// peer).
type Dispatcher struct {
	table    *peer.Table
	p2p      P2P
	relay    Relay
	counters *stats.Counters
	logger   *obslog.Logger
}

// New creates a Dispatcher.
func New(table *peer.Table, p2p P2P, relay Relay, counters *stats.Counters, logger *obslog.Logger) *Dispatcher {
	return &Dispatcher{table: table, p2p: p2p, relay: relay, counters: counters, logger: logger}
}

// DispatchOutbound parses packet's destination, finds its peer, and
// attempts P2P delivery before falling back to the relay. A packet with no
// matching peer goes straight to the relay. When the header is rejected or
// the relay send fails, the packet is dropped, the dropped-packet counter
// is incremented, and the error is returned.
func (d *Dispatcher) DispatchOutbound(packet []byte) error {
	dst, err := parseIPv4Destination(packet)
	if err != nil {
		d.counters.DroppedPkt.Add(1)
		return err
	}

	if entry, ok := d.table.FindByDestinationIP(dst); ok {
		if d.p2p.SendPacket(packet, entry) {
			d.counters.P2PSent.Add(1)
			d.counters.TxBytes.Add(uint64(len(packet)))
			d.counters.TxPackets.Add(1)
			return nil
		}
	}

	if err := d.relay.SendData(packet); err != nil {
		d.counters.DroppedPkt.Add(1)
		d.logger.Warnf("dispatch", "relay send failed, dropping packet: %v", err)
		return fmt.Errorf("dispatch: relay: %w", err)
	}
	d.counters.RelaySent.Add(1)
	d.counters.TxBytes.Add(uint64(len(packet)))
	d.counters.TxPackets.Add(1)
	return nil
}

// DispatchInbound is called by whichever transport (session or p2p)
// decoded a Data frame; write is the virtual interface's WritePacket.
func (d *Dispatcher) DispatchInbound(packet []byte, write func([]byte) error) error {
	d.counters.RxBytes.Add(uint64(len(packet)))
	d.counters.RxPackets.Add(1)
	return write(packet)
}

// parseIPv4Destination rejects packets shorter than 20 bytes or whose
// ihl*4 exceeds the packet length, then extracts the destination address
// at its fixed offset (bytes 16-19).
func parseIPv4Destination(packet []byte) (netip.Addr, error) {
	if len(packet) < minIPv4HeaderLen {
		return netip.Addr{}, ErrPacketTooShort
	}
	ihl := int(packet[0]&0x0f) * 4
	if ihl > len(packet) {
		return netip.Addr{}, ErrBadIHL
	}
	var b [4]byte
	copy(b[:], packet[16:20])
	return netip.AddrFrom4(b), nil
}

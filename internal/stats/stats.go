// Package stats holds the atomic traffic counters and the read-only
// observation snapshot exposed to the host IPC layer (outside this
// module's scope). The CLI's "status" command does not read it.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"meshd/internal/peer"
	"meshd/internal/session"
)

// Counters are the atomic traffic counters. No locking: every field is an
// atomic value, safe to increment concurrently from the dispatcher, the
// control session, and the P2P service.
type Counters struct {
	RxBytes    atomic.Uint64
	TxBytes    atomic.Uint64
	RxPackets  atomic.Uint64
	TxPackets  atomic.Uint64
	P2PSent    atomic.Uint64
	RelaySent  atomic.Uint64
	DroppedPkt atomic.Uint64
}

// PeerSnapshot is one roster row as reported through the observation
// interface, with IsP2P computed at read time rather than persisted on the
// peer entry.
type PeerSnapshot struct {
	Identity  string
	PrivateIP string
	CIDRs     []string
	IPv6      string
	UDPPort   uint16
	IsP2P     bool
}

// Snapshot is the full read-only view of client state.
type Snapshot struct {
	State       session.State
	VirtualIP   string
	ConnectTime time.Time
	RxBytes     uint64
	TxBytes     uint64
	RxPackets   uint64
	TxPackets   uint64
	P2PSent     uint64
	RelaySent   uint64
	DroppedPkt  uint64
	Peers       []PeerSnapshot
}

// Observer is the read-only view the IPC layer queries. It wraps the
// live Counters, peer table, and a state/virtual-IP provider so the
// snapshot reflects the client's current reality rather than a stale copy.
type Observer struct {
	counters *Counters
	peers    *peer.Table

	mu          sync.Mutex
	connectTime time.Time

	stateFn func() session.State
	ipFn    func() string
}

// NewObserver builds an Observer over the given counters and peer table.
// stateFn and ipFn are queried live on every Snapshot call.
func NewObserver(counters *Counters, peers *peer.Table, stateFn func() session.State, ipFn func() string) *Observer {
	return &Observer{counters: counters, peers: peers, stateFn: stateFn, ipFn: ipFn}
}

// MarkConnected records the connect time, used once the first
// HandshakeReply is processed.
func (o *Observer) MarkConnected(at time.Time) {
	o.mu.Lock()
	o.connectTime = at
	o.mu.Unlock()
}

// Snapshot returns the current observation snapshot. is_p2p is derived
// here, not stored on the peer entry.
func (o *Observer) Snapshot(now time.Time) Snapshot {
	entries := o.peers.All()
	peers := make([]PeerSnapshot, 0, len(entries))
	for _, e := range entries {
		peers = append(peers, PeerSnapshot{
			Identity:  e.Identity,
			PrivateIP: e.PrivateIP,
			CIDRs:     e.CIDRs,
			IPv6:      e.IPv6,
			UDPPort:   e.UDPPort,
			IsP2P:     e.IsEligibleForP2P(now),
		})
	}

	o.mu.Lock()
	connectTime := o.connectTime
	o.mu.Unlock()

	return Snapshot{
		State:       o.stateFn(),
		VirtualIP:   o.ipFn(),
		ConnectTime: connectTime,
		RxBytes:     o.counters.RxBytes.Load(),
		TxBytes:     o.counters.TxBytes.Load(),
		RxPackets:   o.counters.RxPackets.Load(),
		TxPackets:   o.counters.TxPackets.Load(),
		P2PSent:     o.counters.P2PSent.Load(),
		RelaySent:   o.counters.RelaySent.Load(),
		DroppedPkt:  o.counters.DroppedPkt.Load(),
		Peers:       peers,
	}
}

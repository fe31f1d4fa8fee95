// Package peer implements the authoritative roster: the mapping from peer
// identity to reachability hints, with the liveness bookkeeping the P2P
// service and packet dispatcher depend on.
package peer

import (
	"net"
	"net/netip"
	"sync"
	"time"
)

// ActiveThreshold is the maximum age of last_rx for a peer to be considered
// reachable over P2P.
const ActiveThreshold = 15 * time.Second

// Entry is one roster row. Identity is the primary key within the owning
// Table.
type Entry struct {
	Identity       string
	PrivateIP      string
	CIDRs          []string
	IPv6           string
	UDPPort        uint16
	StunIP         string
	StunPort       uint16
	LastRx         time.Time // zero value means "never observed"
	LastRemoteAddr *net.UDPAddr
}

func (e Entry) hasLastRx() bool { return !e.LastRx.IsZero() }

// IsEligibleForP2P reports whether this entry satisfies the P2P
// eligibility invariant: last_rx within ActiveThreshold, and a non-empty
// advertised ipv6:port.
func (e Entry) IsEligibleForP2P(now time.Time) bool {
	return e.hasLastRx() &&
		now.Sub(e.LastRx) <= ActiveThreshold &&
		e.IPv6 != "" &&
		e.UDPPort > 0
}

// Table is the thread-safe peer roster, keyed by identity.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	// order is identity insertion order, for the documented "first
	// CIDR-match in iteration order" tie-break. cidrOrder is rebuilt from
	// it (and the live entries) on every mutation, so a peer's old CIDRs
	// never outlive an update to that peer's CIDR set.
	order     []string
	cidrOrder []cidrRoute
}

type cidrRoute struct {
	prefix   netip.Prefix
	identity string
}

// New creates an empty peer table.
func New() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Rewrite atomically replaces the whole table. Used when a HandshakeReply
// defines the authoritative roster.
func (t *Table) Rewrite(entries []Entry) {
	m := make(map[string]*Entry, len(entries))
	order := make([]string, 0, len(entries))
	for i := range entries {
		e := entries[i]
		m[e.Identity] = &e
		order = append(order, e.Identity)
	}

	t.mu.Lock()
	t.entries = m
	t.order = order
	t.cidrOrder = buildCIDROrder(m, order)
	t.mu.Unlock()
}

// Upsert merges entries into the table by identity, the merge semantics:
// new identities are inserted with LastRx/LastRemoteAddr unset; existing
// identities have CIDRs/PrivateIP/Stun*/UDPPort overwritten, and IPv6 is
// only overwritten when the new value is non-empty and different, which
// also clears LastRx/LastRemoteAddr (the old path is presumed dead).
func (t *Table) Upsert(entries []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range entries {
		in := entries[i]
		existing, ok := t.entries[in.Identity]
		if !ok {
			fresh := in
			fresh.LastRx = time.Time{}
			fresh.LastRemoteAddr = nil
			t.entries[in.Identity] = &fresh
			t.order = append(t.order, in.Identity)
			continue
		}

		existing.CIDRs = in.CIDRs
		existing.PrivateIP = in.PrivateIP
		existing.StunIP = in.StunIP
		existing.StunPort = in.StunPort
		existing.UDPPort = in.UDPPort

		if in.IPv6 != "" && in.IPv6 != existing.IPv6 {
			existing.IPv6 = in.IPv6
			existing.LastRx = time.Time{}
			existing.LastRemoteAddr = nil
		}
	}

	// Rebuild rather than append: an identity whose CIDRs changed above
	// must not leave its old cidrRoute entries dangling in the index.
	t.cidrOrder = buildCIDROrder(t.entries, t.order)
}

// buildCIDROrder rebuilds the CIDR tie-break index from scratch, walking
// identities in first-seen order and each one's current CIDR set.
func buildCIDROrder(entries map[string]*Entry, order []string) []cidrRoute {
	var out []cidrRoute
	for _, identity := range order {
		e, ok := entries[identity]
		if !ok {
			continue
		}
		for _, c := range e.CIDRs {
			if p, err := netip.ParsePrefix(c); err == nil {
				out = append(out, cidrRoute{prefix: p, identity: identity})
			}
		}
	}
	return out
}

// OnProbeReceived marks identity as alive at now, observed from src.
func (t *Table) OnProbeReceived(identity string, src *net.UDPAddr, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[identity]; ok {
		e.LastRx = now
		e.LastRemoteAddr = src
	}
}

// IsActive reports whether identity's last_rx is within ActiveThreshold of
// now.
func (t *Table) IsActive(identity string, now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[identity]
	if !ok || !e.hasLastRx() {
		return false
	}
	return now.Sub(e.LastRx) <= ActiveThreshold
}

// Get returns a copy of the entry for identity.
func (t *Table) Get(identity string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[identity]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// All returns a snapshot copy of every entry in the table.
func (t *Table) All() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}

// FindByDestinationIP returns the peer whose private_ip exactly matches ip,
// or otherwise the first peer (in insertion order) whose CIDRs contain ip.
func (t *Table) FindByDestinationIP(ip netip.Addr) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, e := range t.entries {
		if e.PrivateIP == ip.String() {
			return *e, true
		}
	}

	for _, route := range t.cidrOrder {
		if route.prefix.Contains(ip) {
			if e, ok := t.entries[route.identity]; ok {
				return *e, true
			}
		}
	}

	return Entry{}, false
}

// Package route diffs the CIDR set derived from the peer roster and pushes
// updated network settings down to the TunDevice, applying only when the
// set actually changed.
package route

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"meshd/internal/obslog"
	"meshd/internal/tun"
)

// Manager serializes route updates: a new ApplyNetworkSettings call is
// never issued until the previous call's completion. It compares the
// incoming CIDR set against the last applied one and is a no-op when
// nothing changed.
type Manager struct {
	device tun.Device
	logger *obslog.Logger

	mu        sync.Mutex
	localIP   string
	mask      string
	gateway   string
	assigned  bool
	lastCIDRs map[string]struct{}

	onFirstApply func()
	firedFirst   bool
}

// New creates a route Manager over device. onFirstApply, if non-nil, is
// invoked once the very first ApplyNetworkSettings succeeds — this is
// where the virtual interface's outbound read loop is kicked.
func New(device tun.Device, logger *obslog.Logger, onFirstApply func()) *Manager {
	return &Manager{device: device, logger: logger, onFirstApply: onFirstApply, lastCIDRs: map[string]struct{}{}}
}

// SetAssignment records the local_ip/mask/gateway the first HandshakeReply
// provides. It is sticky: later calls do not change it.
func (m *Manager) SetAssignment(localIP, mask, gateway string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assigned {
		return
	}
	m.localIP, m.mask, m.gateway = localIP, normalizeMask(mask), gateway
	m.assigned = true
}

// UpdateCIDRs recomputes the union of cidrs and applies it if it differs
// from what was last applied.
func (m *Manager) UpdateCIDRs(cidrs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]struct{}, len(cidrs))
	for _, c := range cidrs {
		next[c] = struct{}{}
	}

	if setsEqual(m.lastCIDRs, next) {
		return nil
	}

	settings := tun.NetworkSettings{
		LocalIP: m.localIP,
		Mask:    m.mask,
		Gateway: m.gateway,
		CIDRs:   sortedKeys(next),
	}

	if err := m.device.ApplyNetworkSettings(settings); err != nil {
		m.logger.Warnf("route", "apply network settings failed, will retry on next roster update: %v", err)
		return fmt.Errorf("route: apply network settings: %w", err)
	}

	m.lastCIDRs = next

	if !m.firedFirst {
		m.firedFirst = true
		if m.onFirstApply != nil {
			m.onFirstApply()
		}
	}
	return nil
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// normalizeMask accepts either dotted-decimal ("255.255.255.0") or a
// prefix length ("24") and always returns dotted-decimal.
func normalizeMask(mask string) string {
	if !strings.Contains(mask, ".") {
		prefix, err := strconv.Atoi(mask)
		if err == nil && prefix >= 0 && prefix <= 32 {
			m := net.CIDRMask(prefix, 32)
			return net.IP(m).String()
		}
	}
	return mask
}

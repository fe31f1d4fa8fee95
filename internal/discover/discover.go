// Package discover periodically refreshes the client's public IPv6
// address for advertisement in keepalives. It does not implement an HTTP
// client itself — that capability is injected — it only owns the
// schedule, the endpoint ordering, and the address validation.
package discover

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"meshd/internal/obslog"
)

// RefreshInterval is how often the discoverer re-queries after its first,
// immediate run.
const RefreshInterval = 300 * time.Second

// QueryTimeout bounds each individual probe.
const QueryTimeout = 5 * time.Second

// DefaultEndpoints is the default ordered list of public HTTP endpoints
// returning a text body containing an IPv6 address. The endpoint list is
// configurable via New; this is what applies when none is supplied.
var DefaultEndpoints = []string{
	"https://v6.ident.me",
	"https://api6.ipify.org",
	"https://ifconfig.co",
}

// Probe is the injected capability that performs one HTTP GET against an
// endpoint and returns its text body. The core never implements this
// itself.
type Probe interface {
	Fetch(ctx context.Context, endpoint string) (string, error)
}

// Discoverer owns the refresh schedule and feeds validated addresses to
// OnChange.
type Discoverer struct {
	endpoints []string
	probe     Probe
	logger    *obslog.Logger
	onChange  func(string)

	current atomic.Value // string

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Discoverer. onChange is invoked whenever the discovered
// address changes (including the first successful discovery).
func New(endpoints []string, probe Probe, logger *obslog.Logger, onChange func(string)) *Discoverer {
	if len(endpoints) == 0 {
		endpoints = DefaultEndpoints
	}
	d := &Discoverer{endpoints: endpoints, probe: probe, logger: logger, onChange: onChange, stopCh: make(chan struct{})}
	d.current.Store("")
	return d
}

// Start runs one immediate discovery and then schedules refreshes every
// RefreshInterval.
func (d *Discoverer) Start() {
	d.wg.Add(1)
	go d.loop()
}

// Stop cancels the schedule and joins the task.
func (d *Discoverer) Stop() {
	d.mu.Lock()
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Current returns the last discovered address, or "" if none has been
// found yet. Failure to obtain an address is non-fatal: it simply leaves
// this at its previous value (or empty).
func (d *Discoverer) Current() string {
	return d.current.Load().(string)
}

func (d *Discoverer) loop() {
	defer d.wg.Done()

	d.refresh()

	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.refresh()
		}
	}
}

func (d *Discoverer) refresh() {
	for _, endpoint := range d.endpoints {
		ctx, cancel := context.WithTimeout(context.Background(), QueryTimeout)
		body, err := d.probe.Fetch(ctx, endpoint)
		cancel()
		if err != nil {
			d.logger.Debugf("discover", "probe %s failed: %v", endpoint, err)
			continue
		}

		addr := strings.TrimSpace(body)
		if !Valid(addr) {
			d.logger.Debugf("discover", "probe %s returned invalid address %q", endpoint, addr)
			continue
		}

		if addr != d.Current() {
			d.current.Store(addr)
			d.onChange(addr)
		}
		return
	}
	// All endpoints failed or returned invalid addresses: soft failure,
	// keep the last-known value (or empty).
}

// Valid rejects addresses without a colon, link-local (fe80:), and
// loopback (::1).
func Valid(addr string) bool {
	if addr == "" || !strings.Contains(addr, ":") {
		return false
	}
	lower := strings.ToLower(addr)
	if strings.HasPrefix(lower, "fe80:") {
		return false
	}
	if lower == "::1" {
		return false
	}
	return true
}

// Package tun defines the abstract virtual-interface boundary. The
// platform driver that actually moves packets in and out of the OS TUN
// device, and installs routes on the host, lives outside this module; the
// core only depends on this interface.
package tun

import "net"

// NetworkSettings is what the route manager pushes down whenever the
// assigned address or the CIDR set changes.
type NetworkSettings struct {
	LocalIP string
	Mask    string
	Gateway string
	CIDRs   []string
}

// Device is the boundary between the core and the platform-specific
// virtual network interface driver.
type Device interface {
	// ReadPacket blocks until the next outbound IP packet is available
	// from the interface, or returns an error if the device is closed.
	ReadPacket() ([]byte, error)
	// WritePacket delivers an inbound IP packet to the interface for
	// injection into the host network stack.
	WritePacket(packet []byte) error
	// ApplyNetworkSettings installs the given address/route set on the
	// host. Calls are serialized by the route manager: a new call is
	// never issued until the previous one has returned.
	ApplyNetworkSettings(settings NetworkSettings) error
}

// Fake is an in-memory Device used by tests and by any component that
// wants to exercise the core without a real platform driver.
type Fake struct {
	outbound chan []byte
	inbound  chan []byte
	closed   chan struct{}
	Applied  []NetworkSettings
}

// NewFake creates a Fake device with the given outbound queue depth.
func NewFake(queueDepth int) *Fake {
	return &Fake{
		outbound: make(chan []byte, queueDepth),
		inbound:  make(chan []byte, queueDepth),
		closed:   make(chan struct{}),
	}
}

// Inject simulates the host stack handing a new outbound packet to the
// interface, as if an application inside the tunnel had sent it.
func (f *Fake) Inject(packet []byte) {
	select {
	case f.outbound <- packet:
	case <-f.closed:
	}
}

// Written returns the channel of packets the core has written inbound
// (i.e. delivered to the virtual interface for the host to consume).
func (f *Fake) Written() <-chan []byte { return f.inbound }

func (f *Fake) ReadPacket() ([]byte, error) {
	select {
	case p := <-f.outbound:
		return p, nil
	case <-f.closed:
		return nil, net.ErrClosed
	}
}

func (f *Fake) WritePacket(packet []byte) error {
	cp := make([]byte, len(packet))
	copy(cp, packet)
	select {
	case f.inbound <- cp:
		return nil
	case <-f.closed:
		return net.ErrClosed
	}
}

func (f *Fake) ApplyNetworkSettings(settings NetworkSettings) error {
	f.Applied = append(f.Applied, settings)
	return nil
}

// Close stops the fake device.
func (f *Fake) Close() {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
}

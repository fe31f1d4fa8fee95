// Package client wires the frame codec, crypto suite, control session,
// reconnect supervisor, peer table, P2P service, discoverer, dispatcher,
// route manager, and stats into one running client.
package client

import (
	"fmt"
	"sync/atomic"
	"time"

	"meshd/internal/config"
	"meshd/internal/crypto"
	"meshd/internal/discover"
	"meshd/internal/dispatch"
	"meshd/internal/frame"
	"meshd/internal/obslog"
	"meshd/internal/p2p"
	"meshd/internal/peer"
	"meshd/internal/route"
	"meshd/internal/session"
	"meshd/internal/stats"
	"meshd/internal/tun"
)

// Client owns every long-lived component for one mesh-VPN session.
type Client struct {
	cfg    *config.Config
	logger *obslog.Logger
	suite  crypto.Suite
	device tun.Device

	peers      *peer.Table
	counters   *stats.Counters
	self       *selfAdvertisement
	p2pSvc     *p2p.Service
	routeMgr   *route.Manager
	dispatcher *dispatch.Dispatcher
	supervisor *session.Supervisor
	discoverer *discover.Discoverer
	observer   *stats.Observer

	readerStarted atomic.Bool
	stopReader    chan struct{}
	virtualIP     atomic.Value // string
}

// selfAdvertisement is the mutable-but-atomic self record the discoverer
// writes into and the control session reads from on every keepalive.
type selfAdvertisement struct {
	ipv6 atomic.Value // string
}

func newSelfAdvertisement() *selfAdvertisement {
	s := &selfAdvertisement{}
	s.ipv6.Store("")
	return s
}

func (s *selfAdvertisement) IPv6() string     { return s.ipv6.Load().(string) }
func (s *selfAdvertisement) UDPPort() uint16  { return p2p.Port }
func (s *selfAdvertisement) StunIP() string   { return "" }
func (s *selfAdvertisement) StunPort() uint16 { return 0 }

// New assembles a Client. probe is the injected public-IPv6 discovery
// capability (component G depends on it rather than implementing HTTP
// itself).
func New(cfg *config.Config, device tun.Device, probe discover.Probe, logger *obslog.Logger) (*Client, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	suite, err := crypto.FromConfig(cfg.CryptoConfig)
	if err != nil {
		return nil, fmt.Errorf("client: crypto suite: %w", err)
	}

	c := &Client{
		cfg:        cfg,
		logger:     logger,
		suite:      suite,
		device:     device,
		peers:      peer.New(),
		counters:   &stats.Counters{},
		self:       newSelfAdvertisement(),
		stopReader: make(chan struct{}),
	}

	c.p2pSvc = p2p.New(cfg.Identity, suite, c.peers, inboundSink{c}, logger)
	c.routeMgr = route.New(device, logger, c.onFirstRouteApply)
	c.discoverer = discover.New(nil, probe, logger, c.onIPv6Discovered)

	c.observer = stats.NewObserver(c.counters, c.peers, c.currentState, c.currentVirtualIP)

	factory := func(cb session.Callbacks) *session.Session {
		return session.New(session.Config{
			ServerAddress:     cfg.ServerAddress,
			ServerPort:        cfg.ServerPort,
			Identity:          cfg.Identity,
			Suite:             suite,
			KeepAliveInterval: time.Duration(cfg.KeepAliveInterval) * time.Second,
			Logger:            logger,
			Self:              c.self,
		}, cb)
	}
	c.supervisor = session.NewSupervisor(factory, sessionCallbacks{c}, logger, c.onSessionReady)

	c.dispatcher = dispatch.New(c.peers, c.p2pSvc, relayAdapter{c}, c.counters, logger)

	return c, nil
}

// Run starts every component and blocks until stop is closed.
func (c *Client) Run(stop <-chan struct{}) error {
	if err := c.p2pSvc.Start(); err != nil {
		return fmt.Errorf("client: p2p start: %w", err)
	}
	c.discoverer.Start()
	c.supervisor.Start()

	<-stop

	c.Close()
	return nil
}

// Close tears down every owned component.
func (c *Client) Close() {
	c.supervisor.Close()
	c.discoverer.Stop()
	c.p2pSvc.Stop()
	select {
	case <-c.stopReader:
	default:
		close(c.stopReader)
	}
}

// Observer returns the read-only observation interface (component J).
func (c *Client) Observer() *stats.Observer { return c.observer }

func (c *Client) currentState() session.State {
	if s := c.supervisor.Current(); s != nil {
		return s.State()
	}
	return session.Initialize
}

func (c *Client) currentVirtualIP() string {
	v := c.virtualIP.Load()
	if v == nil {
		return ""
	}
	return v.(string)
}

func (c *Client) onIPv6Discovered(addr string) {
	c.self.ipv6.Store(addr)
}

// onFirstRouteApply kicks the virtual-interface reader loop (component H,
// outbound direction) once the first route apply succeeds.
func (c *Client) onFirstRouteApply() {
	if c.readerStarted.CompareAndSwap(false, true) {
		go c.tunReadLoop()
	}
}

func (c *Client) tunReadLoop() {
	for {
		select {
		case <-c.stopReader:
			return
		default:
		}

		packet, err := c.device.ReadPacket()
		if err != nil {
			c.logger.Warnf("client", "tun read: %v", err)
			return
		}
		if err := c.dispatcher.DispatchOutbound(packet); err != nil {
			c.logger.Debugf("client", "dispatch outbound: %v", err)
		}
	}
}

func (c *Client) onSessionReady(err error) {
	if err != nil {
		c.logger.Errorf("client", "session start failed: %v", err)
		return
	}
	c.logger.Infof("client", "control session established")
}

// --- adapters wiring sub-packages' narrow interfaces to the Client ---

type inboundSink struct{ c *Client }

func (s inboundSink) OnDataFrame(packet []byte) {
	if err := s.c.dispatcher.DispatchInbound(packet, s.c.device.WritePacket); err != nil {
		s.c.logger.Warnf("client", "write to tun failed: %v", err)
	}
}

type relayAdapter struct{ c *Client }

func (r relayAdapter) SendData(packet []byte) error {
	cur := r.c.supervisor.Current()
	if cur == nil {
		return session.ErrNotConnected
	}
	return cur.SendData(packet)
}

type sessionCallbacks struct{ c *Client }

func (s sessionCallbacks) OnHandshakeReply(p frame.HandshakeReplyPayload) {
	s.c.peers.Rewrite(toPeerEntries(p.PeerDetails))
	s.c.routeMgr.SetAssignment(p.PrivateIP, p.Mask, p.Gateway)
	s.c.virtualIP.Store(p.PrivateIP)
	s.c.observer.MarkConnected(time.Now())
	if err := s.c.routeMgr.UpdateCIDRs(unionCIDRs(s.c.peers.All())); err != nil {
		s.c.logger.Warnf("client", "route update after handshake reply: %v", err)
	}
}

func (s sessionCallbacks) OnKeepAlive(p frame.KeepAlivePayload) {
	s.c.peers.Upsert(toPeerEntries(p.PeerDetails))
	if err := s.c.routeMgr.UpdateCIDRs(unionCIDRs(s.c.peers.All())); err != nil {
		s.c.logger.Warnf("client", "route update after keepalive: %v", err)
	}
}

func (s sessionCallbacks) OnDataFrame(packet []byte) {
	inboundSink{s.c}.OnDataFrame(packet)
}

func (s sessionCallbacks) OnClosed(err error) {
	s.c.logger.Warnf("client", "control session closed: %v", err)
}

func toPeerEntries(details []frame.PeerDetail) []peer.Entry {
	out := make([]peer.Entry, 0, len(details))
	for _, d := range details {
		out = append(out, peer.Entry{
			Identity:  d.Identity,
			PrivateIP: d.PrivateIP,
			CIDRs:     d.CIDRs,
			IPv6:      d.IPv6,
			UDPPort:   d.Port,
			StunIP:    d.StunIP,
			StunPort:  d.StunPort,
		})
	}
	return out
}

func unionCIDRs(entries []peer.Entry) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range entries {
		for _, c := range e.CIDRs {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				out = append(out, c)
			}
		}
	}
	return out
}

package network

import (
	"fmt"
	"net/netip"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-relay/pkg/metrics"
	"github.com/ZentaChain/zentalk-relay/pkg/pool"
	"github.com/ZentaChain/zentalk-relay/pkg/protocol"
)

// Build is the relay build number reported in the default welcome message
const Build = 9

// Version returns the relay version string
func Version() string {
	return fmt.Sprintf("Zentalk Relay #%d (%s/%s)", Build, runtime.GOOS, runtime.GOARCH)
}

// OverflowPolicy decides what happens when the pending connection table is full
type OverflowPolicy string

const (
	// OverflowDropOldest closes the oldest pending connection to admit the new one
	OverflowDropOldest OverflowPolicy = "drop-oldest"
	// OverflowReject closes the new connection
	OverflowReject OverflowPolicy = "reject"
)

// Options holds relay limits and timings
type Options struct {
	PendingLimit      int
	PeersLimit        int
	ChannelsLimit     int
	PeerChannelsLimit int
	ChannelPeersLimit int // 0 = unlimited
	PingInterval      time.Duration
	HandshakeTimeout  time.Duration
	WelcomeMessage    string
	GiveNewMaster     bool
	PendingOverflow   OverflowPolicy
	MaxFrameSize      int
	SendQueue         int
}

// DefaultOptions returns the default relay options
func DefaultOptions() Options {
	return Options{
		PendingLimit:      16,
		PeersLimit:        128,
		ChannelsLimit:     32,
		PeerChannelsLimit: 4,
		PingInterval:      3 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WelcomeMessage:    Version(),
		GiveNewMaster:     true,
		PendingOverflow:   OverflowDropOldest,
		MaxFrameSize:      protocol.DefaultMaxFrameSize,
		SendQueue:         256,
	}
}

// Validate checks option ranges
func (o Options) Validate() error {
	var err error
	if o.PendingLimit <= 0 {
		err = multierr.Append(err, fmt.Errorf("pending limit must be positive"))
	}
	if o.PeersLimit <= 0 || o.PeersLimit > pool.MaxSlots {
		err = multierr.Append(err, fmt.Errorf("peers limit must be in 1..%d", pool.MaxSlots))
	}
	if o.ChannelsLimit <= 0 || o.ChannelsLimit > pool.MaxSlots {
		err = multierr.Append(err, fmt.Errorf("channels limit must be in 1..%d", pool.MaxSlots))
	}
	if o.PeerChannelsLimit <= 0 {
		err = multierr.Append(err, fmt.Errorf("peer channels limit must be positive"))
	}
	if o.ChannelPeersLimit < 0 {
		err = multierr.Append(err, fmt.Errorf("channel peers limit must not be negative"))
	}
	if o.PingInterval < 0 {
		err = multierr.Append(err, fmt.Errorf("ping interval must not be negative"))
	}
	if o.HandshakeTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("handshake timeout must be positive"))
	}
	switch o.PendingOverflow {
	case OverflowDropOldest, OverflowReject:
	default:
		err = multierr.Append(err, fmt.Errorf("unknown pending overflow policy %q", o.PendingOverflow))
	}
	if o.MaxFrameSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("max frame size must be positive"))
	}
	if o.SendQueue <= 0 {
		err = multierr.Append(err, fmt.Errorf("send queue must be positive"))
	}
	return err
}

// EngineConfig wires an Engine to its collaborators. Zero fields get defaults.
type EngineConfig struct {
	Options   Options
	Policy    Policy
	Datagrams DatagramSender
	Logger    *zap.Logger
	Metrics   *metrics.Recorder
	Clock     clock.Clock
}

// Engine owns all relay state. It is not safe for concurrent use; the
// reactor goroutine is its only caller.
type Engine struct {
	opts    Options
	policy  Policy
	udp     DatagramSender
	logger  *zap.Logger
	metrics *metrics.Recorder
	clock   clock.Clock

	pending     []*pendingConn
	pendingLink map[Link]*pendingConn

	peers    *pool.Pool[*Peer]
	peerLink map[Link]*Peer

	channels    *pool.Pool[*Channel]
	channelName map[string]*Channel

	startedAt time.Time
}

type discardDatagrams struct{}

func (discardDatagrams) SendDatagram(netip.AddrPort, []byte) {}

// NewEngine creates an engine with no connections
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Policy == nil {
		cfg.Policy = NopPolicy{}
	}
	if cfg.Datagrams == nil {
		cfg.Datagrams = discardDatagrams{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Engine{
		opts:        cfg.Options,
		policy:      cfg.Policy,
		udp:         cfg.Datagrams,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		clock:       cfg.Clock,
		pendingLink: make(map[Link]*pendingConn),
		peers:       pool.New[*Peer](),
		peerLink:    make(map[Link]*Peer),
		channels:    pool.New[*Channel](),
		channelName: make(map[string]*Channel),
		startedAt:   cfg.Clock.Now(),
	}
}

// Options returns the engine options
func (e *Engine) Options() Options { return e.opts }

// StartedAt returns when the engine was created
func (e *Engine) StartedAt() time.Time { return e.startedAt }

// Peer returns the peer with the given ID
func (e *Engine) Peer(id PeerID) (*Peer, bool) {
	return e.peers.Get(uint16(id))
}

// Channel returns the channel with the given ID
func (e *Engine) Channel(id ChannelID) (*Channel, bool) {
	return e.channels.Get(uint16(id))
}

// ChannelByName returns the channel with the given name
func (e *Engine) ChannelByName(name string) (*Channel, bool) {
	ch, ok := e.channelName[name]
	return ch, ok
}

// PeerCount returns the number of authenticated peers
func (e *Engine) PeerCount() int { return e.peers.Len() }

// ChannelCount returns the number of open channels
func (e *Engine) ChannelCount() int { return e.channels.Len() }

// PendingCount returns the number of connections still in the handshake
func (e *Engine) PendingCount() int { return len(e.pending) }

// Peers returns snapshots of all peers in connect order
func (e *Engine) Peers() []PeerInfo {
	out := make([]PeerInfo, 0, e.peers.Len())
	for _, p := range e.peers.Values() {
		out = append(out, p.Info())
	}
	return out
}

// Channels returns snapshots of all channels in creation order
func (e *Engine) Channels() []ChannelInfo {
	out := make([]ChannelInfo, 0, e.channels.Len())
	for _, ch := range e.channels.Values() {
		out = append(out, ch.Info())
	}
	return out
}

// Close closes every connection and releases all state. No hooks fire.
func (e *Engine) Close() error {
	var err error
	for _, pc := range e.pending {
		err = multierr.Append(err, pc.link.Close())
	}
	e.peers.Each(func(_ uint16, p *Peer) bool {
		err = multierr.Append(err, p.link.Close())
		return true
	})

	e.pending = nil
	clear(e.pendingLink)
	e.peers.Clear()
	clear(e.peerLink)
	e.channels.Clear()
	clear(e.channelName)
	e.updateGauges()
	return err
}

// CheckInvariants verifies that peer and channel membership agree
func (e *Engine) CheckInvariants() error {
	var err error

	for _, p := range e.peers.Values() {
		if e.peerLink[p.link] != p {
			err = multierr.Append(err, fmt.Errorf("peer %d: link not indexed", p.id))
		}
		seen := make(map[*Channel]bool)
		for _, ch := range p.channels {
			if seen[ch] {
				err = multierr.Append(err, fmt.Errorf("peer %d: channel %d listed twice", p.id, ch.id))
			}
			seen[ch] = true
			if got, ok := e.channels.Get(uint16(ch.id)); !ok || got != ch {
				err = multierr.Append(err, fmt.Errorf("peer %d: channel %d not allocated", p.id, ch.id))
			}
			if !containsPeer(ch.members, p) {
				err = multierr.Append(err, fmt.Errorf("peer %d: not a member of channel %d", p.id, ch.id))
			}
		}
	}

	for _, ch := range e.channels.Values() {
		if e.channelName[ch.name] != ch {
			err = multierr.Append(err, fmt.Errorf("channel %d: name %q not indexed", ch.id, ch.name))
		}
		if len(ch.members) == 0 {
			err = multierr.Append(err, fmt.Errorf("channel %d: open with no members", ch.id))
		}
		seen := make(map[*Peer]bool)
		for _, m := range ch.members {
			if seen[m] {
				err = multierr.Append(err, fmt.Errorf("channel %d: peer %d listed twice", ch.id, m.id))
			}
			seen[m] = true
			if got, ok := e.peers.Get(uint16(m.id)); !ok || got != m {
				err = multierr.Append(err, fmt.Errorf("channel %d: member %d not allocated", ch.id, m.id))
			}
			if !m.InChannel(ch) {
				err = multierr.Append(err, fmt.Errorf("channel %d: member %d does not list it", ch.id, m.id))
			}
		}
		if ch.master != nil && !seen[ch.master] {
			err = multierr.Append(err, fmt.Errorf("channel %d: master %d is not a member", ch.id, ch.master.id))
		}
	}

	if len(e.channelName) != e.channels.Len() {
		err = multierr.Append(err, fmt.Errorf("channel name index has %d entries for %d channels", len(e.channelName), e.channels.Len()))
	}
	if len(e.peerLink) != e.peers.Len() {
		err = multierr.Append(err, fmt.Errorf("link index has %d entries for %d peers", len(e.peerLink), e.peers.Len()))
	}
	if len(e.pendingLink) != len(e.pending) {
		err = multierr.Append(err, fmt.Errorf("pending index has %d entries for %d connections", len(e.pendingLink), len(e.pending)))
	}

	return err
}

func containsPeer(list []*Peer, p *Peer) bool {
	for _, m := range list {
		if m == p {
			return true
		}
	}
	return false
}

// send queues a frame on the peer's link
func (e *Engine) send(p *Peer, frame []byte) {
	if p.link.Send(frame) {
		e.metrics.FrameSent()
		return
	}
	e.metrics.SendDropped()
	e.logger.Debug("send queue full, frame dropped", zap.Uint16("peer", uint16(p.id)))
}

// sendDatagram sends a UDP payload to the peer's learned endpoint
func (e *Engine) sendDatagram(p *Peer, payload []byte) {
	addr, ok := p.DatagramAddr()
	if !ok {
		return
	}
	e.udp.SendDatagram(addr, payload)
	e.metrics.DatagramSent()
}

func (e *Engine) updateGauges() {
	e.metrics.SetCounts(e.peers.Len(), len(e.pending), e.channels.Len())
}

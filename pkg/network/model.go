package network

import (
	"net/netip"
	"time"

	"github.com/ZentaChain/zentalk-relay/pkg/protocol"
)

// PeerID identifies an authenticated connection
type PeerID uint16

// ChannelID identifies a channel. Channel IDs live in their own namespace.
type ChannelID uint16

// Link is the stream transport handle the engine writes to
type Link interface {
	// Send queues an encoded frame. It returns false if the frame was dropped.
	Send(frame []byte) bool
	Close() error
	RemoteAddr() netip.Addr
}

// DatagramSender delivers UDP payloads
type DatagramSender interface {
	SendDatagram(to netip.AddrPort, payload []byte)
}

// pendingConn is a connection that has not completed the handshake
type pendingConn struct {
	link       Link
	received   int
	acceptedAt time.Time
}

// Peer is an authenticated connection
type Peer struct {
	id          PeerID
	name        string
	link        Link
	udp         netip.AddrPort
	channels    []*Channel
	decoder     *protocol.Decoder
	pings       int
	connectedAt time.Time
}

// ID returns the peer ID
func (p *Peer) ID() PeerID { return p.id }

// Name returns the display name, empty until set
func (p *Peer) Name() string { return p.name }

// RemoteAddr returns the address of the stream connection
func (p *Peer) RemoteAddr() netip.Addr { return p.link.RemoteAddr() }

// DatagramAddr returns the learned UDP endpoint
func (p *Peer) DatagramAddr() (netip.AddrPort, bool) {
	return p.udp, p.udp.IsValid()
}

// ConnectedAt returns when the handshake completed
func (p *Peer) ConnectedAt() time.Time { return p.connectedAt }

// OutstandingPings returns the number of keepalive ticks without a reply
func (p *Peer) OutstandingPings() int { return p.pings }

// Channels returns the IDs of joined channels in join order
func (p *Peer) Channels() []ChannelID {
	ids := make([]ChannelID, len(p.channels))
	for i, ch := range p.channels {
		ids[i] = ch.id
	}
	return ids
}

// InChannel reports whether the peer is a member of ch
func (p *Peer) InChannel(ch *Channel) bool {
	for _, c := range p.channels {
		if c == ch {
			return true
		}
	}
	return false
}

func (p *Peer) addChannel(ch *Channel) {
	p.channels = append(p.channels, ch)
}

func (p *Peer) removeChannel(ch *Channel) {
	for i, c := range p.channels {
		if c == ch {
			p.channels = append(p.channels[:i], p.channels[i+1:]...)
			return
		}
	}
}

// Channel is a named group of peers
type Channel struct {
	id           ChannelID
	name         string
	hidden       bool
	closeOnLeave bool
	members      []*Peer
	master       *Peer
	createdAt    time.Time
}

// ID returns the channel ID
func (c *Channel) ID() ChannelID { return c.id }

// Name returns the unique channel name
func (c *Channel) Name() string { return c.name }

// Hidden reports whether the channel is omitted from channel lists
func (c *Channel) Hidden() bool { return c.hidden }

// CloseOnMasterLeave reports whether the channel closes when its master leaves
func (c *Channel) CloseOnMasterLeave() bool { return c.closeOnLeave }

// Master returns the channel master, if any
func (c *Channel) Master() (PeerID, bool) {
	if c.master == nil {
		return 0, false
	}
	return c.master.id, true
}

// Members returns member IDs in join order
func (c *Channel) Members() []PeerID {
	ids := make([]PeerID, len(c.members))
	for i, p := range c.members {
		ids[i] = p.id
	}
	return ids
}

// Len returns the number of members
func (c *Channel) Len() int { return len(c.members) }

func (c *Channel) isMaster(p *Peer) bool {
	return c.master != nil && c.master == p
}

func (c *Channel) memberNamed(name string) *Peer {
	for _, m := range c.members {
		if m.name == name {
			return m
		}
	}
	return nil
}

func (c *Channel) addMember(p *Peer) {
	c.members = append(c.members, p)
}

func (c *Channel) removeMember(p *Peer) {
	for i, m := range c.members {
		if m == p {
			c.members = append(c.members[:i], c.members[i+1:]...)
			return
		}
	}
}

// PeerInfo is a read-only snapshot of a peer
type PeerInfo struct {
	ID           PeerID      `json:"id"`
	Name         string      `json:"name"`
	Address      string      `json:"address"`
	DatagramAddr string      `json:"datagram_addr,omitempty"`
	Channels     []ChannelID `json:"channels"`
	ConnectedAt  time.Time   `json:"connected_at"`
	PendingPings int         `json:"pending_pings"`
}

// ChannelInfo is a read-only snapshot of a channel
type ChannelInfo struct {
	ID                 ChannelID `json:"id"`
	Name               string    `json:"name"`
	Hidden             bool      `json:"hidden"`
	CloseOnMasterLeave bool      `json:"close_on_master_leave"`
	Master             *PeerID   `json:"master,omitempty"`
	Members            []PeerID  `json:"members"`
	CreatedAt          time.Time `json:"created_at"`
}

// Info returns a snapshot of the peer
func (p *Peer) Info() PeerInfo {
	info := PeerInfo{
		ID:           p.id,
		Name:         p.name,
		Address:      p.RemoteAddr().String(),
		Channels:     p.Channels(),
		ConnectedAt:  p.connectedAt,
		PendingPings: p.pings,
	}
	if addr, ok := p.DatagramAddr(); ok {
		info.DatagramAddr = addr.String()
	}
	return info
}

// Info returns a snapshot of the channel
func (c *Channel) Info() ChannelInfo {
	info := ChannelInfo{
		ID:                 c.id,
		Name:               c.name,
		Hidden:             c.hidden,
		CloseOnMasterLeave: c.closeOnLeave,
		Members:            c.Members(),
		CreatedAt:          c.createdAt,
	}
	if id, ok := c.Master(); ok {
		info.Master = &id
	}
	return info
}

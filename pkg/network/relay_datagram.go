package network

import (
	"net/netip"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-relay/pkg/protocol"
)

// Datagram handles one UDP payload received from addr
func (e *Engine) Datagram(from netip.AddrPort, b []byte) {
	d, ok := protocol.ParseDatagram(b)
	if !ok {
		e.metrics.DatagramReceived("invalid")
		return
	}
	from = normalizeAddrPort(from)

	switch d.Type {
	case protocol.DatagramHello:
		e.metrics.DatagramReceived("hello")
		e.handleHello(from, d)

	case protocol.DatagramServerBlast:
		e.metrics.DatagramReceived("server_blast")
		if p := e.datagramSender(from, d.Sender); p != nil {
			e.policy.MessageBlasted(p, d.Subchannel, d.Data)
		}

	case protocol.DatagramChannelBlast:
		e.metrics.DatagramReceived("channel_blast")
		e.handleChannelBlast(from, d)

	case protocol.DatagramPeerBlast:
		e.metrics.DatagramReceived("peer_blast")
		e.handlePeerBlast(from, d)
	}
}

// handleHello records the sender's UDP endpoint. The source IP must match
// the stream connection and a learned port never changes.
func (e *Engine) handleHello(from netip.AddrPort, d protocol.Datagram) {
	p, ok := e.peers.Get(d.Sender)
	if !ok {
		return
	}
	if from.Addr() != p.RemoteAddr().Unmap() {
		return
	}
	if p.udp.IsValid() && p.udp.Port() != from.Port() {
		return
	}

	if !p.udp.IsValid() {
		e.logger.Debug("datagram endpoint learned",
			zap.Uint16("peer", uint16(p.id)),
			zap.Stringer("addr", from))
	}
	p.udp = from
	e.udp.SendDatagram(from, protocol.WelcomeDatagram())
	e.metrics.DatagramSent()
}

// datagramSender returns the claimed sender if from is its learned endpoint
func (e *Engine) datagramSender(from netip.AddrPort, id uint16) *Peer {
	p, ok := e.peers.Get(id)
	if !ok || !p.udp.IsValid() || p.udp != from {
		return nil
	}
	return p
}

func (e *Engine) handleChannelBlast(from netip.AddrPort, d protocol.Datagram) {
	p := e.datagramSender(from, d.Sender)
	if p == nil {
		return
	}
	ch, ok := e.channels.Get(d.Channel)
	if !ok || !p.InChannel(ch) {
		return
	}

	out := protocol.BlastDatagram(d.Type, d.Variant, d.Subchannel, d.Channel, uint16(p.id), d.Data)
	for _, m := range ch.members {
		if m != p {
			e.sendDatagram(m, out)
		}
	}
}

func (e *Engine) handlePeerBlast(from netip.AddrPort, d protocol.Datagram) {
	p := e.datagramSender(from, d.Sender)
	if p == nil {
		return
	}
	ch, ok := e.channels.Get(d.Channel)
	if !ok || !p.InChannel(ch) {
		return
	}
	target, ok := e.peers.Get(d.Target)
	if !ok || !target.InChannel(ch) {
		return
	}

	e.sendDatagram(target, protocol.BlastDatagram(d.Type, d.Variant, d.Subchannel, d.Channel, uint16(p.id), d.Data))
}

func normalizeAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

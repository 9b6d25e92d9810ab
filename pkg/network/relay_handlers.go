package network

import (
	"errors"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-relay/pkg/protocol"
)

// receiveFrames decodes and dispatches every complete frame from a peer
func (e *Engine) receiveFrames(p *Peer, data []byte) {
	p.decoder.Write(data)

	for {
		frame, err := p.decoder.Next()
		if errors.Is(err, protocol.ErrNeedMoreData) {
			break
		}
		if err != nil {
			e.logger.Warn("malformed frame", zap.Uint16("peer", uint16(p.id)), zap.Error(err))
			e.DropPeer(p.id, "malformed frame")
			return
		}

		e.handleFrame(p, frame)

		if cur, ok := e.peerLink[p.link]; !ok || cur != p {
			return
		}
	}

	p.decoder.Compact()
}

// handleFrame routes one frame by type. Payload slices are only valid for
// the duration of the call.
func (e *Engine) handleFrame(p *Peer, f protocol.Frame) {
	switch f.Type {
	case protocol.TypeRequest:
		e.metrics.FrameReceived("request")
		e.handleRequest(p, f.Payload)

	case protocol.TypeServerMessage:
		e.metrics.FrameReceived("server_message")
		e.handleServerMessage(p, f.Payload)

	case protocol.TypeChannelMsg:
		e.metrics.FrameReceived("channel_message")
		e.handleChannelMessage(p, f)

	case protocol.TypePeerMsg:
		e.metrics.FrameReceived("peer_message")
		e.handlePeerMessage(p, f)

	case protocol.TypePong:
		e.metrics.FrameReceived("pong")
		p.pings = 0

	default:
		e.metrics.FrameReceived("unknown")
		e.logger.Debug("ignoring frame", zap.Uint16("peer", uint16(p.id)), zap.Uint8("type", f.Type))
	}
}

func (e *Engine) handleRequest(p *Peer, payload []byte) {
	if len(payload) == 0 {
		return
	}

	switch payload[0] {
	case protocol.OpSetName:
		e.handleSetName(p, payload[1:])
	case protocol.OpJoinChannel:
		e.handleJoinChannel(p, payload[1:])
	case protocol.OpLeaveChannel:
		e.handleLeaveChannel(p, payload[1:])
	case protocol.OpChannelList:
		e.handleChannelList(p)
	default:
		// Connect after authentication and unknown opcodes are ignored
	}
}

func (e *Engine) handleSetName(p *Peer, body []byte) {
	name := string(body)

	if len(name) == 0 {
		e.denyName(p, name, "Can't set a blank name")
		return
	}
	if len(name) > protocol.MaxNameLength {
		e.denyName(p, name, "Name is too long")
		return
	}

	if name != p.name {
		for _, ch := range p.channels {
			if ch.memberNamed(name) != nil {
				e.denyName(p, name, "Name already taken in channel "+ch.name)
				return
			}
		}
		if err := e.policy.NameSet(p, name); err != nil {
			e.denyName(p, name, denyReason(err))
			return
		}

		e.logger.Info("peer set name",
			zap.Uint16("peer", uint16(p.id)),
			zap.String("old", p.name),
			zap.String("name", name))

		for _, ch := range p.channels {
			update := memberUpdate(ch, p, name)
			for _, m := range ch.members {
				if m != p {
					e.send(m, update)
				}
			}
		}
		p.name = name
	}

	e.send(p, protocol.NewBuilder(3+len(name)).
		Byte(protocol.OpSetName).
		Bool(true).
		ShortString(name).
		Frame(protocol.TypeResponse, 0))
}

func (e *Engine) denyName(p *Peer, name, reason string) {
	e.metrics.Denied("set_name")
	e.send(p, protocol.NewBuilder(3+len(name)+len(reason)).
		Byte(protocol.OpSetName).
		Bool(false).
		ShortString(name).
		String(reason).
		Frame(protocol.TypeResponse, 0))
}

func (e *Engine) handleChannelList(p *Peer) {
	if err := e.policy.ChannelListRequest(p); err != nil {
		e.metrics.Denied("channel_list")
		reason := denyReason(err)
		e.send(p, protocol.NewBuilder(2+len(reason)).
			Byte(protocol.OpChannelList).
			Bool(false).
			String(reason).
			Frame(protocol.TypeResponse, 0))
		return
	}

	e.logger.Debug("channel list requested", zap.Uint16("peer", uint16(p.id)))

	b := protocol.NewBuilder(64).Byte(protocol.OpChannelList).Bool(true)
	for _, ch := range e.channels.Values() {
		if ch.hidden {
			continue
		}
		b.Uint16(uint16(len(ch.members))).ShortString(ch.name)
	}
	e.send(p, b.Frame(protocol.TypeResponse, 0))
}

// handleServerMessage passes a message addressed to the server to the policy
func (e *Engine) handleServerMessage(p *Peer, payload []byte) {
	if len(payload) < 1 {
		return
	}
	e.policy.MessageSent(p, payload[0], payload[1:])
}

// handleChannelMessage relays [sub][ch:2][data] to every other member as
// [sub][ch:2][sender:2][data]
func (e *Engine) handleChannelMessage(p *Peer, f protocol.Frame) {
	if len(f.Payload) < 3 {
		return
	}
	r := protocol.NewReader(f.Payload)
	sub, _ := r.Byte()
	chID, _ := r.Uint16()

	ch, ok := e.channels.Get(chID)
	if !ok || !p.InChannel(ch) {
		return
	}

	out := relayedFrame(f.Type, f.Variant, sub, chID, p.id, r.Rest())
	for _, m := range ch.members {
		if m != p {
			e.send(m, out)
		}
	}
}

// handlePeerMessage relays [sub][ch:2][target:2][data] to the target as
// [sub][ch:2][sender:2][data]
func (e *Engine) handlePeerMessage(p *Peer, f protocol.Frame) {
	if len(f.Payload) < 5 {
		return
	}
	r := protocol.NewReader(f.Payload)
	sub, _ := r.Byte()
	chID, _ := r.Uint16()
	targetID, _ := r.Uint16()

	ch, ok := e.channels.Get(chID)
	if !ok || !p.InChannel(ch) {
		return
	}
	target, ok := e.peers.Get(targetID)
	if !ok || !target.InChannel(ch) {
		return
	}

	e.send(target, relayedFrame(f.Type, f.Variant, sub, chID, p.id, r.Rest()))
}

func relayedFrame(typ, variant, sub uint8, ch uint16, sender PeerID, data []byte) []byte {
	n := 5 + len(data)
	out := make([]byte, 0, protocol.HeaderLen(n)+n)
	out = protocol.AppendHeader(out, typ, variant, n)
	out = append(out, sub, byte(ch), byte(ch>>8), byte(sender), byte(sender>>8))
	return append(out, data...)
}

// SendServerMessage pushes a server message frame [sub][data] to a peer
func (e *Engine) SendServerMessage(id PeerID, subchannel uint8, data []byte) bool {
	p, ok := e.peers.Get(uint16(id))
	if !ok {
		return false
	}
	e.send(p, protocol.NewBuilder(1+len(data)).
		Byte(subchannel).
		Bytes(data).
		Frame(protocol.TypeServerMessage, 0))
	return true
}

// DropPeer disconnects a peer, leaves all its channels and frees its ID.
// The disconnect hook fires once per peer.
func (e *Engine) DropPeer(id PeerID, reason string) bool {
	p, ok := e.peers.Get(uint16(id))
	if !ok {
		return false
	}

	e.policy.Disconnect(p)

	for _, ch := range append([]*Channel(nil), p.channels...) {
		e.leaveChannel(p, ch, false)
	}

	delete(e.peerLink, p.link)
	e.peers.Deallocate(uint16(id))
	p.link.Close()

	e.logger.Info("peer disconnected",
		zap.Uint16("peer", uint16(id)),
		zap.String("name", p.name),
		zap.String("reason", reason))
	e.metrics.PeerDisconnected(reason)
	e.updateGauges()
	return true
}

// memberUpdate builds [ch:2][peer:2][master:1][name]
func memberUpdate(ch *Channel, p *Peer, name string) []byte {
	return protocol.NewBuilder(5+len(name)).
		Uint16(uint16(ch.id)).
		Uint16(uint16(p.id)).
		Bool(ch.isMaster(p)).
		String(name).
		Frame(protocol.TypePeerUpdate, 0)
}

package network

import (
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-relay/pkg/protocol"
)

// handleJoinChannel processes [flags][name]
func (e *Engine) handleJoinChannel(p *Peer, body []byte) {
	if len(body) < 2 {
		e.denyJoin(p, "", "Can't join a channel with a blank name")
		return
	}
	flags := body[0]
	name := string(body[1:])

	if len(name) > protocol.MaxNameLength {
		e.denyJoin(p, name, "Channel name is too long")
		return
	}
	if p.name == "" {
		e.denyJoin(p, name, "Set a name before joining a channel")
		return
	}

	ch, exists := e.channelName[name]
	if exists && p.InChannel(ch) {
		e.denyJoin(p, name, "You are in this channel already")
		return
	}
	if len(p.channels) >= e.opts.PeerChannelsLimit {
		e.denyJoin(p, name, "You joined too many channels")
		return
	}

	if !exists {
		e.createChannel(p, name, flags)
		return
	}
	e.joinChannel(p, ch)
}

func (e *Engine) createChannel(p *Peer, name string, flags uint8) {
	if e.channels.Len() >= e.opts.ChannelsLimit {
		e.denyJoin(p, name, "Channels limit reached")
		return
	}

	ch := &Channel{
		name:         name,
		hidden:       flags&protocol.FlagHidden != 0,
		closeOnLeave: flags&protocol.FlagCloseOnLeave != 0,
		createdAt:    e.clock.Now(),
	}
	slot, err := e.channels.AllocateFirstFree(e.opts.ChannelsLimit, ch)
	if err != nil {
		e.denyJoin(p, name, "Channels limit reached")
		return
	}
	ch.id = ChannelID(slot)
	e.channelName[name] = ch

	if err := e.policy.ChannelJoin(p, ch); err != nil {
		e.channels.Deallocate(slot)
		delete(e.channelName, name)
		e.denyJoin(p, name, denyReason(err))
		return
	}

	ch.addMember(p)
	ch.master = p
	p.addChannel(ch)

	e.logger.Info("channel created",
		zap.Uint16("channel", slot),
		zap.String("name", name),
		zap.Bool("hidden", ch.hidden),
		zap.Bool("close_on_leave", ch.closeOnLeave),
		zap.Uint16("master", uint16(p.id)))
	e.updateGauges()

	e.send(p, protocol.NewBuilder(6+len(name)).
		Byte(protocol.OpJoinChannel).
		Bool(true).
		Bool(true).
		ShortString(name).
		Uint16(slot).
		Frame(protocol.TypeResponse, 0))
}

func (e *Engine) joinChannel(p *Peer, ch *Channel) {
	if e.opts.ChannelPeersLimit > 0 && len(ch.members) >= e.opts.ChannelPeersLimit {
		e.denyJoin(p, ch.name, "Channel is full")
		return
	}
	if ch.memberNamed(p.name) != nil {
		e.denyJoin(p, ch.name, "Name already taken")
		return
	}
	if err := e.policy.ChannelJoin(p, ch); err != nil {
		e.denyJoin(p, ch.name, denyReason(err))
		return
	}

	e.logger.Info("peer joined channel",
		zap.Uint16("peer", uint16(p.id)),
		zap.Uint16("channel", uint16(ch.id)),
		zap.String("name", ch.name))

	joined := memberUpdate(ch, p, p.name)
	for _, m := range ch.members {
		e.send(m, joined)
	}

	b := protocol.NewBuilder(64).
		Byte(protocol.OpJoinChannel).
		Bool(true).
		Bool(false).
		ShortString(ch.name).
		Uint16(uint16(ch.id))
	for _, m := range ch.members {
		b.Uint16(uint16(m.id)).Bool(ch.isMaster(m)).ShortString(m.name)
	}

	ch.addMember(p)
	p.addChannel(ch)

	e.send(p, b.Frame(protocol.TypeResponse, 0))
}

func (e *Engine) denyJoin(p *Peer, name, reason string) {
	e.metrics.Denied("join_channel")
	e.send(p, protocol.NewBuilder(3+len(name)+len(reason)).
		Byte(protocol.OpJoinChannel).
		Bool(false).
		ShortString(name).
		String(reason).
		Frame(protocol.TypeResponse, 0))
}

// handleLeaveChannel processes [ch:2]
func (e *Engine) handleLeaveChannel(p *Peer, body []byte) {
	r := protocol.NewReader(body)
	chID, err := r.Uint16()
	if err != nil {
		return
	}
	ch, ok := e.channels.Get(chID)
	if !ok || !p.InChannel(ch) {
		return
	}

	if err := e.policy.ChannelLeave(p, ch); err != nil {
		e.metrics.Denied("leave_channel")
		reason := denyReason(err)
		e.send(p, protocol.NewBuilder(4+len(reason)).
			Byte(protocol.OpLeaveChannel).
			Bool(false).
			Uint16(chID).
			String(reason).
			Frame(protocol.TypeResponse, 0))
		return
	}

	e.logger.Info("peer left channel",
		zap.Uint16("peer", uint16(p.id)),
		zap.Uint16("channel", chID),
		zap.String("name", ch.name))

	e.leaveChannel(p, ch, true)
}

// leaveChannel removes p from ch, closing the channel or reassigning its
// master as needed. confirm sends the leave response to p.
func (e *Engine) leaveChannel(p *Peer, ch *Channel, confirm bool) {
	wasMaster := ch.isMaster(p)
	p.removeChannel(ch)
	ch.removeMember(p)

	if len(ch.members) == 0 || (ch.closeOnLeave && wasMaster) {
		e.closeChannel(ch)
		if confirm {
			e.send(p, leftChannel(ch.id))
		}
		return
	}

	if wasMaster {
		ch.master = nil
		if e.opts.GiveNewMaster {
			ch.master = ch.members[0]
			update := protocol.NewBuilder(5).
				Uint16(uint16(ch.id)).
				Uint16(uint16(ch.master.id)).
				Bool(true).
				Frame(protocol.TypePeerUpdate, 0)
			for _, m := range ch.members {
				e.send(m, update)
			}
		}
	}

	if confirm {
		e.send(p, leftChannel(ch.id))
	}

	left := protocol.NewBuilder(4).
		Uint16(uint16(ch.id)).
		Uint16(uint16(p.id)).
		Frame(protocol.TypePeerUpdate, 0)
	for _, m := range ch.members {
		e.send(m, left)
	}
}

// closeChannel removes every remaining member and frees the channel
func (e *Engine) closeChannel(ch *Channel) {
	e.policy.ChannelClosed(ch)

	e.logger.Info("channel closed",
		zap.Uint16("channel", uint16(ch.id)),
		zap.String("name", ch.name))

	removed := leftChannel(ch.id)
	for _, m := range ch.members {
		m.removeChannel(ch)
		e.send(m, removed)
	}
	ch.members = nil
	ch.master = nil

	delete(e.channelName, ch.name)
	e.channels.Deallocate(uint16(ch.id))
	e.updateGauges()
}

// leftChannel builds the leave confirmation / forced removal [3][1][ch:2]
func leftChannel(id ChannelID) []byte {
	return protocol.NewBuilder(4).
		Byte(protocol.OpLeaveChannel).
		Bool(true).
		Uint16(uint16(id)).
		Frame(protocol.TypeResponse, 0)
}

package network

import (
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-relay/pkg/protocol"
)

// Accept registers a new stream connection in the pending table
func (e *Engine) Accept(link Link) {
	if len(e.pending) >= e.opts.PendingLimit {
		if e.opts.PendingOverflow == OverflowReject {
			e.logger.Warn("pending table full, rejecting connection",
				zap.Stringer("addr", link.RemoteAddr()))
			e.metrics.HandshakeFailed("overflow")
			link.Close()
			return
		}
		oldest := e.pending[0]
		e.logger.Warn("pending table full, dropping oldest connection",
			zap.Stringer("addr", oldest.link.RemoteAddr()))
		e.metrics.HandshakeFailed("overflow")
		e.dropPending(oldest)
	}

	pc := &pendingConn{
		link:       link,
		acceptedAt: e.clock.Now(),
	}
	e.pending = append(e.pending, pc)
	e.pendingLink[link] = pc
	e.updateGauges()
}

// Receive feeds bytes read from a stream connection into the engine
func (e *Engine) Receive(link Link, data []byte) {
	if p, ok := e.peerLink[link]; ok {
		e.receiveFrames(p, data)
		return
	}
	if pc, ok := e.pendingLink[link]; ok {
		e.receiveHandshake(pc, data)
	}
}

// Disconnected reports that a stream connection was closed by the remote end
// or failed
func (e *Engine) Disconnected(link Link) {
	if p, ok := e.peerLink[link]; ok {
		e.DropPeer(p.id, "connection closed")
		return
	}
	if pc, ok := e.pendingLink[link]; ok {
		e.metrics.HandshakeFailed("closed")
		e.dropPending(pc)
	}
}

// ExpirePending closes pending connections older than the handshake timeout
func (e *Engine) ExpirePending() {
	now := e.clock.Now()
	for _, pc := range append([]*pendingConn(nil), e.pending...) {
		if now.Sub(pc.acceptedAt) >= e.opts.HandshakeTimeout {
			e.logger.Debug("handshake timed out", zap.Stringer("addr", pc.link.RemoteAddr()))
			e.metrics.HandshakeFailed("timeout")
			e.dropPending(pc)
		}
	}
}

func (e *Engine) receiveHandshake(pc *pendingConn, data []byte) {
	for i, b := range data {
		if b != protocol.PreambleByte(pc.received) {
			e.logger.Debug("unexpected handshake byte",
				zap.Stringer("addr", pc.link.RemoteAddr()),
				zap.Int("offset", pc.received))
			e.metrics.HandshakeFailed("protocol")
			e.dropPending(pc)
			return
		}
		pc.received++
		if pc.received == protocol.PreambleSize {
			e.authenticate(pc, data[i+1:])
			return
		}
	}
}

// authenticate promotes a pending connection that sent a valid preamble
func (e *Engine) authenticate(pc *pendingConn, rest []byte) {
	e.removePending(pc)
	link := pc.link

	slot, ok := e.peers.FirstFree(e.opts.PeersLimit)
	if !ok {
		e.denyConnection(link, "Server is full")
		return
	}
	id := PeerID(slot)

	if err := e.policy.Connect(id, link.RemoteAddr()); err != nil {
		e.denyConnection(link, denyReason(err))
		return
	}

	p := &Peer{
		id:          id,
		link:        link,
		decoder:     protocol.NewDecoder(e.opts.MaxFrameSize),
		connectedAt: e.clock.Now(),
	}
	if err := e.peers.Allocate(slot, p); err != nil {
		e.denyConnection(link, "Server is full")
		return
	}
	e.peerLink[link] = p

	e.logger.Info("peer connected",
		zap.Uint16("peer", slot),
		zap.Stringer("addr", link.RemoteAddr()))
	e.metrics.PeerConnected()
	e.updateGauges()

	welcome := protocol.NewBuilder(4 + len(e.opts.WelcomeMessage)).
		Byte(protocol.OpConnect).
		Bool(true).
		Uint16(slot).
		String(e.opts.WelcomeMessage).
		Frame(protocol.TypeResponse, 0)
	e.send(p, welcome)

	if len(rest) > 0 {
		e.receiveFrames(p, rest)
	}
}

func (e *Engine) denyConnection(link Link, reason string) {
	e.logger.Info("connection denied",
		zap.Stringer("addr", link.RemoteAddr()),
		zap.String("reason", reason))
	e.metrics.HandshakeFailed("denied")

	frame := protocol.NewBuilder(2 + len(reason)).
		Byte(protocol.OpConnect).
		Bool(false).
		String(reason).
		Frame(protocol.TypeResponse, 0)
	link.Send(frame)
	link.Close()
	e.updateGauges()
}

func (e *Engine) dropPending(pc *pendingConn) {
	e.removePending(pc)
	pc.link.Close()
	e.updateGauges()
}

func (e *Engine) removePending(pc *pendingConn) {
	delete(e.pendingLink, pc.link)
	for i, p := range e.pending {
		if p == pc {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

package network

import (
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-relay/pkg/protocol"
)

// maxOutstandingPings is the number of unanswered keepalive ticks tolerated
// before a peer is dropped
const maxOutstandingPings = 3

var (
	pingFrame    = protocol.Encode(protocol.TypePing, 0, nil)
	pingDatagram = protocol.PingDatagram()
)

// Tick runs one keepalive round. A peer is pinged from its second tick on
// and dropped once more than maxOutstandingPings ticks pass without a pong.
func (e *Engine) Tick() {
	e.peers.Each(func(_ uint16, p *Peer) bool {
		if p.pings > maxOutstandingPings {
			e.logger.Debug("ping timeout", zap.Uint16("peer", uint16(p.id)))
			e.DropPeer(p.id, "ping timeout")
			return true
		}
		if p.pings > 0 {
			e.send(p, pingFrame)
			e.sendDatagram(p, pingDatagram)
		}
		p.pings++
		return true
	})
}

package network

import (
	"errors"
	"net/netip"
)

// DenyError carries the reason sent to the client when a hook refuses a request
type DenyError struct {
	Reason string
}

func (e *DenyError) Error() string {
	return e.Reason
}

// Deny returns an error that rejects a request with the given reason
func Deny(reason string) error {
	return &DenyError{Reason: reason}
}

// denyReason extracts the client-facing reason from a hook error
func denyReason(err error) string {
	var de *DenyError
	if errors.As(err, &de) {
		return de.Reason
	}
	return err.Error()
}

// Policy receives relay events. Methods returning an error can veto the
// request; the error text is sent to the client as the deny reason.
// All methods run on the reactor goroutine and must not block.
type Policy interface {
	Connect(id PeerID, addr netip.Addr) error
	NameSet(peer *Peer, name string) error
	ChannelJoin(peer *Peer, ch *Channel) error
	ChannelLeave(peer *Peer, ch *Channel) error
	ChannelClosed(ch *Channel)
	ChannelListRequest(peer *Peer) error
	Disconnect(peer *Peer)
	MessageSent(peer *Peer, subchannel uint8, data []byte)
	MessageBlasted(peer *Peer, subchannel uint8, data []byte)
	ServerStarted(addr string)
	ServerError(err error)
}

// NopPolicy accepts everything
type NopPolicy struct{}

var _ Policy = NopPolicy{}

func (NopPolicy) Connect(PeerID, netip.Addr) error { return nil }
func (NopPolicy) NameSet(*Peer, string) error { return nil }
func (NopPolicy) ChannelJoin(*Peer, *Channel) error { return nil }
func (NopPolicy) ChannelLeave(*Peer, *Channel) error { return nil }
func (NopPolicy) ChannelClosed(*Channel) {}
func (NopPolicy) ChannelListRequest(*Peer) error { return nil }
func (NopPolicy) Disconnect(*Peer) {}
func (NopPolicy) MessageSent(*Peer, uint8, []byte) {}
func (NopPolicy) MessageBlasted(*Peer, uint8, []byte) {}
func (NopPolicy) ServerStarted(string) {}
func (NopPolicy) ServerError(error) {}

// Policies chains several policies. The first denial wins; notifications
// reach every policy in order.
type Policies []Policy

var _ Policy = Policies(nil)

func (ps Policies) Connect(id PeerID, addr netip.Addr) error {
	for _, p := range ps {
		if err := p.Connect(id, addr); err != nil {
			return err
		}
	}
	return nil
}

func (ps Policies) NameSet(peer *Peer, name string) error {
	for _, p := range ps {
		if err := p.NameSet(peer, name); err != nil {
			return err
		}
	}
	return nil
}

func (ps Policies) ChannelJoin(peer *Peer, ch *Channel) error {
	for _, p := range ps {
		if err := p.ChannelJoin(peer, ch); err != nil {
			return err
		}
	}
	return nil
}

func (ps Policies) ChannelLeave(peer *Peer, ch *Channel) error {
	for _, p := range ps {
		if err := p.ChannelLeave(peer, ch); err != nil {
			return err
		}
	}
	return nil
}

func (ps Policies) ChannelClosed(ch *Channel) {
	for _, p := range ps {
		p.ChannelClosed(ch)
	}
}

func (ps Policies) ChannelListRequest(peer *Peer) error {
	for _, p := range ps {
		if err := p.ChannelListRequest(peer); err != nil {
			return err
		}
	}
	return nil
}

func (ps Policies) Disconnect(peer *Peer) {
	for _, p := range ps {
		p.Disconnect(peer)
	}
}

func (ps Policies) MessageSent(peer *Peer, subchannel uint8, data []byte) {
	for _, p := range ps {
		p.MessageSent(peer, subchannel, data)
	}
}

func (ps Policies) MessageBlasted(peer *Peer, subchannel uint8, data []byte) {
	for _, p := range ps {
		p.MessageBlasted(peer, subchannel, data)
	}
}

func (ps Policies) ServerStarted(addr string) {
	for _, p := range ps {
		p.ServerStarted(addr)
	}
}

func (ps Policies) ServerError(err error) {
	for _, p := range ps {
		p.ServerError(err)
	}
}

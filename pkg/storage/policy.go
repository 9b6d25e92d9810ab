package storage

import (
	"net/netip"

	"github.com/ZentaChain/zentalk-relay/pkg/network"
)

// BanPolicy refuses connections from banned addresses
type BanPolicy struct {
	network.NopPolicy
	List *BanList
}

var _ network.Policy = (*BanPolicy)(nil)

// NewBanPolicy creates a connect hook backed by list
func NewBanPolicy(list *BanList) *BanPolicy {
	return &BanPolicy{List: list}
}

func (p *BanPolicy) Connect(_ network.PeerID, addr netip.Addr) error {
	if p.List != nil && p.List.Banned(addr) {
		return network.Deny(BannedReason)
	}
	return nil
}

package network

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-relay/pkg/protocol"
)

func (te *testEngine) hello(t *testing.T, id PeerID, from string) {
	t.Helper()
	te.Datagram(netip.MustParseAddrPort(from), protocol.HelloDatagram(uint16(id)))
	sent := te.udp.take()
	require.Len(t, sent, 1)
	assert.Equal(t, netip.MustParseAddrPort(from), sent[0].to)
	assert.Equal(t, protocol.WelcomeDatagram(), sent[0].payload)
}

func TestDatagramHello(t *testing.T) {
	te := newTestEngine(t, nil)
	_, id := te.connect(t, "10.0.0.1")

	te.hello(t, id, "10.0.0.1:4000")

	p, _ := te.Peer(id)
	addr, ok := p.DatagramAddr()
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:4000"), addr)

	// Repeating from the same port is answered again
	te.hello(t, id, "10.0.0.1:4000")

	// A different port, a different IP or an unknown peer is ignored
	te.Datagram(netip.MustParseAddrPort("10.0.0.1:4001"), protocol.HelloDatagram(uint16(id)))
	te.Datagram(netip.MustParseAddrPort("10.0.0.2:4000"), protocol.HelloDatagram(uint16(id)))
	te.Datagram(netip.MustParseAddrPort("10.0.0.1:4000"), protocol.HelloDatagram(99))
	assert.Empty(t, te.udp.sent)

	addr, _ = p.DatagramAddr()
	assert.Equal(t, uint16(4000), addr.Port())
}

func TestDatagramHelloMappedAddress(t *testing.T) {
	te := newTestEngine(t, nil)
	_, id := te.connect(t, "10.0.0.1")

	te.Datagram(netip.MustParseAddrPort("[::ffff:10.0.0.1]:4000"), protocol.HelloDatagram(uint16(id)))
	sent := te.udp.take()
	require.Len(t, sent, 1)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:4000"), sent[0].to)
}

func TestChannelBlast(t *testing.T) {
	te := newTestEngine(t, nil)
	alice, aliceID := te.named(t, "10.0.0.1", "alice")
	bob, bobID := te.named(t, "10.0.0.2", "bob")
	carol, _ := te.named(t, "10.0.0.3", "carol")

	ch := te.join(t, alice, "lobby", 0)
	te.join(t, bob, "lobby", 0)
	te.join(t, carol, "lobby", 0)

	te.hello(t, aliceID, "10.0.0.1:5000")
	te.hello(t, bobID, "10.0.0.2:5000")

	blast := append([]byte{0x21}, le16(uint16(aliceID))...)
	blast = append(blast, 7)
	blast = append(blast, le16(uint16(ch))...)
	blast = append(blast, "pos"...)

	te.Datagram(netip.MustParseAddrPort("10.0.0.1:5000"), blast)

	sent := te.udp.take()
	require.Len(t, sent, 1, "carol has no endpoint and alice is the sender")
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.2:5000"), sent[0].to)
	assert.Equal(t, protocol.BlastDatagram(2, 1, 7, uint16(ch), uint16(aliceID), []byte("pos")), sent[0].payload)

	// Spoofed source endpoint
	te.Datagram(netip.MustParseAddrPort("10.0.0.1:5001"), blast)
	te.Datagram(netip.MustParseAddrPort("10.0.0.9:5000"), blast)
	assert.Empty(t, te.udp.sent)

	// Sender without a learned endpoint
	blast[1], blast[2] = 2, 0
	te.Datagram(netip.MustParseAddrPort("10.0.0.3:5000"), blast)
	assert.Empty(t, te.udp.sent)
}

func TestPeerBlast(t *testing.T) {
	te := newTestEngine(t, nil)
	alice, aliceID := te.named(t, "10.0.0.1", "alice")
	bob, bobID := te.named(t, "10.0.0.2", "bob")
	carol, carolID := te.named(t, "10.0.0.3", "carol")

	ch := te.join(t, alice, "lobby", 0)
	te.join(t, bob, "lobby", 0)
	te.join(t, carol, "other", 0)

	te.hello(t, aliceID, "10.0.0.1:5000")
	te.hello(t, bobID, "10.0.0.2:5000")
	te.hello(t, carolID, "10.0.0.3:5000")

	build := func(target PeerID) []byte {
		b := append([]byte{0x30}, le16(uint16(aliceID))...)
		b = append(b, 3)
		b = append(b, le16(uint16(ch))...)
		b = append(b, le16(uint16(target))...)
		return append(b, "hey"...)
	}

	te.Datagram(netip.MustParseAddrPort("10.0.0.1:5000"), build(bobID))
	sent := te.udp.take()
	require.Len(t, sent, 1)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.2:5000"), sent[0].to)
	assert.Equal(t, protocol.BlastDatagram(3, 0, 3, uint16(ch), uint16(aliceID), []byte("hey")), sent[0].payload)

	te.Datagram(netip.MustParseAddrPort("10.0.0.1:5000"), build(carolID))
	te.Datagram(netip.MustParseAddrPort("10.0.0.1:5000"), build(300))
	assert.Empty(t, te.udp.sent)
}

func TestServerBlast(t *testing.T) {
	te := newTestEngine(t, nil)
	_, id := te.named(t, "10.0.0.1", "alice")
	te.hello(t, id, "10.0.0.1:5000")

	b := append([]byte{0x10}, le16(uint16(id))...)
	b = append(b, 4, 'x')
	te.Datagram(netip.MustParseAddrPort("10.0.0.1:5000"), b)
	require.Len(t, te.policy.blasts, 1)
	assert.Equal(t, []byte{4, 'x'}, te.policy.blasts[0])

	te.Datagram(netip.MustParseAddrPort("10.0.0.1:5001"), b)
	assert.Len(t, te.policy.blasts, 1)
}

func TestBlastTruncatedToDatagramSize(t *testing.T) {
	te := newTestEngine(t, nil)
	alice, aliceID := te.named(t, "10.0.0.1", "alice")
	bob, bobID := te.named(t, "10.0.0.2", "bob")
	ch := te.join(t, alice, "lobby", 0)
	te.join(t, bob, "lobby", 0)
	te.hello(t, aliceID, "10.0.0.1:5000")
	te.hello(t, bobID, "10.0.0.2:5000")

	blast := append([]byte{0x20}, le16(uint16(aliceID))...)
	blast = append(blast, 0)
	blast = append(blast, le16(uint16(ch))...)
	blast = append(blast, make([]byte, protocol.MaxDatagramSize)...)

	te.Datagram(netip.MustParseAddrPort("10.0.0.1:5000"), blast)
	sent := te.udp.take()
	require.Len(t, sent, 1)
	assert.Len(t, sent[0].payload, protocol.MaxDatagramSize)
}

func TestMalformedDatagramsIgnored(t *testing.T) {
	te := newTestEngine(t, nil)
	te.connect(t, "10.0.0.1")

	for _, b := range [][]byte{nil, {0x70}, {0x20, 0, 0, 0}, {0xB0}, {0xA0}} {
		te.Datagram(netip.MustParseAddrPort("10.0.0.1:5000"), b)
	}
	assert.Empty(t, te.udp.sent)
	te.requireConsistent(t)
}

package network

import (
	"net/netip"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZentaChain/zentalk-relay/pkg/protocol"
)

type fakeLink struct {
	addr   netip.Addr
	frames []protocol.Frame
	closed int
	full   bool
}

func newFakeLink(addr string) *fakeLink {
	return &fakeLink{addr: netip.MustParseAddr(addr)}
}

func (l *fakeLink) Send(frame []byte) bool {
	if l.closed > 0 || l.full {
		return false
	}
	f, n, err := protocol.TryDecode(frame, 0)
	if err != nil || n != len(frame) {
		panic("engine sent a malformed frame")
	}
	f.Payload = append([]byte(nil), f.Payload...)
	l.frames = append(l.frames, f)
	return true
}

func (l *fakeLink) Close() error {
	l.closed++
	return nil
}

func (l *fakeLink) RemoteAddr() netip.Addr { return l.addr }

// take returns and forgets every frame sent so far
func (l *fakeLink) take() []protocol.Frame {
	out := l.frames
	l.frames = nil
	return out
}

type sentDatagram struct {
	to      netip.AddrPort
	payload []byte
}

type recordingDatagrams struct {
	sent []sentDatagram
}

func (r *recordingDatagrams) SendDatagram(to netip.AddrPort, payload []byte) {
	r.sent = append(r.sent, sentDatagram{to: to, payload: append([]byte(nil), payload...)})
}

func (r *recordingDatagrams) take() []sentDatagram {
	out := r.sent
	r.sent = nil
	return out
}

// recordingPolicy allows everything unless told otherwise and records calls
type recordingPolicy struct {
	NopPolicy
	denyConnect  error
	denyName     error
	denyJoin     error
	denyLeave    error
	denyList     error
	disconnected []PeerID
	closed       []string
	messages     [][]byte
	blasts       [][]byte
	joinHook     func(*Peer, *Channel)
}

func (p *recordingPolicy) Connect(PeerID, netip.Addr) error { return p.denyConnect }
func (p *recordingPolicy) NameSet(*Peer, string) error { return p.denyName }
func (p *recordingPolicy) ChannelLeave(*Peer, *Channel) error { return p.denyLeave }
func (p *recordingPolicy) ChannelListRequest(*Peer) error { return p.denyList }

func (p *recordingPolicy) ChannelJoin(peer *Peer, ch *Channel) error {
	if p.joinHook != nil {
		p.joinHook(peer, ch)
	}
	return p.denyJoin
}

func (p *recordingPolicy) ChannelClosed(ch *Channel) {
	p.closed = append(p.closed, ch.Name())
}

func (p *recordingPolicy) Disconnect(peer *Peer) {
	p.disconnected = append(p.disconnected, peer.ID())
}

func (p *recordingPolicy) MessageSent(_ *Peer, sub uint8, data []byte) {
	p.messages = append(p.messages, append([]byte{sub}, data...))
}

func (p *recordingPolicy) MessageBlasted(_ *Peer, sub uint8, data []byte) {
	p.blasts = append(p.blasts, append([]byte{sub}, data...))
}

type testEngine struct {
	*Engine
	policy *recordingPolicy
	udp    *recordingDatagrams
	clock  *clock.Mock
}

func newTestEngine(t *testing.T, modify func(*Options)) *testEngine {
	t.Helper()

	opts := DefaultOptions()
	opts.WelcomeMessage = "hello"
	if modify != nil {
		modify(&opts)
	}
	require.NoError(t, opts.Validate())

	te := &testEngine{
		policy: &recordingPolicy{},
		udp:    &recordingDatagrams{},
		clock:  clock.NewMock(),
	}
	te.Engine = NewEngine(EngineConfig{
		Options:   opts,
		Policy:    te.policy,
		Datagrams: te.udp,
		Logger:    zaptest.NewLogger(t),
		Clock:     te.clock,
	})
	return te
}

// connect completes a handshake and returns the link and assigned ID
func (te *testEngine) connect(t *testing.T, addr string) (*fakeLink, PeerID) {
	t.Helper()

	link := newFakeLink(addr)
	te.Accept(link)
	te.Receive(link, protocol.Preamble())

	frames := link.take()
	require.Len(t, frames, 1)
	f := frames[0]
	require.Equal(t, protocol.TypeResponse, f.Type)
	require.GreaterOrEqual(t, len(f.Payload), 4)
	require.Equal(t, protocol.OpConnect, f.Payload[0])
	require.Equal(t, byte(1), f.Payload[1], "connection denied: %s", f.Payload[2:])

	id := PeerID(uint16(f.Payload[2]) | uint16(f.Payload[3])<<8)
	return link, id
}

// named connects and sets a name
func (te *testEngine) named(t *testing.T, addr, name string) (*fakeLink, PeerID) {
	t.Helper()
	link, id := te.connect(t, addr)
	te.request(link, protocol.OpSetName, []byte(name))
	frames := link.take()
	require.Len(t, frames, 1)
	require.Equal(t, []byte{protocol.OpSetName, 1}, frames[0].Payload[:2])
	return link, id
}

// join joins or creates a channel and returns its ID
func (te *testEngine) join(t *testing.T, link *fakeLink, name string, flags uint8) ChannelID {
	t.Helper()
	te.request(link, protocol.OpJoinChannel, append([]byte{flags}, name...))
	frames := link.take()
	require.NotEmpty(t, frames)
	resp := frames[len(frames)-1]
	require.Equal(t, []byte{protocol.OpJoinChannel, 1}, resp.Payload[:2], "join denied: %q", resp.Payload)

	r := protocol.NewReader(resp.Payload[3:])
	got, err := r.ShortString()
	require.NoError(t, err)
	require.Equal(t, name, got)
	id, err := r.Uint16()
	require.NoError(t, err)
	return ChannelID(id)
}

func (te *testEngine) request(link *fakeLink, op uint8, body []byte) {
	te.Receive(link, protocol.Encode(protocol.TypeRequest, 0, append([]byte{op}, body...)))
}

func (te *testEngine) leave(link *fakeLink, ch ChannelID) {
	te.request(link, protocol.OpLeaveChannel, []byte{byte(ch), byte(ch >> 8)})
}

func (te *testEngine) requireConsistent(t *testing.T) {
	t.Helper()
	require.NoError(t, te.CheckInvariants())
}

func le16(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

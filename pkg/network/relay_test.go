package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZentaChain/zentalk-relay/pkg/protocol"
)

type testClient struct {
	conn net.Conn
	dec  *protocol.Decoder
	id   PeerID
}

func dialRelay(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, dec: protocol.NewDecoder(0)}
}

func (c *testClient) write(t *testing.T, b []byte) {
	t.Helper()
	_, err := c.conn.Write(b)
	require.NoError(t, err)
}

func (c *testClient) request(t *testing.T, op uint8, body []byte) {
	t.Helper()
	c.write(t, protocol.Encode(protocol.TypeRequest, 0, append([]byte{op}, body...)))
}

func (c *testClient) read(t *testing.T) protocol.Frame {
	t.Helper()
	buf := make([]byte, 4096)
	for {
		f, err := c.dec.Next()
		if err == nil {
			f.Payload = append([]byte(nil), f.Payload...)
			return f
		}
		require.ErrorIs(t, err, protocol.ErrNeedMoreData)

		c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, err := c.conn.Read(buf)
		require.NoError(t, err)
		c.dec.Write(buf[:n])
	}
}

func (c *testClient) handshake(t *testing.T) {
	t.Helper()
	c.write(t, protocol.Preamble())
	f := c.read(t)
	require.Equal(t, []byte{0, 1}, f.Payload[:2])
	c.id = PeerID(uint16(f.Payload[2]) | uint16(f.Payload[3])<<8)
}

func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	for {
		_, err := c.conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Fatal("connection was not closed")
			}
			return
		}
	}
}

func startServer(t *testing.T, clk clock.Clock, modify func(*Options)) (*Server, *recordingPolicy) {
	t.Helper()

	opts := DefaultOptions()
	opts.PingInterval = 0
	if modify != nil {
		modify(&opts)
	}

	policy := &recordingPolicy{}
	srv := NewServer(ServerConfig{
		Addr:    "127.0.0.1:0",
		Options: opts,
		Policy:  policy,
		Logger:  zaptest.NewLogger(t),
		Clock:   clk,
	})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, policy
}

func queryCount(t *testing.T, srv *Server, fn func(*Engine) int) int {
	t.Helper()
	var n int
	require.NoError(t, srv.Query(context.Background(), func(e *Engine) { n = fn(e) }))
	return n
}

func TestServerRelaysOverLoopback(t *testing.T) {
	srv, _ := startServer(t, nil, nil)

	alice := dialRelay(t, srv)
	alice.handshake(t)
	alice.request(t, protocol.OpSetName, []byte("alice"))
	require.Equal(t, []byte{1, 1}, alice.read(t).Payload[:2])
	alice.request(t, protocol.OpJoinChannel, append([]byte{0}, "lobby"...))
	join := alice.read(t)
	require.Equal(t, []byte{2, 1, 1}, join.Payload[:3])
	ch := uint16(join.Payload[9]) | uint16(join.Payload[10])<<8

	bob := dialRelay(t, srv)
	bob.handshake(t)
	assert.Equal(t, PeerID(1), bob.id)
	bob.request(t, protocol.OpSetName, []byte("bob"))
	bob.read(t)
	bob.request(t, protocol.OpJoinChannel, append([]byte{0}, "lobby"...))
	require.Equal(t, []byte{2, 1, 0}, bob.read(t).Payload[:3])

	update := alice.read(t)
	assert.Equal(t, protocol.TypePeerUpdate, update.Type)

	msg := append(append([]byte{5}, le16(ch)...), "over tcp"...)
	alice.write(t, protocol.Encode(protocol.TypeChannelMsg, 0, msg))
	got := bob.read(t)
	assert.Equal(t, protocol.TypeChannelMsg, got.Type)
	assert.Equal(t, append(append(append([]byte{5}, le16(ch)...), le16(uint16(alice.id))...), "over tcp"...), got.Payload)

	assert.Equal(t, 2, queryCount(t, srv, func(e *Engine) int { return e.PeerCount() }))

	// Datagrams
	udpAddr := srv.DatagramAddr().(*net.UDPAddr)
	aliceUDP, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer aliceUDP.Close()
	bobUDP, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer bobUDP.Close()

	buf := make([]byte, 2048)
	for _, c := range []struct {
		conn *net.UDPConn
		id   PeerID
	}{{aliceUDP, alice.id}, {bobUDP, bob.id}} {
		_, err := c.conn.WriteToUDP(protocol.HelloDatagram(uint16(c.id)), udpAddr)
		require.NoError(t, err)
		c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, _, err := c.conn.ReadFromUDP(buf)
		require.NoError(t, err)
		assert.Equal(t, protocol.WelcomeDatagram(), buf[:n])
	}

	blast := append([]byte{0x20}, le16(uint16(alice.id))...)
	blast = append(blast, 1)
	blast = append(blast, le16(ch)...)
	blast = append(blast, "over udp"...)
	_, err = aliceUDP.WriteToUDP(blast, udpAddr)
	require.NoError(t, err)

	bobUDP.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, _, err := bobUDP.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, protocol.BlastDatagram(2, 0, 1, ch, uint16(alice.id), []byte("over udp")), buf[:n])

	// Alice hangs up; bob becomes master and sees her leave
	alice.conn.Close()
	masterChange := bob.read(t)
	assert.Equal(t, append(append(le16(ch), le16(uint16(bob.id))...), 1), masterChange.Payload)
	left := bob.read(t)
	assert.Equal(t, append(le16(ch), le16(uint16(alice.id))...), left.Payload)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case <-srv.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}
	bob.expectClosed(t)

	err = srv.Query(context.Background(), func(*Engine) {})
	assert.ErrorIs(t, err, ErrServerClosed)
}

func TestServerRejectsBadPreamble(t *testing.T) {
	srv, _ := startServer(t, nil, nil)

	c := dialRelay(t, srv)
	c.write(t, []byte("GET / HTTP/1.1\r\n\r\n"))
	c.expectClosed(t)

	assert.Equal(t, 0, queryCount(t, srv, func(e *Engine) int { return e.PendingCount() }))
}

func TestServerDenialIsFlushedBeforeClose(t *testing.T) {
	srv, policy := startServer(t, nil, nil)
	require.NoError(t, srv.Query(context.Background(), func(*Engine) {
		policy.denyConnect = Deny("go away")
	}))

	c := dialRelay(t, srv)
	c.write(t, protocol.Preamble())
	f := c.read(t)
	assert.Equal(t, append([]byte{0, 0}, "go away"...), f.Payload)
	c.expectClosed(t)
}

func TestServerKeepaliveWithMockClock(t *testing.T) {
	clk := clock.NewMock()
	srv, policy := startServer(t, clk, func(o *Options) { o.PingInterval = time.Second })

	c := dialRelay(t, srv)
	c.handshake(t)

	pings := func() int {
		return queryCount(t, srv, func(e *Engine) int {
			p, ok := e.Peer(c.id)
			if !ok {
				return -1
			}
			return p.OutstandingPings()
		})
	}

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return pings() >= 1
	}, 5*time.Second, 10*time.Millisecond)

	// The next tick sends a ping; answering it resets the counter
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return pings() >= 2
	}, 5*time.Second, 10*time.Millisecond)
	f := c.read(t)
	assert.Equal(t, protocol.TypePing, f.Type)

	// A tick already queued before the pong may arm the counter again
	c.write(t, protocol.Encode(protocol.TypePong, 0, nil))
	require.Eventually(t, func() bool { return pings() < 2 }, 5*time.Second, 10*time.Millisecond)

	// Silence gets the peer dropped
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return pings() == -1
	}, 5*time.Second, 10*time.Millisecond)
	var disconnected []PeerID
	require.NoError(t, srv.Query(context.Background(), func(*Engine) {
		disconnected = append(disconnected, policy.disconnected...)
	}))
	assert.Equal(t, []PeerID{c.id}, disconnected)
	c.expectClosed(t)
}

func TestServerHandshakeTimeout(t *testing.T) {
	clk := clock.NewMock()
	srv, _ := startServer(t, clk, func(o *Options) { o.HandshakeTimeout = 2 * time.Second })

	c := dialRelay(t, srv)
	c.write(t, protocol.Preamble()[:3])

	require.Eventually(t, func() bool {
		return queryCount(t, srv, func(e *Engine) int { return e.PendingCount() }) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		clk.Add(500 * time.Millisecond)
		return queryCount(t, srv, func(e *Engine) int { return e.PendingCount() }) == 0
	}, 5*time.Second, 10*time.Millisecond)

	c.expectClosed(t)
}

func TestServerStartFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	var reported error
	policy := &errorPolicy{report: func(err error) { reported = err }}
	srv := NewServer(ServerConfig{
		Addr:    busy.Addr().String(),
		Options: DefaultOptions(),
		Policy:  policy,
		Logger:  zaptest.NewLogger(t),
	})

	err = srv.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, err, reported)
	assert.ErrorIs(t, srv.Start(context.Background()), ErrServerStarted)
	assert.NoError(t, srv.Shutdown(context.Background()))
}

func TestServerStopsWithContext(t *testing.T) {
	opts := DefaultOptions()
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", Options: opts, Logger: zaptest.NewLogger(t)})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))
	cancel()

	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerShutdownRacesStart(t *testing.T) {
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", Options: DefaultOptions(), Logger: zaptest.NewLogger(t)})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	started := make(chan error, 1)
	go func() { started <- srv.Start(context.Background()) }()
	assert.NoError(t, srv.Shutdown(ctx))

	if err := <-started; err != nil {
		t.Fatalf("start failed: %v", err)
	}
	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after shutdown")
	}
}

type errorPolicy struct {
	NopPolicy
	report func(error)
}

func (p *errorPolicy) ServerError(err error) { p.report(err) }

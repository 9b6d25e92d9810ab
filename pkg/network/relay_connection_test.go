package network

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWriter(t *testing.T, queue int) (*connection, net.Conn, <-chan struct{}) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })

	s := &Server{}
	c := newConnection(server, queue)
	s.wg.Add(1)
	go s.writeLoop(c)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	return c, client, done
}

func TestCloseUnblocksStalledWriter(t *testing.T) {
	c, client, done := startWriter(t, 4)

	// the client never reads, so this frame blocks the writer
	require.True(t, c.Send(pingFrame))
	require.NoError(t, c.Close())
	assert.False(t, c.Send(pingFrame))

	select {
	case <-done:
	case <-time.After(drainTimeout + 3*time.Second):
		t.Fatal("writer still blocked after Close")
	}

	_, err := client.Write([]byte{0})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestCloseFlushesQueuedFrames(t *testing.T) {
	c, client, done := startWriter(t, 4)

	require.True(t, c.Send([]byte{1, 2}))
	require.True(t, c.Send([]byte{3}))
	require.NoError(t, c.Close())

	got, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
	<-done
}

func TestSendDropsWhenQueueFull(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := newConnection(server, 1)
	assert.True(t, c.Send([]byte{1}))
	assert.False(t, c.Send([]byte{2}))
}

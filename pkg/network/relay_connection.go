package network

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	readBufferSize = 64 * 1024
	drainTimeout   = time.Second
)

// connection is a stream Link backed by a net.Conn. Frames are written by a
// dedicated goroutine from a bounded queue.
type connection struct {
	conn net.Conn
	addr netip.Addr
	out  chan []byte

	closeOnce sync.Once
	closing   chan struct{} // Close requested, flush then close
	abortOnce sync.Once
	aborted   chan struct{} // Close immediately
}

func newConnection(conn net.Conn, queue int) *connection {
	var addr netip.Addr
	if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		addr = ap.Addr().Unmap()
	}
	return &connection{
		conn:    conn,
		addr:    addr,
		out:     make(chan []byte, queue),
		closing: make(chan struct{}),
		aborted: make(chan struct{}),
	}
}

// Send queues a frame without blocking
func (c *connection) Send(frame []byte) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// Close flushes queued frames and then closes the connection. The write
// deadline also bounds a write already blocked on a peer that stopped reading.
func (c *connection) Close() error {
	c.closeOnce.Do(func() {
		c.conn.SetWriteDeadline(time.Now().Add(drainTimeout))
		close(c.closing)
	})
	return nil
}

// abort closes the connection without flushing
func (c *connection) abort() {
	c.abortOnce.Do(func() {
		close(c.aborted)
		c.conn.Close()
	})
}

func (c *connection) RemoteAddr() netip.Addr {
	return c.addr
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("accept failed", zap.Error(err))
				s.policy.ServerError(err)
			}
			return
		}

		c := newConnection(conn, s.opts.SendQueue)
		if !s.track(c) {
			conn.Close()
			return
		}
		s.wg.Add(2)
		go s.writeLoop(c)
		go s.readLoop(c)
	}
}

// readLoop forwards received bytes to the reactor
func (s *Server) readLoop(c *connection) {
	defer s.wg.Done()
	defer s.untrack(c)

	if !s.post(acceptEvent{conn: c}) {
		c.abort()
		return
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !s.post(readEvent{conn: c, data: data}) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read failed", zap.Stringer("addr", c.addr), zap.Error(err))
			}
			s.post(closeEvent{conn: c})
			return
		}
	}
}

// writeLoop drains the send queue
func (s *Server) writeLoop(c *connection) {
	defer s.wg.Done()
	defer c.abort()

	for {
		select {
		case frame := <-c.out:
			if _, err := c.conn.Write(frame); err != nil {
				return
			}
		case <-c.closing:
			c.flush()
			return
		case <-c.aborted:
			return
		}
	}
}

// flush writes whatever is still queued, bounded by the deadline Close set
func (c *connection) flush() {
	for {
		select {
		case frame := <-c.out:
			if _, err := c.conn.Write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// datagramLoop forwards received datagrams to the reactor
func (s *Server) datagramLoop() {
	defer s.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, from, err := s.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("datagram read failed", zap.Error(err))
			continue
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if !s.post(datagramEvent{from: from, data: data}) {
			return
		}
	}
}

package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-relay/pkg/metrics"
)

var (
	ErrServerClosed  = errors.New("relay server closed")
	ErrServerStarted = errors.New("relay server already started")
)

const eventQueueSize = 1024

// ServerConfig configures a relay server
type ServerConfig struct {
	// Addr is the host:port both the TCP listener and the UDP socket bind
	Addr    string
	Options Options
	Policy  Policy
	Logger  *zap.Logger
	Metrics *metrics.Recorder
	Clock   clock.Clock
}

// Server runs the relay reactor. A single goroutine owns the Engine; accept,
// read and datagram goroutines post events to it.
type Server struct {
	opts    Options
	addr    string
	policy  Policy
	logger  *zap.Logger
	metrics *metrics.Recorder
	clock   clock.Clock
	engine  *Engine

	listener net.Listener
	udp      *net.UDPConn

	events  chan event
	queries chan query

	connsMu sync.Mutex
	conns   map[*connection]struct{}
	closed  bool

	startOnce sync.Once
	started   atomic.Bool
	stopOnce  sync.Once
	stop      chan struct{}
	quit      chan struct{} // closed when the reactor stops taking events
	done      chan struct{}
	wg        sync.WaitGroup
	closeErr  error
}

type event interface {
	apply(s *Server)
}

type acceptEvent struct{ conn *connection }
type readEvent struct {
	conn *connection
	data []byte
}
type closeEvent struct{ conn *connection }
type datagramEvent struct {
	from netip.AddrPort
	data []byte
}

func (ev acceptEvent) apply(s *Server) {
	s.engine.Accept(ev.conn)
}

func (ev readEvent) apply(s *Server) {
	s.engine.Receive(ev.conn, ev.data)
}

func (ev closeEvent) apply(s *Server) {
	s.engine.Disconnected(ev.conn)
	ev.conn.abort()
}

func (ev datagramEvent) apply(s *Server) {
	s.engine.Datagram(ev.from, ev.data)
}

type query struct {
	fn   func(*Engine)
	done chan struct{}
}

// NewServer creates a relay server
func NewServer(cfg ServerConfig) *Server {
	if cfg.Policy == nil {
		cfg.Policy = NopPolicy{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	s := &Server{
		opts:    cfg.Options,
		addr:    cfg.Addr,
		policy:  cfg.Policy,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
		events:  make(chan event, eventQueueSize),
		queries: make(chan query),
		conns:   make(map[*connection]struct{}),
		stop:    make(chan struct{}),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.engine = NewEngine(EngineConfig{
		Options:   cfg.Options,
		Policy:    cfg.Policy,
		Datagrams: s,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
		Clock:     cfg.Clock,
	})
	return s
}

// Start binds the TCP listener and UDP socket and starts the reactor
func (s *Server) Start(ctx context.Context) error {
	err := ErrServerStarted
	s.startOnce.Do(func() {
		err = s.start(ctx)
	})
	return err
}

func (s *Server) start(ctx context.Context) error {
	if err := s.opts.Validate(); err != nil {
		return fmt.Errorf("invalid relay options: %w", err)
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		err = fmt.Errorf("could not bind %s: %w", s.addr, err)
		s.logger.Error("relay start failed", zap.Error(err))
		s.policy.ServerError(err)
		return err
	}

	// UDP shares the TCP port, which matters when the port was chosen by the OS
	tcpAddr := listener.Addr().(*net.TCPAddr)
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: tcpAddr.IP, Port: tcpAddr.Port, Zone: tcpAddr.Zone})
	if err != nil {
		listener.Close()
		err = fmt.Errorf("could not bind udp %s: %w", tcpAddr, err)
		s.logger.Error("relay start failed", zap.Error(err))
		s.policy.ServerError(err)
		return err
	}

	s.listener = listener
	s.udp = udp
	s.started.Store(true)

	s.policy.ServerStarted(listener.Addr().String())
	s.logger.Info("relay server listening",
		zap.String("version", Version()),
		zap.Stringer("tcp", listener.Addr()),
		zap.Stringer("udp", udp.LocalAddr()))

	s.wg.Add(2)
	go s.acceptLoop()
	go s.datagramLoop()
	go s.run(ctx)

	return nil
}

// Addr returns the bound TCP address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// DatagramAddr returns the bound UDP address
func (s *Server) DatagramAddr() net.Addr {
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

// Stop asks the reactor to exit and returns immediately
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed once the reactor has exited and every connection is closed
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Shutdown stops the server and waits for it to finish
func (s *Server) Shutdown(ctx context.Context) error {
	s.Stop()
	if !s.started.Load() {
		return nil
	}
	select {
	case <-s.done:
		return s.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query runs fn on the reactor goroutine and waits for it to return
func (s *Server) Query(ctx context.Context, fn func(*Engine)) error {
	q := query{fn: fn, done: make(chan struct{})}
	select {
	case s.queries <- q:
	case <-s.quit:
		return ErrServerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendDatagram implements DatagramSender. Called on the reactor goroutine.
func (s *Server) SendDatagram(to netip.AddrPort, payload []byte) {
	if s.udp == nil {
		return
	}
	if _, err := s.udp.WriteToUDPAddrPort(payload, to); err != nil {
		s.logger.Debug("datagram send failed", zap.Stringer("to", to), zap.Error(err))
	}
}

// track registers a connection so shutdown can close it. It returns false
// once the server is closing.
func (s *Server) track(c *connection) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *connection) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

// post hands an event to the reactor. It returns false once the reactor
// has stopped.
func (s *Server) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.quit:
		return false
	}
}

func (s *Server) run(ctx context.Context) {
	var ping <-chan time.Time
	if s.opts.PingInterval > 0 {
		t := s.clock.Ticker(s.opts.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	sweep := s.clock.Ticker(sweepInterval(s.opts.HandshakeTimeout))
	defer sweep.Stop()

	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case ev := <-s.events:
			ev.apply(s)
		case q := <-s.queries:
			q.fn(s.engine)
			close(q.done)
		case <-ping:
			s.engine.Tick()
		case <-sweep.C:
			s.engine.ExpirePending()
		}
	}
}

// shutdown closes every socket without draining sends and releases state
func (s *Server) shutdown() {
	s.logger.Info("stopping relay server")
	close(s.quit)

	var err error
	err = multierr.Append(err, s.listener.Close())
	err = multierr.Append(err, s.udp.Close())

	s.connsMu.Lock()
	s.closed = true
	for c := range s.conns {
		c.abort()
	}
	s.connsMu.Unlock()

	s.engine.Close()

	s.wg.Wait()
	s.closeErr = err
	s.logger.Info("relay server closed")
	close(s.done)
}

func sweepInterval(timeout time.Duration) time.Duration {
	interval := timeout / 2
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

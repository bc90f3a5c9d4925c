package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/socks5gate/internal/logging"
	"github.com/postalsys/socks5gate/internal/metrics"
)

// ServerConfig holds everything needed to start a listener: the listen
// address, the optional static credential and auth-once policy, the
// optional outgoing bind address, and the ambient logging/metrics sinks.
// There is no persistent/on-disk configuration; a ServerConfig is built
// once from parsed CLI flags and is immutable thereafter.
type ServerConfig struct {
	// Address to listen on, e.g. "0.0.0.0:1080".
	Address string

	// BindAddr is the optional outgoing interface address for CONNECT
	// dials and the UDP relay's server-side socket (CLI -b). Nil means
	// let the kernel's routing table choose.
	BindAddr net.IP

	// AuthUser/AuthPass configure RFC 1929 username/password auth. Both
	// empty means NO_AUTH only.
	AuthUser string
	AuthPass string

	// AuthOnce enables the auth-once-per-IP relaxation (CLI -1).
	AuthOnce bool

	// IdleTimeout records the relay idle timeout. Relays do not read this
	// field: they always use relayIdleTimeout (15 minutes), whatever
	// value is set here.
	IdleTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultServerConfig returns sensible defaults: listen on localhost,
// NO_AUTH only, the spec's 15-minute relay idle timeout.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:     "127.0.0.1:1080",
		IdleTimeout: relayIdleTimeout,
	}
}

// acceptErrorBackoff is the pause before retrying Accept after a
// transient accept error, so a persistent failure (e.g. EMFILE) backs
// off instead of busy-looping the acceptor goroutine.
const acceptErrorBackoff = 64 * time.Microsecond

// worker tracks one accepted connection's goroutine. done is set exactly
// once, by the worker goroutine itself, when Handler.Handle returns; the
// acceptor loop's reaper reads it to decide which worker records it can
// drop without joining (Stop still waits on the WaitGroup for a clean
// shutdown, this flag only avoids the tracked-worker slice growing
// without bound across a long-running server's lifetime).
type worker struct {
	conn net.Conn
	done atomic.Bool
}

// Server accepts SOCKS5 client connections and services each on its own
// worker goroutine.
type Server struct {
	cfg     ServerConfig
	handler *Handler

	listener net.Listener
	tracker  *connTracker[net.Conn]

	mu      sync.Mutex
	workers []*worker

	logger  *slog.Logger
	metrics *metrics.Metrics

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer builds a Server from cfg. Nothing is opened until Start.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	auth := NewAuthPolicy(cfg.AuthUser, cfg.AuthPass, cfg.AuthOnce)
	resolver := &Resolver{PreferredV6: cfg.BindAddr != nil && cfg.BindAddr.To4() == nil}
	dialer := NewDialer(cfg.BindAddr)

	return &Server{
		cfg:     cfg,
		handler: NewHandler(auth, resolver, dialer, logger, cfg.Metrics),
		tracker: newConnTracker[net.Conn](),
		logger:  logger,
		metrics: cfg.Metrics,
		stopCh:  make(chan struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.logger.Info("listening",
		logging.KeyComponent, "server",
		logging.KeyBindAddr, listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener, closes every tracked connection, and waits
// for all worker goroutines to return.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}
		s.tracker.closeAll()
	})

	s.wg.Wait()
	return err
}

// StopWithContext stops the server, returning ctx.Err() if ctx expires
// before shutdown completes.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the bound listen address, or nil before Start.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of currently active connections.
func (s *Server) ConnectionCount() int64 {
	return s.tracker.count()
}

// IsRunning reports whether the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// acceptLoop is the worker pool's acceptor: it sweeps finished worker
// records before every Accept (the "reap-before-accept" discipline), so
// a long-running server's bookkeeping never grows past its current
// concurrency. One worker goroutine is spawned per accepted connection;
// there is no fixed-size pool, only the OS's and the kernel's own limits.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		s.reapWorkers()

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("accept failed",
					logging.KeyComponent, "server",
					logging.KeyError, err.Error())
				time.Sleep(acceptErrorBackoff)
				continue
			}
		}

		s.tracker.add(conn)
		if s.metrics != nil {
			s.metrics.RecordConnect()
		}

		w := &worker{conn: conn}
		s.mu.Lock()
		s.workers = append(s.workers, w)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.runWorker(w)
	}
}

// reapWorkers drops worker records that have already finished, keeping
// the tracked slice bounded to currently-live connections.
func (s *Server) reapWorkers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.workers[:0]
	for _, w := range s.workers {
		if w.done.Load() {
			continue
		}
		live = append(live, w)
	}
	s.workers = live
}

// runWorker services one connection and marks its worker record done
// exactly once, from the single goroutine that owns it, when finished.
func (s *Server) runWorker(w *worker) {
	defer s.wg.Done()
	defer w.done.Store(true)
	defer s.tracker.remove(w.conn)
	defer s.metricsDisconnect()
	defer w.conn.Close()

	s.handler.Handle(w.conn)
}

func (s *Server) metricsDisconnect() {
	if s.metrics != nil {
		s.metrics.RecordDisconnect()
	}
}

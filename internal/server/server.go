// Package server owns the TCP accept loop and the per-connection protocol
// state machine: decoding frames, parsing them into commands, dispatching
// to shards, and writing replies (and any pub/sub pushes) back out.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"shardkv/internal/dispatch"
	"shardkv/internal/metrics"
)

// Config bundles the knobs a Server needs that come from the process's
// configuration layer.
type Config struct {
	MaxConnections   int
	ReadBufferBytes  int
	IdleTimeout      time.Duration
	RateLimitPerSec  float64
	RateLimitBurst   int
	OutboundCapacity int
}

// Server accepts TCP connections and drives each one's protocol state
// machine. It holds no keyspace state itself; all of that lives behind the
// Dispatcher.
type Server struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	slots      *ConnSlots
	logger     zerolog.Logger

	triggerShutdown func()

	nextSubID uint64

	wg       sync.WaitGroup
	listener net.Listener
}

func New(cfg Config, dispatcher *dispatch.Dispatcher, logger zerolog.Logger, triggerShutdown func()) *Server {
	return &Server{
		cfg:             cfg,
		dispatcher:      dispatcher,
		slots:           NewConnSlots(cfg.MaxConnections, logger),
		logger:          logger,
		triggerShutdown: triggerShutdown,
	}
}

// Listen binds addr. Separated from Serve so main can report the bound
// port (useful with ":0" in tests) before accepting connections.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.listener = ln
	return ln.Addr(), nil
}

// Serve accepts connections until ctx is canceled or the listener errors.
func (s *Server) Serve(ctx context.Context) error {
	defer s.wg.Wait()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Error().Err(err).Msg("accept failed")
				return err
			}
		}

		if !s.slots.TryAcquire() {
			s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("rejecting connection: at capacity")
			metrics.ConnectionsRejected.Inc()
			writeCapacityRejection(conn)
			conn.Close()
			continue
		}

		subID := atomic.AddUint64(&s.nextSubID, 1)
		limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSec), s.cfg.RateLimitBurst)

		metrics.ConnectionsTotal.Inc()
		metrics.ConnectionsActive.Inc()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.slots.Release()
			defer metrics.ConnectionsActive.Dec()
			h := &connHandler{
				conn:       conn,
				dispatcher: s.dispatcher,
				logger:     s.logger.With().Uint64("conn", subID).Logger(),
				subID:      subID,
				limiter:    limiter,
				cfg:        s.cfg,
				trigger:    s.triggerShutdown,
			}
			h.run(ctx)
		}()
	}
}

// Close stops accepting new connections. In-flight connections are left to
// drain on their own via ctx cancellation in Serve's caller.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

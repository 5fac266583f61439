//go:build linux

// Package server implements the event loop, per-client state, and command
// dispatcher of a single-threaded poll-driven multiplexer over one
// listening socket and many client sockets.
package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/VlastikK/libhwio/bus"
	"github.com/VlastikK/libhwio/internal/logging"
	"github.com/VlastikK/libhwio/internal/metrics"
	"github.com/VlastikK/libhwio/internal/rawsock"
	"github.com/VlastikK/libhwio/wire"
)

// Config holds the server's tunables.
type Config struct {
	Address               string
	MaxPendingConnections int
	BufferSize            int
	MaxItemsPerQuery      int
	PollTimeout           time.Duration
	BusyWait              bool
}

// DefaultConfig returns the documented default tunables.
func DefaultConfig() Config {
	return Config{
		Address:               wire.DefaultServerAddress,
		MaxPendingConnections: wire.MaxPendingConnections,
		BufferSize:            wire.BufferSize,
		MaxItemsPerQuery:      wire.MaxItemsPerQuery,
		PollTimeout:           wire.PollTimeoutMS * time.Millisecond,
		BusyWait:              false,
	}
}

// Server is the single-threaded event loop over a listening socket and its
// connected clients.
type Server struct {
	cfg    Config
	bus    bus.Bus
	logger *slog.Logger

	listener *rawsock.Listener
	poll     *rawsock.PollSet
	registry *registry

	// rx/tx are process-wide single-use scratch buffers: safe because the
	// loop is single-threaded and only one handler runs at a time.
	rx []byte
	tx []byte
}

// New constructs a Server bound to no socket yet; call Run to start it.
func New(cfg Config, b bus.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		cfg:    cfg,
		bus:    b,
		logger: logger,
		rx:     make([]byte, cfg.BufferSize),
		tx:     make([]byte, cfg.BufferSize),
	}
}

// Run creates and binds the listening socket and runs the main loop until
// ctx is cancelled. SignalMask, if non-nil, is passed to every ppoll wait so
// the caller can mask termination signal delivery around the wait without
// losing it.
func (s *Server) Run(ctx context.Context, mask *rawsock.SignalMask) error {
	l, err := rawsock.Listen(s.cfg.Address, s.cfg.MaxPendingConnections)
	if err != nil {
		return err
	}
	s.listener = l
	defer l.Close()

	s.poll = rawsock.NewPollSet(l.Fd())
	s.registry = newRegistry(s.poll)

	s.logger.Info("hwio server listening", "address", s.cfg.Address)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("hwio server shutting down")
			return nil
		default:
		}

		n, err := s.poll.Wait(s.cfg.PollTimeout, mask)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			s.logger.Error("poll error", "error", err)
			continue
		}
		if n == 0 {
			continue // timeout: loop back to re-check ctx
		}

		// Copy the entries slice up front: handlers below may mutate the
		// poll set (on disconnect), and rebuilding rather than mutating
		// mid-sweep keeps indices stable across the current iteration.
		entries := append([]unix.PollFd(nil), s.poll.Entries()...)
		for _, e := range entries {
			if e.Revents == 0 {
				continue
			}
			fd := int(e.Fd)

			if e.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				if fd == s.listener.Fd() {
					s.logger.Error("error on listening socket")
					continue
				}
				if client, ok := s.registry.byFd(fd); ok {
					s.disconnect(client)
				}
				continue
			}

			if fd == s.listener.Fd() {
				s.accept()
				continue
			}

			if client, ok := s.registry.byFd(fd); ok {
				s.serviceClient(client)
			}
		}
	}
}

func (s *Server) accept() {
	conn, addr, err := s.listener.Accept()
	if err != nil {
		s.logger.Error("accept failed", "error", err)
		return
	}
	// Non-blocking so a handler never stalls the single-threaded loop.
	if err := conn.SetNonblock(true); err != nil {
		s.logger.Error("set nonblock failed", "error", err)
		conn.Close()
		return
	}
	// Retry EAGAIN internally so the header/body reads in serviceClient
	// behave like a blocking call to the request handler, even though the
	// socket itself stays non-blocking for the event loop's sake.
	conn.SetBusyWait(true)
	client := s.registry.add(conn, addr)
	metrics.ConnectionsAccepted.Inc()
	metrics.ClientsActive.Set(float64(s.registry.clientCount()))
	s.logger.Info("new connection", "client", client.ID, "addr", addr)
}

// serviceClient reads exactly one request from client: the header then (if
// any) the body, non-blockingly with EINTR/EAGAIN retry, dispatches it, and
// writes at most one reply.
func (s *Server) serviceClient(client *ClientInfo) {
	headerBuf := s.rx[:wire.HeaderSize]
	if err := rawsock.RecvExact(client.Conn, headerBuf); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return // nothing available yet; try again next readiness event
		}
		s.disconnect(client)
		return
	}

	header, err := wire.DecodeHeader(headerBuf, len(s.rx)-wire.HeaderSize)
	if err != nil {
		s.logger.Error("malformed header, disconnecting client", "client", client.ID, "error", err)
		s.disconnect(client)
		return
	}

	var body []byte
	if header.BodyLen > 0 {
		body = s.rx[wire.HeaderSize : wire.HeaderSize+int(header.BodyLen)]
		if err := rawsock.RecvExact(client.Conn, body); err != nil {
			s.logger.Error("short body read, disconnecting client", "client", client.ID, "error", err)
			s.disconnect(client)
			return
		}
	}

	disconnect, txSize := s.dispatch(client, header, body)
	if txSize > 0 {
		if n, err := client.Conn.Write(s.tx[:txSize]); err != nil || n != txSize {
			// Partial/failed sends are logged, not retried, and treated as
			// session-fatal for this client.
			s.logger.Error("send failed, disconnecting client", "client", client.ID, "sent", n, "want", txSize, "error", err)
			disconnect = true
		}
	}

	if disconnect {
		s.disconnect(client)
	}
}

func (s *Server) disconnect(client *ClientInfo) {
	s.logger.Info("client disconnected", "client", client.ID, "addr", client.Addr, "owned_devices", s.registry.ownedCount(client.ID))
	s.registry.remove(client)
	metrics.ConnectionsClosed.Inc()
	metrics.ClientsActive.Set(float64(s.registry.clientCount()))
	metrics.DevicesOwned.Set(float64(s.registry.deviceCount()))
}

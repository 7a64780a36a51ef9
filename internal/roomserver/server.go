// Package roomserver wires the edges together: it accepts transport
// connections, runs the token handshake, and routes framed packets onto
// stage mailboxes.
package roomserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/stagehub/internal/account"
	"github.com/udisondev/stagehub/internal/config"
	"github.com/udisondev/stagehub/internal/protocol"
	"github.com/udisondev/stagehub/internal/session"
	"github.com/udisondev/stagehub/internal/stage"
	"github.com/udisondev/stagehub/internal/token"
	"github.com/udisondev/stagehub/internal/transport"
)

const readChunkSize = 32 << 10

// Server hosts the room server core over a set of listeners.
type Server struct {
	cfg      config.Server
	sessions *session.Manager
	registry *stage.Registry
	verifier *token.Verifier
	gate     *account.Gate // nil when the account gate is disabled

	readPool *protocol.BufferPool
}

// New assembles a server. gate may be nil.
func New(cfg config.Server, reg *stage.Registry, verifier *token.Verifier, gate *account.Gate) *Server {
	mgr := session.NewManager(session.Config{
		SendQueueSize:     cfg.SendQueueSize,
		WriteTimeout:      cfg.WriteTimeout,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		CompressThreshold: cfg.CompressThreshold,
		MaxViolations:     cfg.MaxViolations,
	})

	s := &Server{
		cfg:      cfg,
		sessions: mgr,
		registry: reg,
		verifier: verifier,
		gate:     gate,
		readPool: protocol.NewBufferPool(),
	}

	// Session death reaches the owning stage through the same mailbox as
	// the session's packets, preserving their relative order.
	mgr.SetDisconnectFunc(func(accountID, sessionID, stageID int64, reason string) {
		st := reg.FindStage(stageID)
		if st == nil {
			return
		}
		if err := st.PostDisconnect(accountID, sessionID, reason); err != nil {
			slog.Debug("disconnect for closing stage dropped", "stage", stageID, "account", accountID)
		}
	})

	return s
}

// Sessions exposes the session manager.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// Registry exposes the stage registry.
func (s *Server) Registry() *stage.Registry { return s.registry }

// Run serves every listener until ctx is cancelled, then drains stages
// and force-closes what remains.
func (s *Server) Run(ctx context.Context, listeners ...transport.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, ln := range listeners {
		g.Go(func() error {
			slog.Info("listener started", "address", ln.Addr())
			return s.acceptLoop(ctx, ln)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		for _, ln := range listeners {
			_ = ln.Close()
		}
		return nil
	})

	err := g.Wait()

	shutdownErr := s.registry.Shutdown(context.Background())
	s.sessions.CloseAll("server shutdown")
	if shutdownErr != nil {
		slog.Warn("shutdown", "error", shutdownErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln transport.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("accept failed", "error", err)
			continue
		}
		go s.HandleConnection(ctx, conn)
	}
}

// HandleConnection runs the read loop for one accepted connection.
// Exported for tests driving in-memory conns.
func (s *Server) HandleConnection(ctx context.Context, conn transport.Conn) {
	sess := s.sessions.NewSession(conn)
	defer sess.Close("read loop exit")

	go func() {
		select {
		case <-ctx.Done():
			sess.Close("server stopping")
		case <-sess.Done():
		}
	}()

	dec := protocol.NewDecoder(s.readPool)
	buf := make([]byte, readChunkSize)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout)); err != nil {
			return
		}

		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Debug("read failed", "session", sess.ID(), "error", err)
			}
			sess.Close("network error")
			return
		}

		pkts, err := dec.Feed(buf[:n])
		for _, pkt := range pkts {
			if closeSession := s.handlePacket(ctx, sess, pkt); closeSession {
				return
			}
		}
		if err != nil {
			slog.Warn("invalid frame, closing session", "session", sess.ID(), "remote", conn.RemoteAddr(), "error", err)
			sess.Close("invalid frame")
			return
		}
	}
}

// throttle parks the read loop until the overloaded stage drains below
// its low-watermark. System packets and timers are never throttled, only
// this session's reads.
func (s *Server) throttle(ctx context.Context, sess *session.Session, st *stage.Stage) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if st.BelowLowWater() || st.State() >= stage.StateClosing {
				return true
			}
		case <-sess.Done():
			return false
		case <-ctx.Done():
			return false
		}
	}
}

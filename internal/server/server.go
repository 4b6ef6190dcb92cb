// Package server runs the dual-listener accept loop for one serving epoch.
//
// A single loop multiplexes two sources of peers: the local HTTP/2 TCP
// listener and the signaling bridge carrying cloud-brokered WebRTC offers.
// Every admitted peer becomes a task in the bounded connection pool; local
// connections enter un-evictable, WebRTC peers enter at their negotiated
// priority and may be displaced.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	robotpb "go.viam.com/api/robot/v1"
	"google.golang.org/grpc"

	"github.com/viam-labs/machine-agent/internal/connmgr"
	"github.com/viam-labs/machine-agent/internal/robot"
	"github.com/viam-labs/machine-agent/internal/signaling"
	"github.com/viam-labs/machine-agent/internal/task"
	"github.com/viam-labs/machine-agent/internal/webrtcconn"
)

// Config holds the accept loop's build-time options.
type Config struct {
	// Port is the local HTTP/2 listener port. Zero disables the local
	// listener entirely.
	Port int
	// Insecure serves the local listener in plaintext. When false a
	// cloud-issued certificate must be supplied.
	Insecure bool
	// LocalPriority is the slot priority for local connections. Defaults
	// to un-evictable; deployments that want local callers displaceable
	// can lower it.
	LocalPriority uint32
}

// Server is one epoch's accept loop. It terminates when the signaling
// bridge closes (cloud link lost), the listener fails, or ctx is done.
type Server struct {
	cfg     Config
	tlsCert *tls.Certificate
	robot   *robot.LocalRobot
	mgr     *connmgr.Manager

	// bridge and webrtcCfg are both nil when WebRTC is not configured.
	bridge    *signaling.Bridge
	webrtcCfg *webrtcconn.Config

	logger *zap.Logger
}

// New assembles the accept loop. tlsCert may be nil when cfg.Insecure.
func New(
	cfg Config,
	r *robot.LocalRobot,
	mgr *connmgr.Manager,
	tlsCert *tls.Certificate,
	bridge *signaling.Bridge,
	webrtcCfg *webrtcconn.Config,
	logger *zap.Logger,
) *Server {
	if cfg.LocalPriority == 0 {
		cfg.LocalPriority = connmgr.LocalPriority
	}
	return &Server{
		cfg:       cfg,
		tlsCert:   tlsCert,
		robot:     r,
		mgr:       mgr,
		bridge:    bridge,
		webrtcCfg: webrtcCfg,
		logger:    logger.Named("server"),
	}
}

// Serve runs the accept loop until the epoch ends. The connection pool is
// drained before returning, so no peer task outlives the loop.
func (s *Server) Serve(ctx context.Context) error {
	defer s.mgr.Close()

	// Both sources are optional; a nil channel never becomes ready, which
	// is how a disabled source drops out of the race.
	var acceptCh chan net.Conn
	if s.cfg.Port > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.cfg.Port))
		if err != nil {
			return fmt.Errorf("server: failed to bind port %d: %w", s.cfg.Port, err)
		}
		defer lis.Close()
		stop := make(chan struct{})
		defer close(stop)
		acceptCh = make(chan net.Conn)
		go acceptInto(lis, acceptCh, stop)
		s.logger.Info("local listener bound", zap.Int("port", s.cfg.Port), zap.Bool("insecure", s.cfg.Insecure))
	}

	var bridgeCh <-chan signaling.Exchange
	var bridgeClosed <-chan struct{}
	if s.bridge != nil && s.webrtcCfg != nil {
		bridgeCh = s.bridge.Out()
		bridgeClosed = s.bridge.Closed()
	}

	for {
		// Prefer the local listener when both sources are ready in the
		// same round.
		select {
		case conn, ok := <-acceptCh:
			if !ok {
				return errors.New("server: local listener failed")
			}
			s.handleLocal(ctx, conn)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case conn, ok := <-acceptCh:
			if !ok {
				return errors.New("server: local listener failed")
			}
			s.handleLocal(ctx, conn)
		case exch := <-bridgeCh:
			s.handlePeer(ctx, exch)
		case <-bridgeClosed:
			// Cloud link lost. Fatal to this epoch: the orchestrator
			// rebuilds the cloud client and starts a fresh loop.
			return signaling.ErrClosed
		}
	}
}

// acceptInto feeds accepted connections to the loop and closes the channel
// when the listener dies. stop unblocks a pending hand-off when the loop
// exits first, so no accepted connection is stranded.
func acceptInto(lis net.Listener, ch chan<- net.Conn, stop <-chan struct{}) {
	defer close(ch)
	for {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		select {
		case ch <- conn:
		case <-stop:
			conn.Close()
			return
		}
	}
}

// handleLocal admits one local TCP connection. When every slot holds an
// un-evictable peer the stream is closed without a handshake — the caller
// observes a reset, which is the documented behavior at capacity.
func (s *Server) handleLocal(ctx context.Context, conn net.Conn) {
	if s.mgr.LowestPriority() >= s.cfg.LocalPriority {
		s.logger.Info("local connection refused, pool full",
			zap.String("remote", conn.RemoteAddr().String()),
		)
		conn.Close()
		return
	}

	t := task.Spawn(ctx, "local-"+conn.RemoteAddr().String(), func(ctx context.Context) error {
		return s.serveLocalConn(ctx, conn)
	})
	if !s.mgr.Insert(t, s.cfg.LocalPriority) {
		t.Cancel()
	}
}

// serveLocalConn handshakes one local stream and serves the robot's gRPC
// surface on it until the peer disconnects or the slot is cancelled.
func (s *Server) serveLocalConn(ctx context.Context, raw net.Conn) error {
	conn := raw
	if !s.cfg.Insecure {
		if s.tlsCert == nil {
			raw.Close()
			return errors.New("server: secure listener has no certificate")
		}
		tc := tls.Server(raw, &tls.Config{
			Certificates: []tls.Certificate{*s.tlsCert},
			NextProtos:   []string{"h2"},
		})
		if err := tc.HandshakeContext(ctx); err != nil {
			raw.Close()
			return fmt.Errorf("server: tls handshake failed: %w", err)
		}
		conn = tc
	}

	nc := newNotifyConn(conn)
	lis := newOneConnListener(nc)

	gs := grpc.NewServer()
	robotpb.RegisterRobotServiceServer(gs, robot.NewService(s.robot))

	go gs.Serve(lis) //nolint:errcheck

	select {
	case <-ctx.Done():
	case <-nc.closed:
	}
	gs.Stop()
	lis.Close()
	return nil
}

// handlePeer negotiates one cloud-brokered WebRTC offer. Negotiation
// failures terminate only this iteration; the loop keeps serving.
func (s *Server) handlePeer(ctx context.Context, exch signaling.Exchange) {
	sess, prio, err := webrtcconn.Answer(ctx, exch, *s.webrtcCfg, s.logger)
	if err != nil {
		s.logger.Info("webrtc negotiation failed", zap.Error(err))
		exch.SendError(ctx, err) //nolint:errcheck
		exch.Finish(ctx)         //nolint:errcheck
		return
	}
	if err := exch.Finish(ctx); err != nil {
		s.logger.Info("signaling finish failed", zap.Error(err))
	}

	t := task.Spawn(ctx, "webrtc-peer", func(ctx context.Context) error {
		if _, err := sess.OpenDataChannel(ctx); err != nil {
			sess.Close()
			return err
		}
		return sess.Run(ctx)
	})
	if !s.mgr.Insert(t, prio) {
		s.logger.Info("webrtc peer refused, pool full", zap.Uint32("priority", prio))
		t.Cancel()
	}
}

// Package webrtcconn turns one cloud-brokered signaling exchange into a
// live peer session. The heavy lifting (ICE, DTLS, SCTP) belongs to pion;
// this package's job is the answerer flow: take the offer, produce the
// answer, wait for the data channel, and keep the session alive until the
// peer goes away.
package webrtcconn

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/viam-labs/machine-agent/internal/signaling"
)

// DefaultPeerPriority is assigned to cloud-brokered peers whose answer
// carries no explicit priority. It is far below the local-connection
// priority, so local callers always win slots over cloud peers.
const DefaultPeerPriority uint32 = 100

// Config carries the per-agent WebRTC settings. A nil Config on the server
// disables WebRTC serving entirely.
type Config struct {
	// ICEServers to offer during negotiation. Empty means host candidates
	// only, which is fine on a LAN.
	ICEServers []webrtc.ICEServer
}

// priorityAttr is an optional SDP attribute carrying the peer's requested
// slot priority.
var priorityAttr = regexp.MustCompile(`(?m)^a=x-priority:(\d+)\r?$`)

// peerPriority extracts the priority the peer asked for from its offer,
// clamped below the un-evictable local priority.
func peerPriority(sdp string) uint32 {
	m := priorityAttr.FindStringSubmatch(sdp)
	if m == nil {
		return DefaultPeerPriority
	}
	v, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil || v >= 1<<32-1 {
		return DefaultPeerPriority
	}
	return uint32(v)
}

// Session is one live peer connection.
type Session struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger

	dataCh chan *webrtc.DataChannel
	gone   chan struct{}
	once   sync.Once
}

// Answer performs the answerer half of one negotiation: apply the remote
// offer, gather candidates, send the local answer back through the
// exchange, and return the session along with the peer's negotiated
// priority. The caller owns the session and must Run or Close it.
func Answer(ctx context.Context, exch signaling.Exchange, cfg Config, logger *zap.Logger) (*Session, uint32, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, 0, fmt.Errorf("webrtcconn: failed to build peer connection: %w", err)
	}

	s := &Session{
		pc:     pc,
		logger: logger.Named("webrtc"),
		dataCh: make(chan *webrtc.DataChannel, 1),
		gone:   make(chan struct{}),
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		select {
		case s.dataCh <- dc:
		default:
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			s.once.Do(func() { close(s.gone) })
		default:
		}
	})

	offer := exch.Offer()
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		pc.Close()
		return nil, 0, fmt.Errorf("webrtcconn: rejected remote offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, 0, fmt.Errorf("webrtcconn: failed to create answer: %w", err)
	}

	// Wait for candidate gathering so the answer we relay is complete;
	// the cloud signaling path carries no trickle updates from our side.
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, 0, fmt.Errorf("webrtcconn: failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return nil, 0, ctx.Err()
	}

	local := pc.LocalDescription()
	if err := exch.SendAnswer(ctx, local.SDP); err != nil {
		pc.Close()
		return nil, 0, err
	}

	return s, peerPriority(offer.SDP), nil
}

// OpenDataChannel waits for the peer to open its data channel.
func (s *Session) OpenDataChannel(ctx context.Context) (*webrtc.DataChannel, error) {
	select {
	case dc := <-s.dataCh:
		s.logger.Debug("data channel open", zap.String("label", dc.Label()))
		return dc, nil
	case <-s.gone:
		return nil, fmt.Errorf("webrtcconn: peer went away before opening a data channel")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run blocks until the peer disconnects or ctx is cancelled, then tears
// the session down.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()
	select {
	case <-s.gone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the peer connection.
func (s *Session) Close() error {
	return s.pc.Close()
}

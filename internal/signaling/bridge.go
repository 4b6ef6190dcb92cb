// Package signaling carries cloud-brokered WebRTC offer/answer exchanges
// from the periodic signaling task into the accept loop.
//
// The bridge is a single-producer/single-consumer channel with capacity
// one: at most one exchange waits for the accept loop. While one is
// waiting, the signaling task may already hold the next exchange from the
// cloud, but its Send blocks until the waiting one has been consumed. That
// back-pressure is the design.
package signaling

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send and Recv once the bridge is closed.
// Closure is fatal to the current serving epoch: the accept loop returns
// and the orchestrator reconnects to the cloud.
var ErrClosed = errors.New("signaling: bridge closed")

// Offer is the inbound half of one negotiation: the SDP offer the cloud
// relayed from a prospective peer.
type Offer struct {
	// UUID identifies the negotiation on the cloud side; every outbound
	// frame must echo it.
	UUID string
	// SDP is the peer's session description offer.
	SDP string
}

// Exchange is one cloud-brokered offer/answer pair. Its lifetime is a
// single peer negotiation: receive the offer, send exactly one answer or
// one error, then finish.
type Exchange interface {
	// Offer returns the peer's offer. It is available as soon as the
	// exchange exists — InitiateSignaling blocks until it arrives.
	Offer() Offer
	// SendAnswer relays the local SDP answer to the peer.
	SendAnswer(ctx context.Context, sdp string) error
	// SendError reports a failed negotiation to the cloud.
	SendError(ctx context.Context, stageErr error) error
	// Finish tells the cloud the negotiation is complete and releases the
	// underlying stream.
	Finish(ctx context.Context) error
}

// Bridge is the capacity-1 channel of exchanges.
type Bridge struct {
	ch     chan Exchange
	closed chan struct{}
}

// NewBridge returns an open bridge.
func NewBridge() *Bridge {
	return &Bridge{
		ch:     make(chan Exchange, 1),
		closed: make(chan struct{}),
	}
}

// Send delivers one exchange to the consumer, blocking while a previous
// exchange is still unconsumed.
func (b *Bridge) Send(ctx context.Context, exch Exchange) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	select {
	case b.ch <- exch:
		return nil
	case <-b.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks for the next exchange.
func (b *Bridge) Recv(ctx context.Context) (Exchange, error) {
	select {
	case exch := <-b.ch:
		return exch, nil
	case <-b.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Out exposes the delivery channel so the accept loop can race it against
// the TCP listener in a single select.
func (b *Bridge) Out() <-chan Exchange { return b.ch }

// Closed is closed when the bridge has been shut down.
func (b *Bridge) Closed() <-chan struct{} { return b.closed }

// Close shuts the bridge down. Safe to call once.
func (b *Bridge) Close() {
	close(b.closed)
}

package server

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/viam-labs/machine-agent/internal/cloud"
	"github.com/viam-labs/machine-agent/internal/signaling"
)

// SignalingTask is the periodic task feeding the accept loop with
// cloud-brokered offers. Its default period is zero: each round blocks
// inside InitiateSignaling until a caller shows up, then hands the exchange
// to the capacity-1 bridge, blocking only while a previous exchange is
// still waiting there for the accept loop. The bridge's back-pressure is
// the task's pacing.
type SignalingTask struct {
	bridge  *signaling.Bridge
	rpcHost string
	logger  *zap.Logger
}

// NewSignalingTask builds the task for one epoch. rpcHost is the
// machine's cloud fqdn, which the signaling service uses to route callers.
func NewSignalingTask(bridge *signaling.Bridge, rpcHost string, logger *zap.Logger) *SignalingTask {
	return &SignalingTask{
		bridge:  bridge,
		rpcHost: rpcHost,
		logger:  logger.Named("signaling"),
	}
}

func (t *SignalingTask) Name() string { return "signaling" }

func (t *SignalingTask) DefaultPeriod() time.Duration { return 0 }

func (t *SignalingTask) Invoke(ctx context.Context, client *cloud.Client) (*time.Duration, error) {
	exch, err := client.InitiateSignaling(ctx, t.rpcHost)
	if err != nil {
		return nil, err
	}
	if err := t.bridge.Send(ctx, exch); err != nil {
		if errors.Is(err, signaling.ErrClosed) {
			// The consumer is gone for good; this epoch is over.
			t.logger.Warn("signaling bridge closed, stopping")
		}
		return nil, err
	}
	return nil, nil
}

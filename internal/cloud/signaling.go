package cloud

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
	webrtcpb "go.viam.com/utils/proto/rpc/webrtc/v1"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/metadata"

	"github.com/viam-labs/machine-agent/internal/signaling"
)

// InitiateSignaling opens one Answer stream against the cloud's signaling
// service and blocks until a prospective peer's offer arrives. The cloud
// holds the stream open until someone wants to connect, so the periodic
// signaling task spends most of its life inside this call — that is the
// intended back-pressure.
//
// The returned exchange owns the stream; exactly one SendAnswer or
// SendError followed by Finish completes the negotiation.
func (c *Client) InitiateSignaling(ctx context.Context, rpcHost string) (signaling.Exchange, error) {
	ctx = metadata.AppendToOutgoingContext(c.authCtx(ctx), "rpc-host", rpcHost)

	sig := webrtcpb.NewSignalingServiceClient(c.conn)
	stream, err := sig.Answer(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloud: signaling answer stream failed: %w", err)
	}

	// Block until the init frame carrying the offer SDP. Heartbeat frames
	// keep the stream alive while the cloud waits for a caller.
	for {
		req, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("cloud: signaling stream closed before offer: %w", err)
			}
			return nil, fmt.Errorf("cloud: signaling recv failed: %w", err)
		}
		init := req.GetInit()
		if init == nil {
			continue
		}
		c.logger.Debug("signaling offer received", zap.String("uuid", req.Uuid))
		return &answerExchange{
			stream: stream,
			offer: signaling.Offer{
				UUID: req.Uuid,
				SDP:  init.Sdp,
			},
		}, nil
	}
}

// answerExchange adapts one Answer stream to the signaling.Exchange
// consumed by the accept loop.
type answerExchange struct {
	stream webrtcpb.SignalingService_AnswerClient
	offer  signaling.Offer
}

func (e *answerExchange) Offer() signaling.Offer { return e.offer }

func (e *answerExchange) SendAnswer(_ context.Context, sdp string) error {
	err := e.stream.Send(&webrtcpb.AnswerResponse{
		Uuid: e.offer.UUID,
		Stage: &webrtcpb.AnswerResponse_Init{
			Init: &webrtcpb.AnswerResponseInitStage{Sdp: sdp},
		},
	})
	if err != nil {
		return fmt.Errorf("cloud: sending answer failed: %w", err)
	}
	return nil
}

func (e *answerExchange) SendError(_ context.Context, stageErr error) error {
	err := e.stream.Send(&webrtcpb.AnswerResponse{
		Uuid: e.offer.UUID,
		Stage: &webrtcpb.AnswerResponse_Error{
			Error: &webrtcpb.AnswerResponseErrorStage{
				Status: &rpcstatus.Status{Message: stageErr.Error()},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("cloud: sending answer error failed: %w", err)
	}
	return nil
}

func (e *answerExchange) Finish(_ context.Context) error {
	err := e.stream.Send(&webrtcpb.AnswerResponse{
		Uuid: e.offer.UUID,
		Stage: &webrtcpb.AnswerResponse_Done{
			Done: &webrtcpb.AnswerResponseDoneStage{},
		},
	})
	if err != nil {
		return fmt.Errorf("cloud: finishing negotiation failed: %w", err)
	}
	return e.stream.CloseSend()
}

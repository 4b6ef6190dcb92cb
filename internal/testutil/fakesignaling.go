package testutil

import (
	"io"

	webrtcpb "go.viam.com/utils/proto/rpc/webrtc/v1"
)

// FakeSignaling plays the cloud's side of the Answer stream: it hands each
// answerer one scripted offer and records the answer frames it gets back.
type FakeSignaling struct {
	webrtcpb.UnimplementedSignalingServiceServer

	// Offers are consumed one per Answer stream; the stream blocks until
	// an offer is queued, mirroring the cloud holding the stream open
	// until a caller shows up.
	Offers chan *webrtcpb.AnswerRequest

	// Answers receives every init-stage answer and error-stage frame
	// relayed by the agent.
	Answers chan *webrtcpb.AnswerResponse
}

// NewFakeSignaling returns a fake with room for a few scripted offers.
func NewFakeSignaling() *FakeSignaling {
	return &FakeSignaling{
		Offers:  make(chan *webrtcpb.AnswerRequest, 4),
		Answers: make(chan *webrtcpb.AnswerResponse, 4),
	}
}

// QueueOffer scripts one negotiation.
func (f *FakeSignaling) QueueOffer(uuid, sdp string) {
	f.Offers <- &webrtcpb.AnswerRequest{
		Uuid: uuid,
		Stage: &webrtcpb.AnswerRequest_Init{
			Init: &webrtcpb.AnswerRequestInitStage{Sdp: sdp},
		},
	}
}

func (f *FakeSignaling) Answer(stream webrtcpb.SignalingService_AnswerServer) error {
	var offer *webrtcpb.AnswerRequest
	select {
	case offer = <-f.Offers:
	case <-stream.Context().Done():
		return stream.Context().Err()
	}

	if err := stream.Send(offer); err != nil {
		return err
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch resp.Stage.(type) {
		case *webrtcpb.AnswerResponse_Init, *webrtcpb.AnswerResponse_Error:
			f.Answers <- resp
		case *webrtcpb.AnswerResponse_Done:
			return nil
		}
	}
}

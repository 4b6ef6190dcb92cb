package cloud_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	webrtcpb "go.viam.com/utils/proto/rpc/webrtc/v1"

	"github.com/viam-labs/machine-agent/internal/testutil"
)

func TestInitiateSignalingRoundTrip(t *testing.T) {
	app := testutil.NewFakeApp(nil)
	app.Signaling = testutil.NewFakeSignaling()
	client := dialFake(t, app)

	app.Signaling.QueueOffer("uuid-1", "v=0 offer-sdp")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exch, err := client.InitiateSignaling(ctx, "test-bot.xxds65ui.viam.cloud")
	require.NoError(t, err)
	require.Equal(t, "uuid-1", exch.Offer().UUID)
	require.Equal(t, "v=0 offer-sdp", exch.Offer().SDP)

	require.NoError(t, exch.SendAnswer(ctx, "v=0 answer-sdp"))
	require.NoError(t, exch.Finish(ctx))

	select {
	case answer := <-app.Signaling.Answers:
		require.Equal(t, "uuid-1", answer.Uuid)
		init, ok := answer.Stage.(*webrtcpb.AnswerResponse_Init)
		require.True(t, ok)
		require.Equal(t, "v=0 answer-sdp", init.Init.Sdp)
	case <-ctx.Done():
		t.Fatal("cloud never saw the answer")
	}
}

// A second negotiation requires a fresh InitiateSignaling round trip; each
// call owns exactly one stream and one offer.
func TestInitiateSignalingOnePerNegotiation(t *testing.T) {
	app := testutil.NewFakeApp(nil)
	app.Signaling = testutil.NewFakeSignaling()
	client := dialFake(t, app)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	app.Signaling.QueueOffer("uuid-1", "sdp-1")
	first, err := client.InitiateSignaling(ctx, "host")
	require.NoError(t, err)
	require.NoError(t, first.Finish(ctx))

	app.Signaling.QueueOffer("uuid-2", "sdp-2")
	second, err := client.InitiateSignaling(ctx, "host")
	require.NoError(t, err)
	require.Equal(t, "uuid-2", second.Offer().UUID)
	require.NoError(t, second.Finish(ctx))
}

// With no caller queued, InitiateSignaling blocks — that is the signaling
// task's idle state — and unblocks on cancellation.
func TestInitiateSignalingBlocksUntilOffer(t *testing.T) {
	app := testutil.NewFakeApp(nil)
	app.Signaling = testutil.NewFakeSignaling()
	client := dialFake(t, app)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := client.InitiateSignaling(ctx, "host")
		errCh <- err
	}()

	select {
	case err := <-errCh:
		t.Fatalf("InitiateSignaling returned without an offer: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("InitiateSignaling did not unblock on cancellation")
	}
}

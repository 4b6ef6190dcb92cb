package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	provisioningpb "go.viam.com/api/provisioning/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/viam-labs/machine-agent/internal/storage"
)

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	lis.Close()
	return port
}

func TestSetCredentialsPersistsAndReleases(t *testing.T) {
	store := storage.NewMemStore()
	srv := New(store, Info{Manufacturer: "viam", Model: "provisioning-test"}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := freePort(t)
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, port) }()

	conn, err := grpc.NewClient(
		fmt.Sprintf("127.0.0.1:%d", port),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := provisioningpb.NewProvisioningServiceClient(conn)

	// the RPC may race server startup; retry briefly
	var resp *provisioningpb.SetSmartMachineCredentialsResponse
	require.Eventually(t, func() bool {
		resp, err = client.SetSmartMachineCredentials(ctx, &provisioningpb.SetSmartMachineCredentialsRequest{
			Cloud: &provisioningpb.CloudConfig{
				Id:         "an-id-test",
				Secret:     "a-secret-test",
				AppAddress: "",
			},
		})
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	require.NotNil(t, resp)

	// success releases the provisioning cycle within the second the
	// setup client is promised
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("provisioning did not release after credentials were accepted")
	}

	creds, err := store.GetCredentials()
	require.NoError(t, err)
	require.Equal(t, "an-id-test", creds.ID)
	require.Equal(t, "a-secret-test", creds.Secret)
}

func TestSetCredentialsRejectsIncomplete(t *testing.T) {
	store := storage.NewMemStore()
	srv := New(store, Info{}, nil, zap.NewNop())

	_, err := srv.SetSmartMachineCredentials(context.Background(), &provisioningpb.SetSmartMachineCredentialsRequest{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = srv.SetSmartMachineCredentials(context.Background(), &provisioningpb.SetSmartMachineCredentialsRequest{
		Cloud: &provisioningpb.CloudConfig{Id: "only-an-id"},
	})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.False(t, store.HasCredentials())
}

func TestStatusRelaysPreviousError(t *testing.T) {
	store := storage.NewMemStore()
	lastErr := errors.New("cloud rejected credentials")
	srv := New(store, Info{Manufacturer: "viam", Model: "provisioning-test"}, lastErr, zap.NewNop())

	resp, err := srv.GetSmartMachineStatus(context.Background(), &provisioningpb.GetSmartMachineStatusRequest{})
	require.NoError(t, err)
	require.Equal(t, "viam", resp.GetProvisioningInfo().GetManufacturer())
	require.Equal(t, "provisioning-test", resp.GetProvisioningInfo().GetModel())
	require.False(t, resp.GetHasSmartMachineCredentials())
	require.Contains(t, resp.GetErrors(), "cloud rejected credentials")
}

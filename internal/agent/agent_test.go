package agent

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	apppb "go.viam.com/api/app/v1"
	robotpb "go.viam.com/api/robot/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/viam-labs/machine-agent/internal/provisioning"
	"github.com/viam-labs/machine-agent/internal/storage"
	"github.com/viam-labs/machine-agent/internal/testutil"
)

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	lis.Close()
	return port
}

func storedCreds(t *testing.T) *storage.MemStore {
	t.Helper()
	store := storage.NewMemStore()
	require.NoError(t, store.StoreCredentials(storage.Credentials{
		ID:     "an-id-test",
		Secret: "a-secret-test",
	}))
	return store
}

func TestCredentialRejectionWipesStorage(t *testing.T) {
	store := storedCreds(t)
	require.NoError(t, store.StoreConfig(&apppb.RobotConfig{}))

	app := testutil.NewFakeApp(nil)
	app.SetAuthErr(status.Error(codes.PermissionDenied, "unknown robot"))
	dialOpts := app.Start()
	defer app.Stop()

	a := New(store, zap.NewNop(),
		WithAppURI("passthrough:///fake-app"),
		WithDialOptions(dialOpts...),
		WithPort(freePort(t)),
		WithProvisioningInfo(provisioning.Info{Manufacturer: "viam", Model: "provisioning-test"}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// within one retry cycle both blobs are gone and the orchestrator has
	// fallen through to provisioning
	require.Eventually(t, func() bool {
		return !store.HasCredentials() && !store.HasConfig()
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop on cancellation")
	}
}

func TestOfflineFallbackServesCachedConfig(t *testing.T) {
	store := storedCreds(t)
	require.NoError(t, store.StoreConfig(&apppb.RobotConfig{
		Cloud: &apppb.CloudConfig{
			Fqdn:      "test-bot.xxds65ui.viam.cloud",
			LocalFqdn: "test-bot.xxds65ui.viam.local.cloud",
		},
		Components: []*apppb.ComponentConfig{{Name: "arm1", Type: "arm"}},
	}))

	app := testutil.NewFakeApp(nil)
	// authentication works, but every config fetch fails
	app.SetConfigErr(status.Error(codes.Unavailable, "cloud is down"))
	dialOpts := app.Start()
	defer app.Stop()

	port := freePort(t)
	a := New(store, zap.NewNop(),
		WithAppURI("passthrough:///fake-app"),
		WithDialOptions(dialOpts...),
		WithPort(port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// the local gRPC surface still comes up, built from the cached config
	conn, err := grpc.NewClient(
		fmt.Sprintf("127.0.0.1:%d", port),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := robotpb.NewRobotServiceClient(conn)

	var resp *robotpb.ResourceNamesResponse
	require.Eventually(t, func() bool {
		callCtx, callCancel := context.WithTimeout(ctx, time.Second)
		defer callCancel()
		r, err := client.ResourceNames(callCtx, &robotpb.ResourceNamesRequest{})
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 10*time.Second, 100*time.Millisecond)

	require.Len(t, resp.GetResources(), 1)
	require.Equal(t, "arm1", resp.GetResources()[0].GetName())

	// credentials survived the offline epoch
	require.True(t, store.HasCredentials())

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop on cancellation")
	}
}

func TestFreshConfigIsCachedForOfflineRestart(t *testing.T) {
	store := storedCreds(t)

	app := testutil.NewFakeApp(&apppb.RobotConfig{
		Cloud: &apppb.CloudConfig{
			Fqdn:      "test-bot.xxds65ui.viam.cloud",
			LocalFqdn: "test-bot.xxds65ui.viam.local.cloud",
		},
	})
	dialOpts := app.Start()
	defer app.Stop()

	a := New(store, zap.NewNop(),
		WithAppURI("passthrough:///fake-app"),
		WithDialOptions(dialOpts...),
		WithPort(freePort(t)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return store.HasConfig() }, 5*time.Second, 50*time.Millisecond)
	cached, err := store.GetConfig()
	require.NoError(t, err)
	require.Equal(t, "test-bot.xxds65ui.viam.cloud", cached.GetCloud().GetFqdn())

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop on cancellation")
	}
}

func TestMachineName(t *testing.T) {
	require.Equal(t, "test-bot", machineName("test-bot.xxds65ui.viam.local.cloud"))
	require.Equal(t, "", machineName(""))
	require.Equal(t, "solo", machineName("solo"))
}

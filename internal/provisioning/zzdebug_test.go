package provisioning

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	provisioningpb "go.viam.com/api/provisioning/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/viam-labs/machine-agent/internal/storage"
)

func TestDebugProv(t *testing.T) {
	store := storage.NewMemStore()
	srv := New(store, Info{Manufacturer: "viam", Model: "provisioning-test"}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lis, _ := net.Listen("tcp", "127.0.0.1:0")
	port := lis.Addr().(*net.TCPAddr).Port
	lis.Close()

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, port) }()

	time.Sleep(500 * time.Millisecond) // let server come up first

	conn, err := grpc.NewClient(
		fmt.Sprintf("127.0.0.1:%d", port),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	client := provisioningpb.NewProvisioningServiceClient(conn)

	resp, err := client.SetSmartMachineCredentials(ctx, &provisioningpb.SetSmartMachineCredentialsRequest{
		Cloud: &provisioningpb.CloudConfig{Id: "x", Secret: "y"},
	})
	fmt.Println("resp", resp, "err", err)
}

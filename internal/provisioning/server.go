// Package provisioning hands a factory-fresh machine its cloud identity.
//
// When storage holds no credentials the orchestrator runs this server
// instead of serving: it advertises a provisioning mDNS record and exposes
// the ProvisioningService over gRPC on the agent's usual port. A setup
// client on the LAN discovers the record, submits credentials, and the
// server persists them and returns control to the orchestrator. If the
// previous bootstrap cycle failed, its error is reported to status calls
// so the setup client can show the operator why.
package provisioning

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	provisioningpb "go.viam.com/api/provisioning/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/viam-labs/machine-agent/internal/mdnsutil"
	"github.com/viam-labs/machine-agent/internal/storage"
)

// Info identifies the device model to setup clients.
type Info struct {
	Manufacturer string
	Model        string
	FragmentID   string
}

// Server serves one provisioning cycle.
type Server struct {
	provisioningpb.UnimplementedProvisioningServiceServer

	store   storage.Storage
	info    Info
	lastErr error
	logger  *zap.Logger

	mu   sync.Mutex
	done chan struct{}
}

// New builds a provisioning server. lastErr is the failure from the
// previous cycle (nil on first entry) and is relayed to status calls.
func New(store storage.Storage, info Info, lastErr error, logger *zap.Logger) *Server {
	return &Server{
		store:   store,
		info:    info,
		lastErr: lastErr,
		logger:  logger.Named("provisioning"),
		done:    make(chan struct{}),
	}
}

// Run serves until credentials have been accepted or ctx is done. The
// provisioning mDNS record is withdrawn before returning, so discovery
// clients stop seeing the machine as provisionable as soon as it has an
// identity.
func (s *Server) Run(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("provisioning: failed to bind port %d: %w", port, err)
	}
	defer lis.Close()

	// Discovery is best-effort: a host without multicast can still be
	// provisioned by clients that know its address.
	instance := fmt.Sprintf("%s-%s", s.info.Model, s.info.Manufacturer)
	record, err := mdnsutil.Advertise(instance, port, []string{"provisioning="}, nil)
	if err != nil {
		s.logger.Warn("mdns advertise failed, provisioning reachable by address only", zap.Error(err))
	} else {
		defer record.Shutdown()
	}

	gs := grpc.NewServer()
	provisioningpb.RegisterProvisioningServiceServer(gs, s)

	serveErr := make(chan error, 1)
	go func() { serveErr <- gs.Serve(lis) }()

	s.logger.Info("provisioning server up",
		zap.String("instance", instance),
		zap.Int("port", port),
	)

	defer gs.Stop()
	select {
	case <-s.done:
		s.logger.Info("credentials received, leaving provisioning")
		return nil
	case err := <-serveErr:
		return fmt.Errorf("provisioning: grpc server failed: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetSmartMachineCredentials persists the submitted identity and releases
// the provisioning cycle.
func (s *Server) SetSmartMachineCredentials(
	ctx context.Context,
	req *provisioningpb.SetSmartMachineCredentialsRequest,
) (*provisioningpb.SetSmartMachineCredentialsResponse, error) {
	cloud := req.GetCloud()
	if cloud == nil || cloud.GetId() == "" || cloud.GetSecret() == "" {
		return nil, status.Error(codes.InvalidArgument, "credentials require an id and a secret")
	}

	creds := storage.Credentials{
		ID:         cloud.GetId(),
		Secret:     cloud.GetSecret(),
		AppAddress: cloud.GetAppAddress(),
	}
	if err := s.store.StoreCredentials(creds); err != nil {
		s.logger.Error("failed to persist credentials", zap.Error(err))
		return nil, status.Errorf(codes.Internal, "failed to persist credentials: %v", err)
	}

	s.logger.Info("credentials stored", zap.String("robot_id", creds.ID))

	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()

	return &provisioningpb.SetSmartMachineCredentialsResponse{}, nil
}

// GetSmartMachineStatus reports the device identity, credential presence,
// and the previous cycle's failure so setup clients can display it.
func (s *Server) GetSmartMachineStatus(
	ctx context.Context,
	_ *provisioningpb.GetSmartMachineStatusRequest,
) (*provisioningpb.GetSmartMachineStatusResponse, error) {
	resp := &provisioningpb.GetSmartMachineStatusResponse{
		ProvisioningInfo: &provisioningpb.ProvisioningInfo{
			Manufacturer: s.info.Manufacturer,
			Model:        s.info.Model,
			FragmentId:   s.info.FragmentID,
		},
		HasSmartMachineCredentials: s.store.HasCredentials(),
	}
	if s.lastErr != nil {
		resp.Errors = []string{s.lastErr.Error()}
	}
	return resp, nil
}

// Package testutil provides an in-process fake of the control plane for
// tests: the auth service plus the subset of the robot service the agent
// calls. Everything runs over bufconn so tests touch no real network.
package testutil

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	apppb "go.viam.com/api/app/v1"
	rpcpb "go.viam.com/utils/proto/rpc/v1"
	webrtcpb "go.viam.com/utils/proto/rpc/webrtc/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/durationpb"
)

// FakeApp is a scriptable control plane. Fields may be set before Start
// and swapped between calls via the setters (all guarded).
type FakeApp struct {
	apppb.UnimplementedRobotServiceServer
	rpcpb.UnimplementedAuthServiceServer

	mu          sync.Mutex
	authErr     error
	config      *apppb.RobotConfig
	configErr   error
	mustRestart bool
	restartIv   time.Duration

	AuthCalls   atomic.Int32
	ConfigCalls atomic.Int32
	LogCalls    atomic.Int32

	// Signaling, when set before Start, is served alongside the robot
	// service so InitiateSignaling round-trips work in-process.
	Signaling *FakeSignaling

	lis *bufconn.Listener
	gs  *grpc.Server
}

// NewFakeApp returns a fake that authenticates everyone and serves the
// given config.
func NewFakeApp(config *apppb.RobotConfig) *FakeApp {
	return &FakeApp{config: config}
}

// SetAuthErr makes subsequent Authenticate calls fail with err.
func (f *FakeApp) SetAuthErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authErr = err
}

// SetConfig swaps the served config.
func (f *FakeApp) SetConfig(cfg *apppb.RobotConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config = cfg
}

// SetConfigErr makes subsequent Config calls fail with err.
func (f *FakeApp) SetConfigErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configErr = err
}

// SetRestart scripts the NeedsRestart response.
func (f *FakeApp) SetRestart(must bool, interval time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mustRestart = must
	f.restartIv = interval
}

// Start serves the fake and returns gRPC dial options that reach it.
// Callers pass these to cloud.Dial with a plaintext URI.
func (f *FakeApp) Start() []grpc.DialOption {
	f.lis = bufconn.Listen(1 << 20)
	f.gs = grpc.NewServer()
	apppb.RegisterRobotServiceServer(f.gs, f)
	rpcpb.RegisterAuthServiceServer(f.gs, f)
	if f.Signaling != nil {
		webrtcpb.RegisterSignalingServiceServer(f.gs, f.Signaling)
	}
	go f.gs.Serve(f.lis) //nolint:errcheck

	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return f.lis.DialContext(ctx)
		}),
	}
}

// Stop tears the fake down.
func (f *FakeApp) Stop() {
	f.gs.Stop()
}

func (f *FakeApp) Authenticate(ctx context.Context, req *rpcpb.AuthenticateRequest) (*rpcpb.AuthenticateResponse, error) {
	f.AuthCalls.Add(1)
	f.mu.Lock()
	err := f.authErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &rpcpb.AuthenticateResponse{AccessToken: "fake-token"}, nil
}

func (f *FakeApp) Config(ctx context.Context, req *apppb.ConfigRequest) (*apppb.ConfigResponse, error) {
	f.ConfigCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configErr != nil {
		return nil, f.configErr
	}
	return &apppb.ConfigResponse{Config: f.config}, nil
}

func (f *FakeApp) Certificate(ctx context.Context, req *apppb.CertificateRequest) (*apppb.CertificateResponse, error) {
	return &apppb.CertificateResponse{
		Id:             req.Id,
		TlsCertificate: "",
		TlsPrivateKey:  "",
	}, nil
}

func (f *FakeApp) NeedsRestart(ctx context.Context, req *apppb.NeedsRestartRequest) (*apppb.NeedsRestartResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &apppb.NeedsRestartResponse{
		Id:          req.Id,
		MustRestart: f.mustRestart,
	}
	if f.restartIv > 0 {
		resp.RestartCheckInterval = durationpb.New(f.restartIv)
	}
	return resp, nil
}

func (f *FakeApp) Log(ctx context.Context, req *apppb.LogRequest) (*apppb.LogResponse, error) {
	f.LogCalls.Add(1)
	return &apppb.LogResponse{}, nil
}

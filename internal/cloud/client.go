// Package cloud is the authenticated request/response channel between the
// agent and the control plane. A Client wraps one gRPC connection to the
// app and carries the access token obtained from the Authenticate call;
// every other operation (config, certificates, restart checks, log upload,
// signaling) rides that channel.
//
// At most one Client exists per bootstrap epoch. When the channel dies the
// periodic tasks consuming it error out, the epoch ends, and the
// orchestrator dials a fresh Client.
package cloud

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"
	apppb "go.viam.com/api/app/v1"
	commonpb "go.viam.com/api/common/v1"
	rpcpb "go.viam.com/utils/proto/rpc/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/viam-labs/machine-agent/internal/storage"
)

// credentialType is the credential type presented to the auth service for
// machines holding a robot secret.
const credentialType = "robot-secret"

// Client is the authenticated channel to the control plane.
type Client struct {
	conn   *grpc.ClientConn
	creds  storage.Credentials
	token  string
	robot  apppb.RobotServiceClient
	logger *zap.Logger
}

// Dial opens the gRPC channel to the app URI. https URIs get TLS transport
// credentials; anything else is dialed in plaintext (tests, local
// development). Non-http(s) URIs pass through to gRPC untouched so tests
// can hand a passthrough target together with a bufconn dialer in extra.
func Dial(appURI string, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	u, err := url.Parse(appURI)
	if err != nil {
		return nil, fmt.Errorf("cloud: invalid app uri %q: %w", appURI, err)
	}

	target := appURI
	opts := make([]grpc.DialOption, 0, 1+len(extra))
	switch u.Scheme {
	case "https":
		target = u.Host
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	case "http":
		target = u.Host
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	default:
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("cloud: dial %s failed: %w", target, err)
	}
	return conn, nil
}

// NewClient authenticates against the control plane over an established
// connection and returns the ready-to-use client. An explicit
// PERMISSION_DENIED/UNAUTHENTICATED from the auth service surfaces as-is
// so the caller can detect credential rejection.
func NewClient(ctx context.Context, conn *grpc.ClientConn, creds storage.Credentials, logger *zap.Logger) (*Client, error) {
	auth := rpcpb.NewAuthServiceClient(conn)
	resp, err := auth.Authenticate(ctx, &rpcpb.AuthenticateRequest{
		Entity: creds.ID,
		Credentials: &rpcpb.Credentials{
			Type:    credentialType,
			Payload: creds.Secret,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cloud: authenticate failed: %w", err)
	}

	return &Client{
		conn:   conn,
		creds:  creds,
		token:  resp.AccessToken,
		robot:  apppb.NewRobotServiceClient(conn),
		logger: logger.Named("cloud"),
	}, nil
}

// authCtx attaches the bearer token to an outgoing RPC, the same way the
// app's own clients do.
func (c *Client) authCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}

// RobotID returns the machine's cloud identity.
func (c *Client) RobotID() string { return c.creds.ID }

// Close tears down the underlying channel. Periodic tasks holding this
// client will fail on their next call and terminate.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Config fetches the machine's cloud configuration. The returned time is
// when the response was received — platforms with no hardware clock use it
// to set time-of-day before validating any server certificate.
func (c *Client) Config(ctx context.Context, ip net.IP) (*apppb.ConfigResponse, time.Time, error) {
	info := &apppb.AgentInfo{
		Os:      runtime.GOOS,
		Version: "machine-agent",
	}
	if host, err := os.Hostname(); err == nil {
		info.Host = host
	}
	if ip != nil {
		info.Ips = []string{ip.String()}
	}

	resp, err := c.robot.Config(c.authCtx(ctx), &apppb.ConfigRequest{
		Id:        c.creds.ID,
		AgentInfo: info,
	})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("cloud: config fetch failed: %w", err)
	}
	return resp, time.Now().UTC(), nil
}

// Certificates fetches the cloud-issued TLS certificate and key (PEM).
func (c *Client) Certificates(ctx context.Context) (certPEM, keyPEM string, err error) {
	resp, err := c.robot.Certificate(c.authCtx(ctx), &apppb.CertificateRequest{Id: c.creds.ID})
	if err != nil {
		return "", "", fmt.Errorf("cloud: certificate fetch failed: %w", err)
	}
	return resp.TlsCertificate, resp.TlsPrivateKey, nil
}

// CheckRestart asks the cloud whether the machine should restart now.
// When it should not, next carries the interval the cloud wants before the
// following check (nil when the cloud leaves the cadence to the caller).
func (c *Client) CheckRestart(ctx context.Context) (restart bool, next *time.Duration, err error) {
	resp, err := c.robot.NeedsRestart(c.authCtx(ctx), &apppb.NeedsRestartRequest{Id: c.creds.ID})
	if err != nil {
		return false, nil, fmt.Errorf("cloud: restart check failed: %w", err)
	}
	if resp.MustRestart {
		return true, nil, nil
	}
	if iv := resp.RestartCheckInterval; iv != nil {
		if d := iv.AsDuration(); d > 0 {
			return false, &d, nil
		}
	}
	return false, nil, nil
}

// UploadLogs ships buffered log entries to the cloud.
func (c *Client) UploadLogs(ctx context.Context, entries []*commonpb.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := c.robot.Log(c.authCtx(ctx), &apppb.LogRequest{
		Id:   c.creds.ID,
		Logs: entries,
	})
	if err != nil {
		return fmt.Errorf("cloud: log upload failed: %w", err)
	}
	return nil
}

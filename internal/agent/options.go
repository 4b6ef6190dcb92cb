package agent

import (
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"google.golang.org/grpc"

	"github.com/viam-labs/machine-agent/internal/monitor"
	"github.com/viam-labs/machine-agent/internal/provisioning"
	"github.com/viam-labs/machine-agent/internal/webrtcconn"
)

const (
	defaultPort   = 12346
	defaultAppURI = "https://app.viam.com:443"
)

type options struct {
	port          int
	insecure      bool
	appURI        string
	maxConns      int
	localPriority uint32
	provisioning  provisioning.Info
	webrtc        *webrtcconn.Config
	restart       func()
	clk           clock.Clock
	dialOpts      []grpc.DialOption
	logBuffer     *monitor.LogBuffer
	ip            net.IP
	timeHook      func(time.Time)
}

func defaultOptions() options {
	return options{
		port:     defaultPort,
		insecure: true,
		appURI:   defaultAppURI,
		maxConns: 1,
		clk:      clock.New(),
		timeHook: func(time.Time) {},
	}
}

// Option customizes the agent at build time.
type Option func(*options)

// WithPort sets the local HTTP/2 listener port.
func WithPort(port int) Option {
	return func(o *options) { o.port = port }
}

// WithInsecure controls whether the local listener uses the cloud-issued
// TLS certificate (false) or plaintext (true, the default).
func WithInsecure(insecure bool) Option {
	return func(o *options) { o.insecure = insecure }
}

// WithAppURI overrides the control plane address. Credentials carrying
// their own app address win over this.
func WithAppURI(uri string) Option {
	return func(o *options) { o.appURI = uri }
}

// WithMaxConcurrentConnections bounds the peer connection pool. Must be
// at least 1.
func WithMaxConcurrentConnections(n int) Option {
	return func(o *options) { o.maxConns = n }
}

// WithLocalPriority overrides the slot priority of local connections.
// The default makes them un-evictable.
func WithLocalPriority(prio uint32) Option {
	return func(o *options) { o.localPriority = prio }
}

// WithProvisioningInfo identifies the device to provisioning clients.
func WithProvisioningInfo(info provisioning.Info) Option {
	return func(o *options) { o.provisioning = info }
}

// WithWebRTC enables WebRTC serving. Without it no signaling is started
// and the accept loop serves local connections only.
func WithWebRTC(cfg *webrtcconn.Config) Option {
	return func(o *options) { o.webrtc = cfg }
}

// WithRestartHook sets the platform restart primitive. The hook must not
// return; the default exits the process.
func WithRestartHook(restart func()) Option {
	return func(o *options) { o.restart = restart }
}

// WithClock injects the clock driving periodic tasks. Tests pass a mock.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clk = clk }
}

// WithDialOptions appends gRPC dial options for the cloud channel. Tests
// use this to route the agent at an in-process fake.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOpts = append(o.dialOpts, opts...) }
}

// WithLogBuffer enables cloud log upload from the given buffer.
func WithLogBuffer(buf *monitor.LogBuffer) Option {
	return func(o *options) { o.logBuffer = buf }
}

// WithIP pins the machine's advertised IP instead of auto-detection.
func WithIP(ip net.IP) Option {
	return func(o *options) { o.ip = ip }
}

// WithTimeHook receives the config response's receive time on each
// successful fetch. Platforms with no hardware clock use it to set
// time-of-day before any TLS validation.
func WithTimeHook(hook func(time.Time)) Option {
	return func(o *options) { o.timeHook = hook }
}

// Package agent is the bootstrap orchestrator: the top-level state machine
// taking a machine from cold start to serving.
//
//	Start ── no credentials ──→ Provision ──→ Start
//	  │
//	  ├─ validate credentials against the cloud
//	  │    ├─ ok ──────────────────────────→ Serve (one epoch)
//	  │    ├─ PERMISSION_DENIED/UNAUTHENTICATED
//	  │    │      → wipe credentials + config → Provision
//	  │    └─ transient error → wait 3 s → retry
//	  │
//	  Serve: fetch config (cached fallback), fetch certs, advertise mDNS,
//	  run the periodic tasks and the accept loop; when the epoch ends,
//	  reconnect.
//
// One epoch owns exactly one cloud client; every periodic task borrows it
// and the client is closed only after the epoch has fully unwound.
package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	apppb "go.viam.com/api/app/v1"

	"github.com/viam-labs/machine-agent/internal/cloud"
	"github.com/viam-labs/machine-agent/internal/connmgr"
	"github.com/viam-labs/machine-agent/internal/mdnsutil"
	"github.com/viam-labs/machine-agent/internal/monitor"
	"github.com/viam-labs/machine-agent/internal/periodic"
	"github.com/viam-labs/machine-agent/internal/provisioning"
	"github.com/viam-labs/machine-agent/internal/robot"
	"github.com/viam-labs/machine-agent/internal/server"
	"github.com/viam-labs/machine-agent/internal/signaling"
	"github.com/viam-labs/machine-agent/internal/storage"
)

// validateRetryDelay is the pause between credential-validation attempts
// when the cloud is unreachable.
const validateRetryDelay = 3 * time.Second

// offlineProbePeriod is how often an offline epoch re-tries the config
// fetch to detect the cloud coming back.
const offlineProbePeriod = 15 * time.Second

// Agent is the orchestrator. Build one with New and drive it with Run.
type Agent struct {
	store  storage.Storage
	opts   options
	logger *zap.Logger

	// lastErr is the previous bootstrap failure, relayed to the next
	// provisioning client.
	lastErr error
}

// New builds an agent over the given storage. A max-connections bound
// below 1 is a programmer error.
func New(store storage.Storage, logger *zap.Logger, opts ...Option) *Agent {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxConns < 1 {
		panic("agent: max concurrent connections must be >= 1")
	}
	if o.restart == nil {
		o.restart = defaultRestart(logger)
	}
	return &Agent{
		store:  store,
		opts:   o,
		logger: logger.Named("agent"),
	}
}

// Run drives the bootstrap state machine until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if !a.store.HasCredentials() {
			if err := a.provision(ctx); err != nil {
				return err
			}
			continue
		}

		client, err := a.validate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Credential rejection: storage was wiped inside validate;
			// the next turn of the loop enters provisioning.
			continue
		}

		a.serveEpoch(ctx, client)
		client.Close()
	}
	return ctx.Err()
}

// provision runs provisioning cycles until credentials land in storage.
// Each failed cycle's error is kept so the next cycle can report it.
func (a *Agent) provision(ctx context.Context) error {
	a.logger.Warn("no credentials in storage, entering provisioning")
	for {
		srv := provisioning.New(a.store, a.opts.provisioning, a.lastErr, a.logger)
		err := srv.Run(ctx, a.opts.port)
		if err == nil {
			a.lastErr = nil
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.lastErr = err
		a.logger.Error("provisioning cycle failed, retrying", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.opts.clk.After(time.Second):
		}
	}
}

// validate proves the stored credentials against the cloud and returns a
// ready client. Transient failures retry every 3 s; an explicit rejection
// wipes credentials and config and returns the rejection.
func (a *Agent) validate(ctx context.Context) (*cloud.Client, error) {
	creds, err := a.store.GetCredentials()
	if err != nil {
		return nil, err
	}

	appURI := a.opts.appURI
	if creds.AppAddress != "" {
		appURI = creds.AppAddress
	}

	a.logger.Info("validating stored credentials", zap.String("app", appURI))

	var client *cloud.Client
	attempt := func() error {
		conn, err := cloud.Dial(appURI, a.opts.dialOpts...)
		if err != nil {
			return err
		}
		c, err := cloud.NewClient(ctx, conn, creds, a.logger)
		if err != nil {
			conn.Close()
			if cloud.IsCredentialRejection(err) {
				return backoff.Permanent(err)
			}
			a.logger.Info("credential validation failed, will retry", zap.Error(err))
			return err
		}
		client = c
		return nil
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(validateRetryDelay), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		if cloud.IsCredentialRejection(err) {
			a.logger.Warn("credentials rejected by cloud, wiping cached state", zap.Error(err))
			if rerr := a.store.ResetCredentials(); rerr != nil {
				a.logger.Error("failed to reset credentials", zap.Error(rerr))
			}
			if rerr := a.store.ResetConfig(); rerr != nil {
				a.logger.Error("failed to reset config", zap.Error(rerr))
			}
			a.lastErr = err
		}
		return nil, err
	}

	a.logger.Info("credentials validated")
	return client, nil
}

// serveEpoch runs one serving epoch over a validated client: config,
// certs, mDNS, periodic tasks, accept loop. It returns when the epoch
// ends (cloud link lost, listener failure, or ctx done); the caller
// reconnects.
func (a *Agent) serveEpoch(ctx context.Context, client *cloud.Client) {
	creds, err := a.store.GetCredentials()
	if err != nil {
		a.logger.Error("credentials disappeared mid-bootstrap", zap.Error(err))
		return
	}

	ip := a.opts.ip
	if ip == nil {
		ip = localIP()
	}

	// Config: the cloud copy when reachable, the cached copy otherwise.
	online := true
	var robotCfg *apppb.RobotConfig
	cfgResp, receivedAt, err := client.Config(ctx, ip)
	if err != nil {
		online = false
		a.logger.Error("config fetch failed, falling back to cached config", zap.Error(err))
		if cached, cerr := a.store.GetConfig(); cerr == nil {
			robotCfg = cached
		}
	} else {
		robotCfg = cfgResp.GetConfig()
		a.opts.timeHook(receivedAt)
		// Cache for the next offline start.
		if robotCfg != nil {
			if serr := a.store.StoreConfig(robotCfg); serr != nil {
				a.logger.Warn("failed to cache config", zap.Error(serr))
			}
		}
	}

	cloudCfg := robotCfg.GetCloud()
	rpcHost := cloudCfg.GetFqdn()
	name := machineName(cloudCfg.GetLocalFqdn())

	r := robot.FromConfig(creds.ID, robotCfg)
	a.logger.Info("serving machine",
		zap.String("name", name),
		zap.Bool("online", online),
		zap.Int("components", len(r.ResourceNames())),
	)

	// Certificates: only needed for a secure local listener, only
	// available online.
	var tlsCert *tls.Certificate
	if !a.opts.insecure {
		if !online {
			a.logger.Warn("offline and secure listener configured, serving without local listener certs")
		} else if cert, cerr := a.fetchCert(ctx, client); cerr != nil {
			a.logger.Error("certificate fetch failed", zap.Error(cerr))
		} else {
			tlsCert = cert
		}
	}

	// mDNS records exist only once a cloud config is known.
	if cloudCfg != nil {
		for _, fqdn := range []string{cloudCfg.GetLocalFqdn(), cloudCfg.GetFqdn()} {
			if fqdn == "" {
				continue
			}
			rec, merr := mdnsutil.Advertise(fqdn, a.opts.port, []string{"grpc="}, ip)
			if merr != nil {
				a.logger.Warn("mdns advertise failed", zap.String("fqdn", fqdn), zap.Error(merr))
				continue
			}
			defer rec.Shutdown()
		}
	}

	// Signaling is only wired when WebRTC is configured and the cloud
	// gave us a routable host this epoch.
	var bridge *signaling.Bridge
	if a.opts.webrtc != nil && online && rpcHost != "" {
		bridge = signaling.NewBridge()
	}

	tasks := []periodic.Task{
		monitor.NewRestartMonitor(a.opts.restart, a.logger),
		monitor.NewConfigMonitor(a.store, robotCfg, a.opts.restart, a.logger),
	}
	if a.opts.logBuffer != nil {
		tasks = append(tasks, monitor.NewLogUploadTask(a.opts.logBuffer))
	}
	if bridge != nil {
		tasks = append(tasks, server.NewSignalingTask(bridge, rpcHost, a.logger))
	}

	mgr := connmgr.New(a.opts.maxConns, a.logger)
	srv := server.New(
		server.Config{
			Port:          a.opts.port,
			Insecure:      a.opts.insecure,
			LocalPriority: a.opts.localPriority,
		},
		r, mgr, tlsCert, bridge, a.opts.webrtc, a.logger,
	)

	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	if online {
		runner := periodic.New(tasks, a.opts.clk, a.logger)
		go func() {
			runner.Run(epochCtx, client)
			// All tasks have died — the usual sign the cloud channel is
			// gone. End the epoch so the orchestrator reconnects.
			errCh <- fmt.Errorf("agent: periodic tasks terminated")
		}()
	} else {
		go func() { errCh <- a.probeCloud(epochCtx, client, ip) }()
	}
	go func() { errCh <- srv.Serve(epochCtx) }()

	err = <-errCh
	cancel()
	<-errCh

	if bridge != nil {
		bridge.Close()
	}
	if err != nil && ctx.Err() == nil {
		a.logger.Info("serving epoch ended, reconnecting", zap.Error(err))
	}
}

// probeCloud drives an offline epoch: periodically re-try the config
// fetch and end the epoch once the cloud answers, so the next epoch comes
// up online with signaling.
func (a *Agent) probeCloud(ctx context.Context, client *cloud.Client, ip net.IP) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.opts.clk.After(offlineProbePeriod):
		}
		if _, _, err := client.Config(ctx, ip); err == nil {
			a.logger.Info("cloud reachable again, restarting epoch online")
			return nil
		}
	}
}

func (a *Agent) fetchCert(ctx context.Context, client *cloud.Client) (*tls.Certificate, error) {
	certPEM, keyPEM, err := client.Certificates(ctx)
	if err != nil {
		return nil, err
	}
	pair, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("agent: cloud issued an unusable certificate: %w", err)
	}
	return &pair, nil
}

// machineName is the first dot-separated label of the local fqdn.
func machineName(localFqdn string) string {
	name, _, _ := strings.Cut(localFqdn, ".")
	return name
}

// localIP finds a non-loopback IPv4 for mDNS and agent-info reporting.
func localIP() net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4
		}
	}
	return nil
}

func defaultRestart(logger *zap.Logger) func() {
	return func() {
		logger.Sync() //nolint:errcheck
		os.Exit(0)
	}
}

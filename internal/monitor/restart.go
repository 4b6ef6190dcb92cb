// Package monitor holds the concrete periodic cloud-facing tasks: the
// restart monitor, the config monitor, and the log uploader. All three
// implement periodic.Task and run under the orchestrator's task runner.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/viam-labs/machine-agent/internal/cloud"
)

// restartCheckPeriod is how often the cloud is asked whether this machine
// should restart, unless the cloud dictates its own cadence.
const restartCheckPeriod = 5 * time.Second

// RestartMonitor polls the cloud for restart requests. The restart hook
// does not return — on Unix hosts it exits the process, on SoCs it resets
// the chip — so nothing downstream of Invoke may depend on continuing.
type RestartMonitor struct {
	restart func()
	logger  *zap.Logger
}

// NewRestartMonitor wires the platform restart hook.
func NewRestartMonitor(restart func(), logger *zap.Logger) *RestartMonitor {
	return &RestartMonitor{
		restart: restart,
		logger:  logger.Named("restart-monitor"),
	}
}

func (m *RestartMonitor) Name() string { return "restart-monitor" }

func (m *RestartMonitor) DefaultPeriod() time.Duration { return restartCheckPeriod }

func (m *RestartMonitor) Invoke(ctx context.Context, client *cloud.Client) (*time.Duration, error) {
	restart, next, err := client.CheckRestart(ctx)
	if err != nil {
		return nil, err
	}
	if restart {
		m.logger.Warn("restart requested by cloud, restarting now")
		m.restart()
	}
	return next, nil
}

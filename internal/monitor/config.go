package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"
	apppb "go.viam.com/api/app/v1"
	"google.golang.org/protobuf/proto"

	"github.com/viam-labs/machine-agent/internal/cloud"
	"github.com/viam-labs/machine-agent/internal/storage"
)

// configCheckPeriod sits inside the 10–30 s window the cloud tolerates for
// config polling.
const configCheckPeriod = 15 * time.Second

// ConfigMonitor watches for cloud-side config changes. On a change it
// persists the new config and invokes the restart hook — the next
// bootstrap builds the robot from the fresh config. Comparison is by proto
// equality against the config this epoch booted with.
type ConfigMonitor struct {
	store   storage.Storage
	current *apppb.RobotConfig
	restart func()
	logger  *zap.Logger
}

// NewConfigMonitor starts watching against the config the current epoch
// was built from (may be nil when booting with no config at all).
func NewConfigMonitor(store storage.Storage, current *apppb.RobotConfig, restart func(), logger *zap.Logger) *ConfigMonitor {
	return &ConfigMonitor{
		store:   store,
		current: current,
		restart: restart,
		logger:  logger.Named("config-monitor"),
	}
}

func (m *ConfigMonitor) Name() string { return "config-monitor" }

func (m *ConfigMonitor) DefaultPeriod() time.Duration { return configCheckPeriod }

func (m *ConfigMonitor) Invoke(ctx context.Context, client *cloud.Client) (*time.Duration, error) {
	resp, _, err := client.Config(ctx, nil)
	if err != nil {
		return nil, err
	}
	incoming := resp.GetConfig()
	if incoming == nil || proto.Equal(incoming, m.current) {
		return nil, nil
	}

	m.logger.Warn("cloud config changed, persisting and restarting")
	if err := m.store.StoreConfig(incoming); err != nil {
		// Restarting without the cached update would boot the stale
		// config; better to retry next period.
		return nil, err
	}
	m.restart()
	return nil, nil
}

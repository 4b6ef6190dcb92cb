package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	apppb "go.viam.com/api/app/v1"
	commonpb "go.viam.com/api/common/v1"

	"github.com/viam-labs/machine-agent/internal/cloud"
	"github.com/viam-labs/machine-agent/internal/storage"
	"github.com/viam-labs/machine-agent/internal/testutil"
)

func testClient(t *testing.T, app *testutil.FakeApp) *cloud.Client {
	t.Helper()
	opts := app.Start()
	t.Cleanup(app.Stop)

	conn, err := cloud.Dial("passthrough:///fake-app", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	client, err := cloud.NewClient(context.Background(), conn, storage.Credentials{
		ID:     "an-id-test",
		Secret: "a-secret-test",
	}, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestRestartMonitorInvokesHookExactlyOnce(t *testing.T) {
	app := testutil.NewFakeApp(nil)
	app.SetRestart(true, 0)
	client := testClient(t, app)

	restarts := 0
	m := NewRestartMonitor(func() { restarts++ }, zap.NewNop())

	_, err := m.Invoke(context.Background(), client)
	require.NoError(t, err)
	require.Equal(t, 1, restarts)
}

func TestRestartMonitorPropagatesInterval(t *testing.T) {
	app := testutil.NewFakeApp(nil)
	app.SetRestart(false, 42*time.Second)
	client := testClient(t, app)

	m := NewRestartMonitor(func() { t.Fatal("restart hook must not fire") }, zap.NewNop())

	next, err := m.Invoke(context.Background(), client)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, 42*time.Second, *next)
}

func TestConfigMonitorRestartsOnChange(t *testing.T) {
	booted := &apppb.RobotConfig{Cloud: &apppb.CloudConfig{Fqdn: "old.fqdn"}}
	app := testutil.NewFakeApp(booted)
	client := testClient(t, app)

	store := storage.NewMemStore()
	restarts := 0
	m := NewConfigMonitor(store, booted, func() { restarts++ }, zap.NewNop())

	// unchanged config: no restart, nothing persisted
	_, err := m.Invoke(context.Background(), client)
	require.NoError(t, err)
	require.Zero(t, restarts)
	require.False(t, store.HasConfig())

	// changed config: persisted first, then restart
	app.SetConfig(&apppb.RobotConfig{Cloud: &apppb.CloudConfig{Fqdn: "new.fqdn"}})
	_, err = m.Invoke(context.Background(), client)
	require.NoError(t, err)
	require.Equal(t, 1, restarts)
	got, err := store.GetConfig()
	require.NoError(t, err)
	require.Equal(t, "new.fqdn", got.Cloud.Fqdn)
}

func TestLogBufferBoundsAndDrains(t *testing.T) {
	buf := NewLogBuffer()
	for i := 0; i < logBufferCap+10; i++ {
		buf.Append(&commonpb.LogEntry{Message: "m"})
	}
	entries := buf.Drain()
	require.Len(t, entries, logBufferCap)
	require.Empty(t, buf.Drain())
}

func TestLogUploadTaskShipsBuffer(t *testing.T) {
	app := testutil.NewFakeApp(nil)
	client := testClient(t, app)

	buf := NewLogBuffer()
	logger := zap.New(buf.Core())
	logger.Info("hello from the machine")

	tk := NewLogUploadTask(buf)
	_, err := tk.Invoke(context.Background(), client)
	require.NoError(t, err)
	require.EqualValues(t, 1, app.LogCalls.Load())

	// nothing buffered: no RPC
	_, err = tk.Invoke(context.Background(), client)
	require.NoError(t, err)
	require.EqualValues(t, 1, app.LogCalls.Load())
}

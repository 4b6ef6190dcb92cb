package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTaskRunsToCompletion(t *testing.T) {
	tk := Spawn(context.Background(), "quick", func(ctx context.Context) error {
		return nil
	})
	select {
	case <-tk.Done():
	case <-time.After(time.Second):
		t.Fatal("task never completed")
	}
	require.True(t, tk.Finished())
	require.NoError(t, tk.Err())
}

func TestCancelStopsAtSuspension(t *testing.T) {
	started := make(chan struct{})
	tk := Spawn(context.Background(), "blocked", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	require.False(t, tk.Finished())

	tk.Cancel()
	<-tk.Done()
	require.ErrorIs(t, tk.Err(), context.Canceled)
}

func TestErrRecordsFailure(t *testing.T) {
	boom := errors.New("boom")
	tk := Spawn(context.Background(), "failing", func(ctx context.Context) error {
		return boom
	})
	<-tk.Done()
	require.ErrorIs(t, tk.Err(), boom)
}

func TestParentCancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tk := Spawn(ctx, "child", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()
	select {
	case <-tk.Done():
	case <-time.After(time.Second):
		t.Fatal("parent cancellation did not reach the task")
	}
}

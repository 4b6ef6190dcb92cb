package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	commonpb "go.viam.com/api/common/v1"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/viam-labs/machine-agent/internal/cloud"
)

const (
	logUploadPeriod = 10 * time.Second
	// logBufferCap bounds memory on constrained devices; the oldest
	// entries are dropped once the buffer is full.
	logBufferCap = 256
)

// LogBuffer accumulates log entries for upload. It doubles as a zapcore
// sink so the agent's own logger feeds it without any extra plumbing:
// build the process logger with zapcore.NewTee(console, buffer.Core()).
type LogBuffer struct {
	mu      sync.Mutex
	entries []*commonpb.LogEntry
	dropped int
}

// NewLogBuffer returns an empty buffer.
func NewLogBuffer() *LogBuffer {
	return &LogBuffer{}
}

// Append adds one entry, dropping the oldest when full.
func (b *LogBuffer) Append(entry *commonpb.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= logBufferCap {
		b.entries = b.entries[1:]
		b.dropped++
	}
	b.entries = append(b.entries, entry)
}

// Drain removes and returns everything buffered so far.
func (b *LogBuffer) Drain() []*commonpb.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries
	b.entries = nil
	b.dropped = 0
	return out
}

// Core returns a zapcore.Core that writes every enabled entry into the
// buffer.
func (b *LogBuffer) Core() zapcore.Core {
	return &bufferCore{buf: b, enab: zap.InfoLevel}
}

type bufferCore struct {
	buf    *LogBuffer
	enab   zapcore.LevelEnabler
	fields []zapcore.Field
}

func (c *bufferCore) Enabled(lvl zapcore.Level) bool { return c.enab.Enabled(lvl) }

func (c *bufferCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(clone.fields[:len(clone.fields):len(clone.fields)], fields...)
	return &clone
}

func (c *bufferCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *bufferCore) Write(ent zapcore.Entry, _ []zapcore.Field) error {
	caller, _ := structpb.NewStruct(map[string]interface{}{"path": ent.Caller.TrimmedPath()})
	c.buf.Append(&commonpb.LogEntry{
		LoggerName: ent.LoggerName,
		Level:      ent.Level.String(),
		Time:       timestamppb.New(ent.Time),
		Message:    ent.Message,
		Caller:     caller,
	})
	return nil
}

func (c *bufferCore) Sync() error { return nil }

// LogUploadTask ships the buffer to the cloud on each tick. Entries that
// fail to upload go back to the front of the buffer so a flaky link loses
// nothing up to the buffer bound.
type LogUploadTask struct {
	buf *LogBuffer
}

// NewLogUploadTask drains buf on each round.
func NewLogUploadTask(buf *LogBuffer) *LogUploadTask {
	return &LogUploadTask{buf: buf}
}

func (t *LogUploadTask) Name() string { return "log-upload" }

func (t *LogUploadTask) DefaultPeriod() time.Duration { return logUploadPeriod }

func (t *LogUploadTask) Invoke(ctx context.Context, client *cloud.Client) (*time.Duration, error) {
	entries := t.buf.Drain()
	if len(entries) == 0 {
		return nil, nil
	}
	if err := client.UploadLogs(ctx, entries); err != nil {
		t.buf.requeue(entries)
		return nil, err
	}
	return nil, nil
}

// requeue puts entries that failed to upload back at the front, keeping
// the buffer bound.
func (b *LogBuffer) requeue(entries []*commonpb.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(entries, b.entries...)
	if n := len(b.entries) - logBufferCap; n > 0 {
		b.entries = b.entries[n:]
	}
}

package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/siteaudit/audit-pipeline/internal/progress"
)

func TestLogSink_EmitsOneLinePerEvent(t *testing.T) {
	t.Parallel()

	core, observed := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	batch := []progress.Event{
		{JobID: "job-1", TS: time.Now(), Stage: progress.StageJobStart},
		{JobID: "job-1", TS: time.Now(), Stage: progress.StageItemDone, URL: "https://example.com"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 2, observed.Len())

	entry := observed.All()[1]
	require.Equal(t, "progress event", entry.Message)
	fields := entry.ContextMap()
	require.Equal(t, "job-1", fields["job_id"])
	require.Equal(t, string(progress.StageItemDone), fields["stage"])
	require.NoError(t, sink.Close(context.Background()))
}

func TestLogSink_NilLoggerDefaultsToNop(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "job-2", TS: time.Now(), Stage: progress.StageJobDone},
	}))
}

package logging

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmetcoskunkizilkaya/otpgate/internal/models"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/store"
)

func TestBatchHandler_PersistsErrorsOnStop(t *testing.T) {
	st := store.NewMemoryStore()
	h := NewBatchHandler(st, time.Hour, 50)
	logger := slog.New(NewContextHandler(h)).With("role", "student")

	ctx := WithTraceID(context.Background(), "req-1")
	logger.InfoContext(ctx, "ignored")
	logger.ErrorContext(ctx, "account operation failed",
		"account_id", "a1", "action", "login", "error", errors.New("boom"), "latency_ms", 12.6, "shard", 3)

	h.Stop()
	logs := st.Logs()
	require.Len(t, logs, 1)

	l := logs[0]
	assert.Equal(t, "ERROR", l.Level)
	assert.Equal(t, "account operation failed", l.Message)
	assert.Equal(t, "student", l.Role)
	assert.Equal(t, "req-1", l.TraceID)
	require.NotNil(t, l.AccountID)
	assert.Equal(t, "a1", *l.AccountID)
	assert.Equal(t, "login", l.Action)
	assert.Equal(t, "boom", l.Error)
	assert.Equal(t, 13, l.LatencyMs)
	assert.JSONEq(t, `{"shard":3}`, string(l.Extra))
}

func TestBatchHandler_FlushesFullBatch(t *testing.T) {
	st := store.NewMemoryStore()
	h := NewBatchHandler(st, time.Hour, 2)
	defer h.Stop()
	logger := slog.New(h)

	logger.Error("one")
	logger.Error("two")

	assert.Eventually(t, func() bool { return len(st.Logs()) == 2 }, time.Second, 10*time.Millisecond)
}

func TestMultiHandler_FansOut(t *testing.T) {
	a := store.NewMemoryStore()
	b := store.NewMemoryStore()
	ha := NewBatchHandler(a, time.Hour, 50)
	hb := NewBatchHandler(b, time.Hour, 50)

	logger := slog.New(NewMultiHandler(ha, hb))
	logger.Info("below threshold")
	logger.Error("kept")
	ha.Stop()
	hb.Stop()

	assert.Len(t, a.Logs(), 1)
	assert.Len(t, b.Logs(), 1)
}

func TestPurgeOnce(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.WriteLogs(context.Background(), []models.SystemLog{
		{Message: "old", Timestamp: time.Now().Add(-40 * 24 * time.Hour)},
		{Message: "new", Timestamp: time.Now()},
	}))

	PurgeOnce(st, 30*24*time.Hour)

	logs := st.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "new", logs[0].Message)
}

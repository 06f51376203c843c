package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRepositoryBolt(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{Storage: "bolt", BoltPath: filepath.Join(t.TempDir(), "ledger.db")}

	repo, closeRepo, err := openRepository(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer closeRepo()
	assert.NoError(t, repo.Ping(context.Background()))
}

func TestOpenRepositoryUnknown(t *testing.T) {
	_, _, err := openRepository(context.Background(), Config{Storage: "sqlite"}, slog.Default())
	assert.ErrorContains(t, err, "sqlite")
}

func TestSetupLoggerLevels(t *testing.T) {
	ctx := context.Background()
	assert.True(t, setupLogger("debug", "text").Enabled(ctx, slog.LevelDebug))
	assert.False(t, setupLogger("warn", "json").Enabled(ctx, slog.LevelInfo))
	assert.True(t, setupLogger("nonsense", "json").Enabled(ctx, slog.LevelInfo))
}

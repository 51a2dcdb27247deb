package logger

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogger_Levels(t *testing.T) {
	ctx := context.Background()

	local, closer := SetupLogger(envLocal, "")
	assert.True(t, local.Enabled(ctx, slog.LevelDebug))
	assert.NoError(t, closer.Close())

	other, _ := SetupLogger("staging", "")
	assert.False(t, other.Enabled(ctx, slog.LevelDebug))
	assert.True(t, other.Enabled(ctx, slog.LevelInfo))
}

func TestSetupLogger_ProdWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	log, closer := SetupLogger(envProd, path)
	log.Info("reservation allowed", slog.String("category", "forecast"))
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(data, &line))
	assert.Equal(t, "reservation allowed", line["msg"])
	assert.Equal(t, "forecast", line["category"])
}

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_ContextFieldsAreAttached(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{ServiceName: "stock-ledger", Level: zerolog.DebugLevel, Output: &buf})

	ctx := log.WithTenant(context.Background(), "t1")
	ctx = log.WithFields(ctx, map[string]any{"branch": "SANCAK"})
	log.Info(ctx, "stock adjusted")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "stock-ledger", entry["service"])
	assert.Equal(t, "t1", entry["tenant_id"])
	assert.Equal(t, "SANCAK", entry["branch"])
	assert.Equal(t, "stock adjusted", entry["message"])
}

func TestLogger_ErrorIncludesCause(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Output: &buf})

	log.Error(context.Background(), "compensation failed", errors.New("store down"))

	entry := decodeLine(t, &buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "store down", entry["error"])
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: zerolog.WarnLevel, Output: &buf})

	log.Info(context.Background(), "hidden")
	assert.Zero(t, buf.Len())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(" DEBUG "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
}

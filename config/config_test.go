package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.App.HTTPPort)
	assert.Equal(t, []string{"SANCAK", "MERKEZ"}, cfg.App.Branches)
	assert.Equal(t, StoreSQLite, cfg.Store.Kind)
	assert.Equal(t, 5, cfg.Store.TxMaxAttempts)
	assert.Equal(t, 20*time.Millisecond, cfg.Store.TxBackoff)
	assert.True(t, cfg.Saga.PersistIntent)
	assert.Empty(t, cfg.Redis.URL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LEDGER_STORE", "memory")
	t.Setenv("LEDGER_BRANCHES", "SANCAK,CAYYOLU,MERKEZ")
	t.Setenv("LEDGER_TX_MAX_ATTEMPTS", "3")
	t.Setenv("LEDGER_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Store.Kind)
	assert.Equal(t, []string{"SANCAK", "CAYYOLU", "MERKEZ"}, cfg.App.Branches)
	assert.Equal(t, 3, cfg.Store.TxMaxAttempts)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
}

func TestLoad_RejectsUnknownStore(t *testing.T) {
	t.Setenv("LEDGER_STORE", "firestore")

	_, err := Load()
	assert.ErrorContains(t, err, "unknown store")
}

func TestLoad_RejectsNonPositiveSweepInterval(t *testing.T) {
	for _, v := range []string{"0s", "-1m"} {
		t.Setenv("LEDGER_SAGA_SWEEP_INTERVAL", v)

		_, err := Load()
		assert.ErrorContains(t, err, "SAGA_SWEEP_INTERVAL must be positive", v)
	}

	t.Setenv("LEDGER_SAGA_PERSIST_INTENT", "false")
	_, err := Load()
	assert.NoError(t, err, "no sweeper runs without persisted intents")
}

func TestCORSOriginList(t *testing.T) {
	a := AppConfig{CORSOrigins: " http://a , ,http://b"}
	assert.Equal(t, []string{"http://a", "http://b"}, a.CORSOriginList())
}

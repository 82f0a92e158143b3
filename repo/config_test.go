package repo

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWritesDefault(t *testing.T) {
	root := t.TempDir()

	r, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, root, r.Config.RepoRoot)
	assert.FileExists(t, filepath.Join(root, cfgFileName))
	assert.Equal(t, 5, r.Config.RateLimit.SubmitLimit)
	assert.Equal(t, 7*24*time.Hour, r.Config.Submission.Cooldown)
	assert.Equal(t, filepath.Join(root, "data"), r.DataPath())

	// second load reads the file back
	r2, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, r.Config, r2.Config)
}

func TestLoadEnvOverride(t *testing.T) {
	root := t.TempDir()
	_, err := Load(root)
	require.NoError(t, err)

	t.Setenv("TREASURY_HTTP_LISTEN_ADDR", ":9999")
	t.Setenv("TREASURY_LEDGER_MODE", "wallet")
	r, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, ":9999", r.Config.HTTP.ListenAddr)
	assert.Equal(t, "wallet", r.Config.Ledger.Mode)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	root := t.TempDir()
	r, err := Load(root)
	require.NoError(t, err)

	r.Config.Ledger.Pool = "lots"
	require.NoError(t, r.Flush())

	_, err = Load(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.pool")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"zero pool", func(c *Config) { c.Ledger.Pool = "0" }, "ledger.pool"},
		{"negative quorum", func(c *Config) { c.Submission.Quorum = "-1" }, "submission.quorum"},
		{"mode", func(c *Config) { c.Ledger.Mode = "multisig" }, "ledger.mode"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "database.dsn"},
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"contract address", func(c *Config) { c.Chain.ContractAddress = "0x12" }, "chain.contract_address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(t.TempDir())
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	require.NoError(t, DefaultConfig("").Validate())
}

func TestAmounts(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.Ledger.Pool = " 1000000 "
	pool, err := cfg.PoolAmount()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000_000), pool)

	q, err := cfg.QuorumAmount()
	require.NoError(t, err)
	assert.Nil(t, q)

	cfg.Submission.Quorum = "50"
	q, err = cfg.QuorumAmount()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50), q)
}

func TestMarshalConfig(t *testing.T) {
	raw, err := MarshalConfig(DefaultConfig("/tmp/ignored"))
	require.NoError(t, err)
	assert.Contains(t, raw, "[ledger]")
	assert.Contains(t, raw, "mode = 'contract'")
	assert.NotContains(t, raw, "/tmp/ignored")
}

func TestCheckWritable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fresh")
	require.NoError(t, CheckWritable(dir))
	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	require.NoError(t, CheckWritable(dir))
}

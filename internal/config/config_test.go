package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/clob/internal/models"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, uint64(30), cfg.Fees.TakerFeeBps)
	assert.Equal(t, uint64(10), cfg.Fees.MakerFeeBps)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, []models.Pair{{Base: "WETH", Quote: "USDC"}}, cfg.Pairs)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "clob.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
owner: "0xadmin"
fees:
  taker_percent: "0.25"
  maker_percent: "0"
pairs:
  - WETH/USDC
  - WBTC/USDC
kafka:
  brokers: ["localhost:9092"]
`), 0o600))
	t.Setenv("CLOB_FEES_MAKER_PERCENT", "0.05")
	t.Setenv("CLOB_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "0xadmin", cfg.Owner)
	assert.Equal(t, uint64(25), cfg.Fees.TakerFeeBps)
	assert.Equal(t, uint64(5), cfg.Fees.MakerFeeBps, "env overrides the file")
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Len(t, cfg.Pairs, 2)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CLOB_LISTEN_ADDR=:7070\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("CLOB_LISTEN_ADDR") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "FractionalBps", env: map[string]string{"CLOB_FEES_TAKER_PERCENT": "0.305"}},
		{name: "NegativeFee", env: map[string]string{"CLOB_FEES_MAKER_PERCENT": "-0.1"}},
		{name: "NotANumber", env: map[string]string{"CLOB_FEES_MAKER_PERCENT": "ten"}},
		{name: "BadPair", env: map[string]string{"CLOB_PAIRS": "WETHUSDC"}},
		{name: "ZeroTTL", env: map[string]string{"CLOB_AUTH_TOKEN_TTL": "0s"}},
		{name: "ZeroDepth", env: map[string]string{"CLOB_WS_BOOK_DEPTH": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.True(t, errors.Is(err, models.ErrValidation), "got %v", err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestBpsToPercent(t *testing.T) {
	assert.Equal(t, "0.30", BpsToPercent(30))
	assert.Equal(t, "10.00", BpsToPercent(1000))
}

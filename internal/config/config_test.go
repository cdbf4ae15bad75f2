package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/expense-approval/internal/ai"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 0.3, cfg.Decision.AutoApproveThreshold)
	assert.Equal(t, 0.7, cfg.Decision.RejectThreshold)
	assert.Equal(t, 500.0, cfg.Decision.MaxAutoApproveAmount)
	assert.Equal(t, "AgentFin", cfg.Decision.AgentName)
	assert.Equal(t, LedgerSimulated, cfg.Ledger.Mode)
	assert.Equal(t, 24*time.Hour, cfg.Policy.DuplicateWindow)
	assert.Equal(t, time.Minute, cfg.Settlement.RetryInterval)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
decision:
  auto_approve_threshold: 0.25
  max_auto_approve_amount: 250
policy:
  category_caps:
    meals:
      soft: 150
      hard: 400
ledger:
  mode: evm
  rpc_url: http://localhost:8545
  chain_id: 84532
  token_address: "0x0000000000000000000000000000000000000001"
`)
	t.Setenv("LEDGER_PRIVATE_KEY", "deadbeef")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 0.25, cfg.Decision.AutoApproveThreshold)
	assert.Equal(t, "deadbeef", cfg.Ledger.PrivateKey)
	assert.Equal(t, "sk-test", cfg.OpenAI.APIKey)

	cc := cfg.ToContainerConfig()
	assert.Equal(t, int64(25000), cc.Thresholds.MaxAutoApproveCents)
	assert.Equal(t, int64(15000), cc.Policy.CategoryCaps[entity.CategoryMeals].SoftCents)
	assert.Equal(t, int64(40000), cc.Policy.CategoryCaps[entity.CategoryMeals].HardCents)
	assert.Equal(t, ai.DefaultPolicyLimits().CategoryCaps[entity.CategoryTravel], cc.Policy.CategoryCaps[entity.CategoryTravel])
	assert.Equal(t, int64(84532), cc.Ledger.EVM.ChainID)
	assert.NoError(t, cc.Validate())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"thresholds inverted", func(c *Config) { c.Decision.AutoApproveThreshold = 0.8 }, "below"},
		{"threshold out of range", func(c *Config) { c.Decision.RejectThreshold = 1.5 }, "between 0 and 1"},
		{"zero auto-approve amount", func(c *Config) { c.Decision.MaxAutoApproveAmount = 0 }, "positive"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"unknown ledger", func(c *Config) { c.Ledger.Mode = "paper" }, "ledger.mode"},
		{"evm without key", func(c *Config) { c.Ledger.Mode = LedgerEVM; c.Ledger.RPCURL = "http://x" }, "private_key"},
		{"inverted category cap", func(c *Config) {
			c.Policy.CategoryCaps = map[string]CategoryCapConfig{"meals": {Soft: 500, Hard: 100}}
		}, "category_caps.meals"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

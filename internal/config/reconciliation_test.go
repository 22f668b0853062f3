package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestDecodeReconciliationConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reconciliation.yml")
	body := []byte(`
reconciliation:
  batchSize: 25
  checkoutOpenGrace: 30m
  recoveryHoldEnabled: false
  scopes:
    invoices_recent:
      enabled: false
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := decodeReconciliationConfig(v)
	require.NoError(t, err)
	require.Equal(t, 25, cfg.BatchSize)
	require.Equal(t, 30*time.Minute, cfg.CheckoutOpenGrace)
	require.False(t, cfg.RecoveryHoldEnabled)
	require.Equal(t, 24*time.Hour, cfg.ProviderIdempotencyWindow)
	require.False(t, cfg.Scope("invoices_recent").Enabled)
	require.True(t, cfg.Scope("checkout_open").Enabled)
}

func TestValidateReconciliationConfigRejectsBadValues(t *testing.T) {
	cfg := DefaultReconciliationConfig()
	cfg.BatchSize = 0
	if err := ValidateReconciliationConfig(cfg); err == nil {
		t.Fatalf("expected batch size validation error")
	}

	cfg = DefaultReconciliationConfig()
	cfg.Scopes["pending_recent"] = ScopeSchedule{Enabled: true}
	if err := ValidateReconciliationConfig(cfg); err == nil {
		t.Fatalf("expected empty schedule validation error")
	}
}

func TestHolderFallsBackToDefaults(t *testing.T) {
	var holder *ReconciliationConfigHolder
	if got := holder.Get().BatchSize; got != DefaultReconciliationConfig().BatchSize {
		t.Fatalf("expected default batch size, got %d", got)
	}
	static := NewStaticReconciliationConfigHolder(ReconciliationConfig{Provider: "stripe", BatchSize: 7})
	if got := static.Get().BatchSize; got != 7 {
		t.Fatalf("expected static batch size 7, got %d", got)
	}
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ReconciliationConfig tunes the reconciliation scopes. It is hot-reloaded from reconciliation.yml.
type ReconciliationConfig struct {
	Provider                   string                   `mapstructure:"provider"`
	LeaseSeconds               int                      `mapstructure:"leaseSeconds"`
	CheckoutOpenGrace          time.Duration            `mapstructure:"checkoutOpenGrace"`
	CompletedPendingSLA        time.Duration            `mapstructure:"completedPendingSla"`
	RecoveryHoldEnabled        bool                     `mapstructure:"recoveryHoldEnabled"`
	ProviderIdempotencyWindow  time.Duration            `mapstructure:"providerIdempotencyWindow"`
	IdempotencyLeaseStaleAfter time.Duration            `mapstructure:"idempotencyLeaseStaleAfter"`
	InvoiceLookback            time.Duration            `mapstructure:"invoiceLookback"`
	BatchSize                  int                      `mapstructure:"batchSize"`
	MaxReplayAttempts          int                      `mapstructure:"maxReplayAttempts"`
	Scopes                     map[string]ScopeSchedule `mapstructure:"scopes"`
}

// ScopeSchedule controls how the scheduler fires one reconciliation scope.
type ScopeSchedule struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func DefaultReconciliationConfig() ReconciliationConfig {
	return ReconciliationConfig{
		Provider:                   "stripe",
		LeaseSeconds:               300,
		CheckoutOpenGrace:          15 * time.Minute,
		CompletedPendingSLA:        10 * time.Minute,
		RecoveryHoldEnabled:        true,
		ProviderIdempotencyWindow:  24 * time.Hour,
		IdempotencyLeaseStaleAfter: 2 * time.Minute,
		InvoiceLookback:            30 * 24 * time.Hour,
		BatchSize:                  100,
		MaxReplayAttempts:          5,
		Scopes: map[string]ScopeSchedule{
			"checkout_open":                  {Enabled: true, Schedule: "@every 5m", Timeout: 2 * time.Minute},
			"checkout_completed_pending":     {Enabled: true, Schedule: "@every 5m", Timeout: 2 * time.Minute},
			"checkout_recovery_verification": {Enabled: true, Schedule: "@every 10m", Timeout: 2 * time.Minute},
			"pending_recent":                 {Enabled: true, Schedule: "@every 2m", Timeout: 2 * time.Minute},
			"subscriptions_active":           {Enabled: true, Schedule: "@every 1h", Timeout: 10 * time.Minute},
			"invoices_recent":                {Enabled: true, Schedule: "@every 1h", Timeout: 10 * time.Minute},
		},
	}
}

// Scope returns the schedule for name, or a disabled zero value.
func (c ReconciliationConfig) Scope(name string) ScopeSchedule {
	if c.Scopes == nil {
		return ScopeSchedule{}
	}
	return c.Scopes[name]
}

type ReconciliationConfigHolder struct {
	current atomic.Value // holds ReconciliationConfig
}

// NewStaticReconciliationConfigHolder wraps a fixed configuration without file watching.
func NewStaticReconciliationConfigHolder(cfg ReconciliationConfig) *ReconciliationConfigHolder {
	holder := &ReconciliationConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewReconciliationConfigHolder(log *zap.Logger) (*ReconciliationConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.reconciliation")

	v := viper.New()
	v.SetConfigName("reconciliation")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/billsync/config")
	v.AddConfigPath("/etc/billsync")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BILLSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path := strings.TrimSpace(v.GetString("reconciliation_config")); path != "" {
		v.SetConfigFile(path)
	}

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := decodeReconciliationConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticReconciliationConfigHolder(cfg)
	if !fileLoaded {
		log.Info("reconciliation config file not found, using defaults")
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeReconciliationConfig(v)
		if err != nil {
			log.Warn("reconciliation config reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reconciliation config reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func (h *ReconciliationConfigHolder) Get() ReconciliationConfig {
	if h == nil {
		return DefaultReconciliationConfig()
	}
	cfg, ok := h.current.Load().(ReconciliationConfig)
	if !ok {
		return DefaultReconciliationConfig()
	}
	return cfg
}

func decodeReconciliationConfig(v *viper.Viper) (ReconciliationConfig, error) {
	cfg := DefaultReconciliationConfig()
	if err := v.UnmarshalKey("reconciliation", &cfg); err != nil {
		return ReconciliationConfig{}, err
	}
	if err := ValidateReconciliationConfig(cfg); err != nil {
		return ReconciliationConfig{}, err
	}
	return cfg, nil
}

func ValidateReconciliationConfig(cfg ReconciliationConfig) error {
	if strings.TrimSpace(cfg.Provider) == "" {
		return errors.New("reconciliation.provider cannot be empty")
	}
	if cfg.LeaseSeconds <= 0 {
		return errors.New("reconciliation.leaseSeconds must be positive")
	}
	if cfg.BatchSize <= 0 {
		return errors.New("reconciliation.batchSize must be positive")
	}
	if cfg.CheckoutOpenGrace < 0 || cfg.CompletedPendingSLA < 0 || cfg.ProviderIdempotencyWindow < 0 {
		return errors.New("reconciliation windows cannot be negative")
	}
	if cfg.InvoiceLookback <= 0 {
		return errors.New("reconciliation.invoiceLookback must be positive")
	}
	for name, scope := range cfg.Scopes {
		if scope.Enabled && strings.TrimSpace(scope.Schedule) == "" {
			return fmt.Errorf("reconciliation.scopes.%s.schedule cannot be empty", name)
		}
	}
	return nil
}

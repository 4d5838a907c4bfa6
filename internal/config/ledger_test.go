package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestLoadLedgerConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		viper.Reset()

		cfg := LoadLedgerConfig()

		assert.Equal(t, 5*time.Second, cfg.LockTimeout)
		assert.Equal(t, 3, cfg.RetryAttempts)
		assert.Equal(t, []string{"THB", "USDT"}, cfg.SupportedCurrencies)
		assert.True(t, cfg.FXBaseRate.Equal(decimal.RequireFromString("34.50")))
		assert.True(t, cfg.FXSpread.Equal(decimal.RequireFromString("0.005")))
		assert.Equal(t, 5, cfg.CommissionMaxDepth)
		assert.True(t, cfg.CommissionDefaultRate.Equal(decimal.RequireFromString("0.05")))
		assert.Equal(t, 72*time.Hour, cfg.CommissionSettlementWindow)
	})

	t.Run("overrides", func(t *testing.T) {
		viper.Reset()
		viper.Set("commission.max_depth", 3)
		viper.Set("commission.default_rate", "0")
		viper.Set("ledger.supported_currencies", " thb , usdt,")
		viper.Set("ledger.lock_timeout", "750ms")

		cfg := LoadLedgerConfig()

		assert.Equal(t, 3, cfg.CommissionMaxDepth)
		assert.True(t, cfg.CommissionDefaultRate.IsZero())
		assert.Equal(t, []string{"THB", "USDT"}, cfg.SupportedCurrencies)
		assert.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
	})

	t.Run("invalid decimal falls back to zero", func(t *testing.T) {
		viper.Reset()
		viper.Set("fx.spread", "half a percent")

		cfg := LoadLedgerConfig()

		assert.True(t, cfg.FXSpread.IsZero())
	})
}

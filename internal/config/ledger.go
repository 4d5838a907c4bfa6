package config

import (
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// LedgerConfig holds wallet ledger, exchange and commission settings
type LedgerConfig struct {
	LockTimeout         time.Duration
	RetryAttempts       int
	RetryBaseDelay      time.Duration
	ReserveAccountID    string
	SupportedCurrencies []string

	FXBaseRate decimal.Decimal
	FXSpread   decimal.Decimal
	FXJitter   decimal.Decimal
	FXQuoteTTL time.Duration

	CommissionMaxDepth         int
	CommissionDefaultRate      decimal.Decimal
	CommissionBudget           time.Duration
	CommissionSettlementWindow time.Duration
	CommissionWorkers          int

	PayoutDebtorBIC string
}

// LoadLedgerConfig returns ledger configuration with defaults
func LoadLedgerConfig() *LedgerConfig {
	viper.SetDefault("ledger.lock_timeout", 5*time.Second)
	viper.SetDefault("ledger.retry_attempts", 3)
	viper.SetDefault("ledger.retry_base_delay", 50*time.Millisecond)
	viper.SetDefault("ledger.reserve_account_id", "system-reserve")
	viper.SetDefault("ledger.supported_currencies", "THB,USDT")

	viper.SetDefault("fx.base_rate", "34.50")
	viper.SetDefault("fx.spread", "0.005")
	viper.SetDefault("fx.jitter", "0.05")
	viper.SetDefault("fx.quote_ttl", 30*time.Second)

	viper.SetDefault("commission.max_depth", 5)
	viper.SetDefault("commission.default_rate", "0.05")
	viper.SetDefault("commission.budget", 10*time.Second)
	viper.SetDefault("commission.settlement_window", 72*time.Hour)
	viper.SetDefault("commission.workers", 4)

	viper.SetDefault("payout.debtor_bic", "WALLETTH")

	return &LedgerConfig{
		LockTimeout:         viper.GetDuration("ledger.lock_timeout"),
		RetryAttempts:       viper.GetInt("ledger.retry_attempts"),
		RetryBaseDelay:      viper.GetDuration("ledger.retry_base_delay"),
		ReserveAccountID:    viper.GetString("ledger.reserve_account_id"),
		SupportedCurrencies: splitList(viper.GetString("ledger.supported_currencies")),

		FXBaseRate: getDecimal("fx.base_rate"),
		FXSpread:   getDecimal("fx.spread"),
		FXJitter:   getDecimal("fx.jitter"),
		FXQuoteTTL: viper.GetDuration("fx.quote_ttl"),

		CommissionMaxDepth:         viper.GetInt("commission.max_depth"),
		CommissionDefaultRate:      getDecimal("commission.default_rate"),
		CommissionBudget:           viper.GetDuration("commission.budget"),
		CommissionSettlementWindow: viper.GetDuration("commission.settlement_window"),
		CommissionWorkers:          viper.GetInt("commission.workers"),

		PayoutDebtorBIC: viper.GetString("payout.debtor_bic"),
	}
}

// BindEnv maps the ledger keys onto environment variables
func BindEnv() {
	viper.BindEnv("ledger.lock_timeout", "LEDGER_LOCK_TIMEOUT")
	viper.BindEnv("ledger.retry_attempts", "LEDGER_RETRY_ATTEMPTS")
	viper.BindEnv("ledger.retry_base_delay", "LEDGER_RETRY_BASE_DELAY")
	viper.BindEnv("ledger.reserve_account_id", "LEDGER_RESERVE_ACCOUNT_ID")
	viper.BindEnv("ledger.supported_currencies", "LEDGER_SUPPORTED_CURRENCIES")
	viper.BindEnv("fx.base_rate", "FX_BASE_RATE")
	viper.BindEnv("fx.spread", "FX_SPREAD")
	viper.BindEnv("fx.jitter", "FX_JITTER")
	viper.BindEnv("fx.quote_ttl", "FX_QUOTE_TTL")
	viper.BindEnv("commission.max_depth", "COMMISSION_MAX_DEPTH")
	viper.BindEnv("commission.default_rate", "COMMISSION_DEFAULT_RATE")
	viper.BindEnv("commission.budget", "COMMISSION_BUDGET")
	viper.BindEnv("commission.settlement_window", "COMMISSION_SETTLEMENT_WINDOW")
	viper.BindEnv("commission.workers", "COMMISSION_WORKERS")
	viper.BindEnv("payout.debtor_bic", "PAYOUT_DEBTOR_BIC")
}

func getDecimal(key string) decimal.Decimal {
	raw := viper.GetString(key)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		log.Printf("[CONFIG] Invalid decimal for %s (%q), using 0: %v", key, raw, err)
		return decimal.Zero
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

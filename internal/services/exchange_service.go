package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/ruralpay/walletcore/internal/audit"
	"github.com/ruralpay/walletcore/internal/models"
	"github.com/shopspring/decimal"
)

// PairUSDTTHB is quoted as THB per one USDT
const PairUSDTTHB = "USDT/THB"

const rateScale = 2

type ExchangeQuote struct {
	QuoteID    string          `json:"quote_id"`
	Pair       string          `json:"pair"`
	MarketRate decimal.Decimal `json:"market_rate"`
	BuyRate    decimal.Decimal `json:"buy_rate"`
	SellRate   decimal.Decimal `json:"sell_rate"`
	AsOf       time.Time       `json:"as_of"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// RateSource produces USDT/THB rates around a base with a random jitter and a symmetric spread
type RateSource struct {
	base   decimal.Decimal
	spread decimal.Decimal
	jitter decimal.Decimal
	random func() float64
	now    func() time.Time
	newID  func() string
}

func NewRateSource(base, spread, jitter decimal.Decimal) *RateSource {
	return &RateSource{
		base:   base,
		spread: spread,
		jitter: jitter,
		random: rand.Float64,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Quote returns a fresh quote. Buy is what a user pays in THB per USDT, sell is what they receive.
func (r *RateSource) Quote(ttl time.Duration) ExchangeQuote {
	offset := decimal.NewFromFloat(r.random()*2 - 1).Mul(r.jitter)
	market := r.base.Add(offset).Round(4)
	one := decimal.NewFromInt(1)
	now := r.now()
	return ExchangeQuote{
		QuoteID:    r.newID(),
		Pair:       PairUSDTTHB,
		MarketRate: market,
		BuyRate:    market.Mul(one.Add(r.spread)).Round(rateScale),
		SellRate:   market.Mul(one.Sub(r.spread)).Round(rateScale),
		AsOf:       now,
		ExpiresAt:  now.Add(ttl),
	}
}

type ExchangeRequest struct {
	AccountID    string          `json:"-"`
	FromCurrency string          `json:"from_currency" validate:"required"`
	ToCurrency   string          `json:"to_currency" validate:"required"`
	Amount       decimal.Decimal `json:"amount"`
	QuoteID      string          `json:"quote_id,omitempty"`
}

type ExchangeResult struct {
	CorrelationID string          `json:"correlation_id"`
	FromCurrency  string          `json:"from_currency"`
	ToCurrency    string          `json:"to_currency"`
	AmountIn      decimal.Decimal `json:"amount_in"`
	AmountOut     decimal.Decimal `json:"amount_out"`
	RateUsed      decimal.Decimal `json:"rate_used"`
}

// ExchangeService converts between THB and USDT against the system reserve account
type ExchangeService struct {
	uow        *UnitOfWork
	balances   *BalanceStore
	journal    *Journal
	redis      *redis.Client
	rates      *RateSource
	audit      *audit.AuditLogger
	reserveID  string
	quoteTTL   time.Duration
	currencies map[string]bool
}

func NewExchangeService(uow *UnitOfWork, balances *BalanceStore, journal *Journal, redisClient *redis.Client, rates *RateSource, auditLogger *audit.AuditLogger, reserveAccountID string, quoteTTL time.Duration, currencies []string) *ExchangeService {
	return &ExchangeService{
		uow:        uow,
		balances:   balances,
		journal:    journal,
		redis:      redisClient,
		rates:      rates,
		audit:      auditLogger,
		reserveID:  reserveAccountID,
		quoteTTL:   quoteTTL,
		currencies: currencySet(currencies),
	}
}

func quoteKey(id string) string {
	return fmt.Sprintf("fxquote:%s", id)
}

// normalizePair accepts either orientation of the only supported pair
func normalizePair(pair string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(pair)) {
	case "", PairUSDTTHB, "THB/USDT", "USDT-THB", "THB-USDT":
		return PairUSDTTHB, nil
	}
	return "", ErrUnsupportedPair
}

// GetExchangeQuote returns current rates. With Redis the quote is held for the quote TTL and
// can be executed by passing its id to Exchange.
func (s *ExchangeService) GetExchangeQuote(ctx context.Context, pair string) (*ExchangeQuote, error) {
	if _, err := normalizePair(pair); err != nil {
		return nil, err
	}
	quote := s.rates.Quote(s.quoteTTL)

	if s.redis != nil {
		data, err := json.Marshal(quote)
		if err != nil {
			return nil, err
		}
		if err := s.redis.Set(ctx, quoteKey(quote.QuoteID), string(data), s.quoteTTL).Err(); err != nil {
			log.Printf("[FX] Failed to hold quote %s: %v", quote.QuoteID, err)
		}
	}
	return &quote, nil
}

// consumeQuote takes the held quote out of Redis. A quote executes at most once, so a second
// attempt or a failed exchange needs a fresh quote.
func (s *ExchangeService) consumeQuote(ctx context.Context, quoteID string) (*ExchangeQuote, error) {
	if s.redis == nil {
		return nil, ErrQuoteExpired
	}
	data, err := s.redis.GetDel(ctx, quoteKey(quoteID)).Bytes()
	if err == redis.Nil {
		return nil, ErrQuoteExpired
	}
	if err != nil {
		return nil, fmt.Errorf("load quote: %w", err)
	}
	var quote ExchangeQuote
	if err := json.Unmarshal(data, &quote); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	return &quote, nil
}

// convert applies the quote: THB to USDT divides by the buy rate, USDT to THB multiplies by the sell rate
func convert(from string, amount decimal.Decimal, quote *ExchangeQuote) (out, rate decimal.Decimal) {
	if from == models.CurrencyTHB {
		scale, _ := models.CurrencyScale(models.CurrencyUSDT)
		return amount.DivRound(quote.BuyRate, scale), quote.BuyRate
	}
	scale, _ := models.CurrencyScale(models.CurrencyTHB)
	return amount.Mul(quote.SellRate).Round(scale), quote.SellRate
}

func (s *ExchangeService) Exchange(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	from := normalizeCurrency(req.FromCurrency)
	to := normalizeCurrency(req.ToCurrency)
	if from == to || !isFXCurrency(from) || !isFXCurrency(to) {
		return nil, ErrUnsupportedPair
	}
	if err := validateAmount(s.currencies, from, req.Amount); err != nil {
		return nil, err
	}
	if !s.currencies[to] {
		return nil, ErrUnsupportedCurrency
	}
	if req.AccountID == s.reserveID {
		return nil, ErrSameAccount
	}

	var quote *ExchangeQuote
	if req.QuoteID != "" {
		q, err := s.consumeQuote(ctx, req.QuoteID)
		if err != nil {
			return nil, err
		}
		quote = q
	} else {
		q := s.rates.Quote(s.quoteTTL)
		quote = &q
	}

	amountOut, rate := convert(from, req.Amount, quote)
	if !amountOut.IsPositive() {
		return nil, withDetail(ErrInvalidAmount, "amount too small to exchange")
	}

	correlationID := uuid.New().String()
	userFrom := models.BalanceKey{AccountID: req.AccountID, Currency: from}
	userTo := models.BalanceKey{AccountID: req.AccountID, Currency: to}
	reserveFrom := models.BalanceKey{AccountID: s.reserveID, Currency: from}
	reserveTo := models.BalanceKey{AccountID: s.reserveID, Currency: to}

	err := s.uow.Run(ctx, func(tx *sql.Tx) error {
		locked, err := s.balances.LockBalances(ctx, tx, userFrom, userTo, reserveFrom, reserveTo)
		if err != nil {
			return err
		}
		if locked[userFrom].Available.LessThan(req.Amount) {
			return ErrInsufficientFunds
		}
		if locked[reserveTo].Available.LessThan(amountOut) {
			return ErrLiquidityUnavailable
		}

		deltas := []struct {
			key   models.BalanceKey
			delta decimal.Decimal
		}{
			{userFrom, req.Amount.Neg()},
			{reserveFrom, req.Amount},
			{reserveTo, amountOut.Neg()},
			{userTo, amountOut},
		}
		for _, d := range deltas {
			if _, err := s.balances.ApplyDelta(ctx, tx, d.key, models.Delta{Available: d.delta}); err != nil {
				if d.key == reserveTo && errors.Is(err, ErrInsufficientFunds) {
					return ErrLiquidityUnavailable
				}
				return err
			}
		}

		meta := models.Metadata{"rate": rate.String(), "quote_id": quote.QuoteID, "pair": quote.Pair}
		reserve := s.reserveID
		user := req.AccountID
		entries := []models.JournalEntry{
			{AccountID: user, Currency: from, Direction: models.DirectionDebit, Amount: req.Amount, Kind: models.KindExchangeOut, RelatedAccountID: &reserve},
			{AccountID: reserve, Currency: from, Direction: models.DirectionCredit, Amount: req.Amount, Kind: models.KindExchangeIn, RelatedAccountID: &user},
			{AccountID: reserve, Currency: to, Direction: models.DirectionDebit, Amount: amountOut, Kind: models.KindExchangeOut, RelatedAccountID: &user},
			{AccountID: user, Currency: to, Direction: models.DirectionCredit, Amount: amountOut, Kind: models.KindExchangeIn, RelatedAccountID: &reserve},
		}
		for i := range entries {
			entries[i].Status = models.EntryPosted
			entries[i].CorrelationID = correlationID
			entries[i].Description = fmt.Sprintf("Exchange %s to %s", from, to)
			entries[i].Metadata = meta
		}
		if err := CheckConservation(entries); err != nil {
			return err
		}
		for i := range entries {
			if err := s.journal.Append(ctx, tx, &entries[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.audit.LogError("EXCHANGE", correlationID, req.AccountID, err)
		alertOnIntegrity(ctx, s.audit, "EXCHANGE", correlationID, err)
		return nil, err
	}

	s.audit.LogMovement("EXCHANGE", correlationID, req.AccountID, req.Amount, from,
		map[string]string{"to_currency": to, "amount_out": amountOut.String(), "rate": rate.String()})

	return &ExchangeResult{
		CorrelationID: correlationID,
		FromCurrency:  from,
		ToCurrency:    to,
		AmountIn:      req.Amount,
		AmountOut:     amountOut,
		RateUsed:      rate,
	}, nil
}

func isFXCurrency(c string) bool {
	return c == models.CurrencyTHB || c == models.CurrencyUSDT
}

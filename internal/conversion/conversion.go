// Package conversion implements the USDT<->synthetic AED (sAED) swap
// described in spec §4.9: a fixed-point, idempotent conversion between
// the platform's two ledger assets, floor-rounded so the operation never
// creates value, and capped by an exposure limit that keeps sAED minted
// against an account in proportion to the USDT it holds as collateral.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/corridor/internal/idgen"
	"github.com/mbd888/corridor/internal/ledger"
	"github.com/mbd888/corridor/internal/metrics"
)

var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInsufficientBalance  = errors.New("insufficient balance for conversion")
	ErrExposureLimitExceeded = errors.New("conversion would exceed account exposure limit")
)

// FilsPerAED mirrors corridor.FilsPerAED: 100 fils = 1 AED.
const FilsPerAED = 100

// DefaultRate is the USDT->AED peg used when the service isn't configured
// with an explicit one.
const DefaultRate = "3.67"

// DefaultExposurePercent is the fraction (as a percent, 0-100) of an
// account's USDT-collateral value it may hold as sAED.
const DefaultExposurePercent = 90

// Direction names which asset is debited and which is credited.
type Direction string

const (
	DirectionUSDTToSAED Direction = "usdt_to_saed"
	DirectionSAEDToUSDT Direction = "saed_to_usdt"
)

// Conversion is the durable record of one swap, per spec §3.
type Conversion struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"accountId"`
	Direction      Direction `json:"direction"`
	UsdtAmount     string    `json:"usdtAmount"`     // USDT, decimal
	SaedAmountFils string    `json:"saedAmountFils"` // sAED, integer fils
	Rate           string    `json:"rate"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// MerchantTransaction is the audit-facing row spec §4.9 requires alongside
// the ledger entry and the conversion record, so a merchant's transaction
// history includes conversions next to orders.
type MerchantTransaction struct {
	ID          string    `json:"id"`
	MerchantID  string    `json:"merchantId"`
	Kind        string    `json:"kind"` // "conversion"
	ReferenceID string    `json:"referenceId"`
	Amount      string    `json:"amount"`
	Asset       string    `json:"asset"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists conversion records and the merchant transaction log.
type Store interface {
	GetByIdempotencyKey(ctx context.Context, accountID, key string) (*Conversion, error)
	Create(ctx context.Context, c *Conversion) error
	RecordMerchantTransaction(ctx context.Context, t *MerchantTransaction) error
}

// Service implements the Conversion Engine.
type Service struct {
	store            Store
	ledger           *ledger.Ledger
	rate             *big.Rat
	exposurePercent  int64
}

// New creates a Service at the given rate (decimal string, e.g. "3.67").
// An empty rate falls back to DefaultRate.
func New(store Store, lg *ledger.Ledger, rate string) *Service {
	if rate == "" {
		rate = DefaultRate
	}
	r, ok := new(big.Rat).SetString(rate)
	if !ok {
		r = big.NewRat(367, 100)
	}
	return &Service{store: store, ledger: lg, rate: r, exposurePercent: DefaultExposurePercent}
}

// ConvertRequest carries the inputs for either conversion direction.
type ConvertRequest struct {
	AccountID      string
	Amount         string // decimal: USDT for usdt->saed, AED for saed->usdt
	IdempotencyKey string
	Now            time.Time
}

// ConvertUSDTToSAED mints sAED against the account's USDT, per spec §4.9.
func (s *Service) ConvertUSDTToSAED(ctx context.Context, req ConvertRequest) (*Conversion, error) {
	if req.IdempotencyKey != "" {
		if existing, err := s.store.GetByIdempotencyKey(ctx, req.AccountID, req.IdempotencyKey); err == nil && existing != nil {
			return existing, nil
		}
	}

	usdtMicros, ok := parseUSDT(req.Amount)
	if !ok || usdtMicros.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	canAfford, err := s.ledger.CanAfford(ctx, req.AccountID, ledger.AssetUSDT, req.Amount)
	if err != nil {
		return nil, err
	}
	if !canAfford {
		return nil, ErrInsufficientBalance
	}

	usdtBalance, err := s.ledger.GetBalance(ctx, req.AccountID, ledger.AssetUSDT)
	if err != nil {
		return nil, err
	}
	saedBalance, err := s.ledger.GetBalance(ctx, req.AccountID, ledger.AssetSAED)
	if err != nil {
		return nil, err
	}

	saedFils := usdtMicrosToFils(usdtMicros, s.rate)
	if saedFils.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := s.checkExposureLimit(usdtBalance.Available, saedBalance.Available, saedFils); err != nil {
		if errors.Is(err, ErrExposureLimitExceeded) {
			metrics.ConversionExposureRejectedTotal.Inc()
		}
		return nil, err
	}
	saedAmount := filsToAED(saedFils)

	if err := s.ledger.SyntheticConvert(ctx, req.AccountID, ledger.AssetUSDT, req.Amount, ledger.AssetSAED, saedAmount, req.IdempotencyKey); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, ErrInsufficientBalance
		}
		return nil, err
	}

	c := &Conversion{
		ID: idgen.WithPrefix("cnv_"), AccountID: req.AccountID, Direction: DirectionUSDTToSAED,
		UsdtAmount: req.Amount, SaedAmountFils: saedFils.String(), Rate: s.rate.FloatString(6),
		IdempotencyKey: req.IdempotencyKey, CreatedAt: req.Now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		_ = s.ledger.SyntheticConvert(ctx, req.AccountID, ledger.AssetSAED, saedAmount, ledger.AssetUSDT, req.Amount, c.ID+"_reversal")
		return nil, err
	}
	_ = s.store.RecordMerchantTransaction(ctx, &MerchantTransaction{
		ID: idgen.WithPrefix("mtx_"), MerchantID: req.AccountID, Kind: "conversion",
		ReferenceID: c.ID, Amount: req.Amount, Asset: string(ledger.AssetUSDT), CreatedAt: req.Now,
	})
	metrics.ConversionsTotal.WithLabelValues(string(DirectionUSDTToSAED)).Inc()
	return c, nil
}

// ConvertSAEDToUSDT burns sAED back into USDT. Since it reduces rather
// than mints synthetic supply, no exposure check applies.
func (s *Service) ConvertSAEDToUSDT(ctx context.Context, req ConvertRequest) (*Conversion, error) {
	if req.IdempotencyKey != "" {
		if existing, err := s.store.GetByIdempotencyKey(ctx, req.AccountID, req.IdempotencyKey); err == nil && existing != nil {
			return existing, nil
		}
	}

	saedFils, ok := parseFils(req.Amount)
	if !ok || saedFils.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	canAfford, err := s.ledger.CanAfford(ctx, req.AccountID, ledger.AssetSAED, req.Amount)
	if err != nil {
		return nil, err
	}
	if !canAfford {
		return nil, ErrInsufficientBalance
	}

	usdtMicros := filsToUsdtMicros(saedFils, s.rate)
	if usdtMicros.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	usdtAmount := formatUSDT(usdtMicros)

	if err := s.ledger.SyntheticConvert(ctx, req.AccountID, ledger.AssetSAED, req.Amount, ledger.AssetUSDT, usdtAmount, req.IdempotencyKey); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, ErrInsufficientBalance
		}
		return nil, err
	}

	c := &Conversion{
		ID: idgen.WithPrefix("cnv_"), AccountID: req.AccountID, Direction: DirectionSAEDToUSDT,
		UsdtAmount: usdtAmount, SaedAmountFils: saedFils.String(), Rate: s.rate.FloatString(6),
		IdempotencyKey: req.IdempotencyKey, CreatedAt: req.Now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		_ = s.ledger.SyntheticConvert(ctx, req.AccountID, ledger.AssetUSDT, usdtAmount, ledger.AssetSAED, req.Amount, c.ID+"_reversal")
		return nil, err
	}
	_ = s.store.RecordMerchantTransaction(ctx, &MerchantTransaction{
		ID: idgen.WithPrefix("mtx_"), MerchantID: req.AccountID, Kind: "conversion",
		ReferenceID: c.ID, Amount: usdtAmount, Asset: string(ledger.AssetUSDT), CreatedAt: req.Now,
	})
	metrics.ConversionsTotal.WithLabelValues(string(DirectionSAEDToUSDT)).Inc()
	return c, nil
}

// checkExposureLimit rejects a conversion that would leave the account
// holding more sAED (in fils) than floor(usdt_available * rate * 100 *
// exposurePercent/100) allows, using the account's pre-conversion USDT
// balance as the collateral snapshot.
func (s *Service) checkExposureLimit(usdtAvailable, saedAvailable string, additionalFils *big.Int) error {
	usdtMicros, ok := parseUSDT(usdtAvailable)
	if !ok {
		return fmt.Errorf("corrupted usdt balance %q", usdtAvailable)
	}
	existingFils, ok := parseFils(saedAvailable)
	if !ok {
		return fmt.Errorf("corrupted sAED balance %q", saedAvailable)
	}

	limit := exposureLimitFils(usdtMicros, s.rate, s.exposurePercent)
	projected := new(big.Int).Add(existingFils, additionalFils)
	if projected.Cmp(limit) > 0 {
		return ErrExposureLimitExceeded
	}
	return nil
}

func floorRat(r *big.Rat) *big.Int {
	return new(big.Int).Quo(r.Num(), r.Denom())
}

// usdtMicrosToFils converts a USDT micro-unit amount to sAED fils at rate,
// floor-rounded so no value is created in the conversion.
func usdtMicrosToFils(usdtMicros *big.Int, rate *big.Rat) *big.Int {
	r := new(big.Rat).SetInt(usdtMicros)
	r.Mul(r, rate)
	r.Mul(r, big.NewRat(FilsPerAED, 1))
	r.Quo(r, big.NewRat(1_000_000, 1))
	return floorRat(r)
}

// filsToUsdtMicros is the inverse of usdtMicrosToFils, floor-rounded.
func filsToUsdtMicros(fils *big.Int, rate *big.Rat) *big.Int {
	r := new(big.Rat).SetInt(fils)
	r.Mul(r, big.NewRat(1_000_000, 1))
	r.Quo(r, rate)
	r.Quo(r, big.NewRat(FilsPerAED, 1))
	return floorRat(r)
}

// exposureLimitFils computes floor(usdtMicros * rate * 100 * pct/100) in
// fils, per spec §4.9's default formula.
func exposureLimitFils(usdtMicros *big.Int, rate *big.Rat, pct int64) *big.Int {
	r := new(big.Rat).SetInt(usdtMicros)
	r.Mul(r, rate)
	r.Mul(r, big.NewRat(FilsPerAED, 1))
	r.Mul(r, big.NewRat(pct, 100))
	r.Quo(r, big.NewRat(1_000_000, 1))
	return floorRat(r)
}

func parseUSDT(s string) (*big.Int, bool) {
	return parseFixedPoint(s, 6)
}

func formatUSDT(amount *big.Int) string {
	return formatFixedPoint(amount, 6)
}

func parseFils(s string) (*big.Int, bool) {
	return parseFixedPoint(s, 2)
}

func filsToAED(fils *big.Int) string {
	return formatFixedPoint(fils, 2)
}

// parseFixedPoint and formatFixedPoint generalize usdc.Parse/Format to an
// arbitrary number of decimal places, since the conversion engine has to
// speak both USDT's 6 decimals and sAED's 2 (fils).
func parseFixedPoint(s string, decimals int) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole = s[:i]
		frac = s[i+1:]
	}
	if strings.IndexByte(frac, '.') >= 0 {
		return nil, false
	}
	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]
	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, false
	}
	if neg {
		result.Neg(result)
	}
	return result, true
}

func formatFixedPoint(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0." + zeros(decimals)
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	split := len(s) - decimals
	result := s[:split] + "." + s[split:]
	if neg {
		result = "-" + result
	}
	return result
}

func zeros(n int) string {
	return strings.Repeat("0", n)
}

// Package slippage bounds the acceptable execution price of swaps and estimates their MEV exposure.
// It never broadcasts anything, it only shapes the swap parameters used to build the transaction.
package slippage

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrSwapBlocked   = errors.New("swap blocked by slippage protection")
	ErrInvalidAmount = errors.New("swap amount must be positive")
	ErrInvalidQuote  = errors.New("quote has no usable output amount")
)

// MainnetChainID gets one extra MEV risk tier.
const MainnetChainID = 1

type QuoteRequest struct {
	Chain           string         `json:"chain"`
	TokenIn         string         `json:"tokenIn"`
	TokenInAddress  common.Address `json:"tokenInAddress"`
	TokenOut        string         `json:"tokenOut"`
	TokenOutAddress common.Address `json:"tokenOutAddress"`
	AmountIn        *big.Int       `json:"amountIn"`
	Dex             string         `json:"dex,omitempty"`
}

type Quote struct {
	ExpectedAmountOut  *big.Int  `json:"expectedAmountOut"`
	PriceImpactPercent float64   `json:"priceImpactPercent"`
	Timestamp          time.Time `json:"timestamp"`
}

type QuoteSource interface {
	GetSwapQuote(ctx context.Context, req QuoteRequest) (*Quote, error)
}

type PriceOracle interface {
	GetTokenPrice(ctx context.Context, symbol, chain string) (float64, error)
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

func (s Severity) rank() int {
	switch s {
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

type Warning struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

func (r RiskLevel) escalate() RiskLevel {
	for i, level := range riskLevels {
		if level == r && i+1 < len(riskLevels) {
			return riskLevels[i+1]
		}
	}
	return r
}

type MEVAnalysis struct {
	Risk                    RiskLevel `json:"risk"`
	TradeValueUSD           float64   `json:"tradeValueUsd"`
	EstimatedExtractableUSD float64   `json:"estimatedExtractableUsd"`
	RecommendPrivate        bool      `json:"recommendPrivate"`
	Reasons                 []string  `json:"reasons"`
}

type Analysis struct {
	ExpectedOutput           *big.Int      `json:"expectedOutput"`
	MinOutput                *big.Int      `json:"minOutput"`
	PriceImpactPercent       float64       `json:"priceImpactPercent"`
	UserTolerancePercent     float64       `json:"userTolerancePercent"`
	AppliedSlippagePercent   float64       `json:"appliedSlippagePercent"`
	AppliedSlippageBps       uint64        `json:"appliedSlippageBps"`
	EffectiveSlippagePercent float64       `json:"effectiveSlippagePercent"`
	Adjusted                 bool          `json:"adjusted"`
	AdjustmentReason         string        `json:"adjustmentReason,omitempty"`
	QuoteTimestamp           time.Time     `json:"quoteTimestamp"`
	QuoteAge                 time.Duration `json:"quoteAge"`
	MEV                      MEVAnalysis   `json:"mev"`
	Warnings                 []Warning     `json:"warnings"`
	CanProceed               bool          `json:"canProceed"`
	Recommendation           string        `json:"recommendation"`
}

func (a *Analysis) warn(severity Severity, code, message string) {
	a.Warnings = append(a.Warnings, Warning{Severity: severity, Code: code, Message: message})
}

// WorstSeverity returns the most severe warning level, empty when there are no warnings.
func (a *Analysis) WorstSeverity() Severity {
	var worst Severity
	for _, w := range a.Warnings {
		if worst == "" || w.Severity.rank() > worst.rank() {
			worst = w.Severity
		}
	}
	return worst
}

type Config struct {
	WarnImpactPercent  float64
	BlockImpactPercent float64
	// AutoAdjust derives the applied slippage from the price impact
	AutoAdjust                   bool
	DefaultSlippagePercent       float64
	MaxSlippagePercent           float64
	LowLatencyMaxSlippagePercent float64

	QuoteTTL        time.Duration
	StaleQuoteAfter time.Duration

	HighValueUSD             float64
	MediumValueUSD           float64
	HighExtractablePercent   float64
	MediumExtractablePercent float64
	EscalationImpactPercent  float64
}

func DefaultConfig() Config {
	return Config{
		WarnImpactPercent:            1,
		BlockImpactPercent:           5,
		AutoAdjust:                   true,
		DefaultSlippagePercent:       0.5,
		MaxSlippagePercent:           3,
		LowLatencyMaxSlippagePercent: 1,
		QuoteTTL:                     30 * time.Second,
		StaleQuoteAfter:              60 * time.Second,
		HighValueUSD:                 100_000,
		MediumValueUSD:               10_000,
		HighExtractablePercent:       0.5,
		MediumExtractablePercent:     0.1,
		EscalationImpactPercent:      2,
	}
}

// PercentToBps converts a percentage to basis points, rounding to the nearest point and clamping to [0, 10000].
func PercentToBps(percent float64) uint64 {
	if percent <= 0 {
		return 0
	}
	bps := uint64(percent*100 + 0.5)
	if bps > 10000 {
		return 10000
	}
	return bps
}

// MinOutput returns floor(expected * (10000 - bps) / 10000).
func MinOutput(expected *big.Int, bps uint64) *big.Int {
	if bps > 10000 {
		bps = 10000
	}
	out := new(big.Int).Mul(expected, new(big.Int).SetUint64(10000-bps))
	return out.Quo(out, big.NewInt(10000))
}

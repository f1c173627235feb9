package slippage

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/flashbots/tx-plan-executor/chainrpc"
	"github.com/flashbots/tx-plan-executor/metrics"
	"github.com/flashbots/tx-plan-executor/plan"
	"github.com/flashbots/tx-plan-executor/spike"
	"go.uber.org/zap"
)

const defaultTokenDecimals = 18

type Protector struct {
	log    *zap.Logger
	cfg    Config
	quotes QuoteSource
	prices PriceOracle
	chains map[string]chainrpc.ChainConfig
	cache  *spike.Manager[*Quote]
	now    func() time.Time
}

// NewProtector creates a protector. prices may be nil, in which case MEV risk is judged from the price impact only.
func NewProtector(log *zap.Logger, cfg Config, quotes QuoteSource, prices PriceOracle, chains []chainrpc.ChainConfig) *Protector {
	byName := make(map[string]chainrpc.ChainConfig, len(chains))
	for _, c := range chains {
		byName[c.Name] = c
	}
	return &Protector{
		log:    log.Named("slippage"),
		cfg:    cfg,
		quotes: quotes,
		prices: prices,
		chains: byName,
		cache:  spike.NewManager[*Quote](cfg.QuoteTTL),
		now:    time.Now,
	}
}

func quoteKey(req QuoteRequest) string {
	return strings.Join([]string{
		strings.ToLower(req.Chain),
		strings.ToLower(req.TokenIn), req.TokenInAddress.Hex(),
		strings.ToLower(req.TokenOut), req.TokenOutAddress.Hex(),
		req.AmountIn.String(),
		strings.ToLower(req.Dex),
	}, "|")
}

func (p *Protector) quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	return p.cache.GetResult(ctx, quoteKey(req), func(ctx context.Context) (*Quote, error) {
		q, err := p.quotes.GetSwapQuote(ctx, req)
		if err == nil && (q == nil || q.ExpectedAmountOut == nil || q.ExpectedAmountOut.Sign() < 0) {
			err = ErrInvalidQuote
		}
		if err != nil {
			metrics.IncQuoteFetchErrors()
			return nil, err
		}
		metrics.IncQuotesFetched()
		return q, nil
	})
}

// AnalyzeSwapSlippage quotes the swap and derives the applied slippage, the minimum output and the MEV exposure.
// userTolerance is a percentage, nil selects the configured default.
func (p *Protector) AnalyzeSwapSlippage(ctx context.Context, params plan.SwapParams, chain string, userTolerance *float64) (*Analysis, error) {
	if params.AmountIn == nil || params.AmountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	chainCfg := p.chains[chain]

	q, err := p.quote(ctx, QuoteRequest{
		Chain:           chain,
		TokenIn:         params.TokenIn,
		TokenInAddress:  params.TokenInAddress,
		TokenOut:        params.TokenOut,
		TokenOutAddress: params.TokenOutAddress,
		AmountIn:        params.AmountIn,
		Dex:             params.Dex,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get swap quote: %w", err)
	}

	a := &Analysis{
		ExpectedOutput:     new(big.Int).Set(q.ExpectedAmountOut),
		PriceImpactPercent: q.PriceImpactPercent,
		QuoteTimestamp:     q.Timestamp,
	}

	impact := q.PriceImpactPercent
	switch {
	case impact >= p.cfg.BlockImpactPercent:
		a.warn(SeverityError, "price_impact_blocking",
			fmt.Sprintf("price impact %.2f%% is at or above the %.2f%% limit", impact, p.cfg.BlockImpactPercent))
	case impact >= p.cfg.WarnImpactPercent:
		a.warn(SeverityWarning, "price_impact_high",
			fmt.Sprintf("price impact %.2f%% is at or above %.2f%%", impact, p.cfg.WarnImpactPercent))
	}

	tolerance := p.cfg.DefaultSlippagePercent
	if userTolerance != nil {
		tolerance = *userTolerance
	}
	if tolerance < 0 {
		tolerance = 0
	}
	a.UserTolerancePercent = tolerance
	a.AppliedSlippagePercent = tolerance
	if p.cfg.AutoAdjust {
		p.adjust(a, chainCfg)
	}

	a.AppliedSlippageBps = PercentToBps(a.AppliedSlippagePercent)
	a.MinOutput = MinOutput(a.ExpectedOutput, a.AppliedSlippageBps)
	a.EffectiveSlippagePercent = impact + a.AppliedSlippagePercent

	a.MEV = p.analyzeMEV(ctx, a, params, chain, chainCfg)
	if a.MEV.RecommendPrivate {
		a.warn(SeverityWarning, "mev_risk",
			fmt.Sprintf("%s MEV risk, private submission recommended", a.MEV.Risk))
	}

	if !q.Timestamp.IsZero() {
		a.QuoteAge = p.now().Sub(q.Timestamp)
		if a.QuoteAge > p.cfg.StaleQuoteAfter {
			a.warn(SeverityWarning, "stale_quote",
				fmt.Sprintf("quote is %s old", a.QuoteAge.Truncate(time.Second)))
		}
	}

	a.CanProceed = a.WorstSeverity() != SeverityError
	a.Recommendation = recommendation(a)
	return a, nil
}

func (p *Protector) adjust(a *Analysis, chainCfg chainrpc.ChainConfig) {
	applied := math.Max(a.UserTolerancePercent, 0.5*a.PriceImpactPercent)
	limit := p.cfg.MaxSlippagePercent
	reason := ""
	if applied > a.UserTolerancePercent {
		reason = fmt.Sprintf("raised to half of the %.2f%% price impact", a.PriceImpactPercent)
	}
	if chainCfg.LowLatency && p.cfg.LowLatencyMaxSlippagePercent < limit {
		limit = p.cfg.LowLatencyMaxSlippagePercent
	}
	if applied > limit {
		applied = limit
		reason = fmt.Sprintf("capped at %.2f%%", limit)
		if chainCfg.LowLatency {
			reason += " on low latency chain"
		}
	}
	if applied != a.UserTolerancePercent {
		a.Adjusted = true
		a.AdjustmentReason = reason
		a.AppliedSlippagePercent = applied
	}
}

func (p *Protector) analyzeMEV(ctx context.Context, a *Analysis, params plan.SwapParams, chain string, chainCfg chainrpc.ChainConfig) MEVAnalysis {
	m := MEVAnalysis{Risk: RiskLow}

	if p.prices != nil && params.TokenIn != "" {
		price, err := p.prices.GetTokenPrice(ctx, params.TokenIn, chain)
		if err != nil {
			p.log.Debug("Failed to price swap input", zap.String("token", params.TokenIn), zap.Error(err))
			a.warn(SeverityInfo, "trade_value_unknown", "trade value could not be priced, MEV risk judged from price impact only")
		} else {
			m.TradeValueUSD = tradeValueUSD(params.AmountIn, params.TokenInDecimals, price)
		}
	}

	switch {
	case m.TradeValueUSD > p.cfg.HighValueUSD:
		m.Risk = RiskHigh
		m.EstimatedExtractableUSD = m.TradeValueUSD * p.cfg.HighExtractablePercent / 100
		m.Reasons = append(m.Reasons, fmt.Sprintf("trade value above $%.0f", p.cfg.HighValueUSD))
	case m.TradeValueUSD > p.cfg.MediumValueUSD:
		m.Risk = RiskMedium
		m.EstimatedExtractableUSD = m.TradeValueUSD * p.cfg.MediumExtractablePercent / 100
		m.Reasons = append(m.Reasons, fmt.Sprintf("trade value above $%.0f", p.cfg.MediumValueUSD))
	}

	if chainCfg.ChainID == MainnetChainID {
		m.Risk = m.Risk.escalate()
		m.Reasons = append(m.Reasons, "mainnet has the most active searchers")
	}
	if a.PriceImpactPercent >= p.cfg.EscalationImpactPercent {
		m.Risk = m.Risk.escalate()
		m.Reasons = append(m.Reasons, fmt.Sprintf("price impact %.2f%% leaves room for sandwiching", a.PriceImpactPercent))
	}

	m.RecommendPrivate = m.Risk == RiskHigh || m.Risk == RiskCritical
	return m
}

func tradeValueUSD(amount *big.Int, decimals uint8, priceUSD float64) float64 {
	if decimals == 0 {
		decimals = defaultTokenDecimals
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	units, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), scale).Float64()
	return units * priceUSD
}

func recommendation(a *Analysis) string {
	switch a.WorstSeverity() {
	case SeverityError:
		return "Do not execute this swap: " + firstMessage(a, SeverityError)
	case SeverityWarning:
		if a.MEV.RecommendPrivate {
			return "Proceed with caution and submit through a private relay"
		}
		return "Proceed with caution: " + firstMessage(a, SeverityWarning)
	default:
		return "Safe to proceed"
	}
}

func firstMessage(a *Analysis, severity Severity) string {
	for _, w := range a.Warnings {
		if w.Severity == severity {
			return w.Message
		}
	}
	return ""
}

// ProtectedSwap carries the swap params with the minimum output bound attached.
type ProtectedSwap struct {
	Params   plan.SwapParams `json:"params"`
	Analysis *Analysis       `json:"analysis"`
}

// GetProtectedSwapParams returns params with MinAmountOut set to the protected bound.
// A caller supplied bound that is stricter is kept. Blocked swaps return the analysis together with ErrSwapBlocked.
func (p *Protector) GetProtectedSwapParams(ctx context.Context, params plan.SwapParams, chain string, userTolerance *float64) (*ProtectedSwap, error) {
	if userTolerance == nil {
		userTolerance = params.SlippagePercent
	}
	a, err := p.AnalyzeSwapSlippage(ctx, params, chain, userTolerance)
	if err != nil {
		return nil, err
	}
	protected := &ProtectedSwap{Params: params, Analysis: a}
	if !a.CanProceed {
		metrics.IncSwapsBlocked()
		return protected, fmt.Errorf("%w: %s", ErrSwapBlocked, a.Recommendation)
	}

	minOut := new(big.Int).Set(a.MinOutput)
	if params.MinAmountOut != nil && params.MinAmountOut.Cmp(minOut) > 0 {
		minOut.Set(params.MinAmountOut)
	}
	protected.Params.MinAmountOut = minOut
	protected.Params.PrivateSubmission = params.PrivateSubmission || a.MEV.RecommendPrivate

	p.log.Debug("Protected swap",
		zap.String("chain", chain),
		zap.String("expected", a.ExpectedOutput.String()),
		zap.String("minOutput", minOut.String()),
		zap.Uint64("slippageBps", a.AppliedSlippageBps),
		zap.String("mevRisk", string(a.MEV.Risk)))
	return protected, nil
}

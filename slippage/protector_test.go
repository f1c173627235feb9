package slippage

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/tx-plan-executor/chainrpc"
	"github.com/flashbots/tx-plan-executor/plan"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testChains = []chainrpc.ChainConfig{
	{Name: "ethereum", ChainID: 1},
	{Name: "arbitrum", ChainID: 42161, LowLatency: true},
	{Name: "testnet", ChainID: 1337},
}

type fakeQuotes struct {
	impact    float64
	out       *big.Int
	timestamp time.Time
	calls     int32
	err       error
}

func (f *fakeQuotes) GetSwapQuote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	ts := f.timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Quote{ExpectedAmountOut: f.out, PriceImpactPercent: f.impact, Timestamp: ts}, nil
}

type fakePrices map[string]float64

func (f fakePrices) GetTokenPrice(ctx context.Context, symbol, chain string) (float64, error) {
	p, ok := f[symbol]
	if !ok {
		return 0, errors.New("unknown token")
	}
	return p, nil
}

func usdcSwap(amount int64) plan.SwapParams {
	return plan.SwapParams{
		TokenIn:         "USDC",
		TokenInAddress:  common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"),
		TokenInDecimals: 6,
		TokenOut:        "WETH",
		TokenOutAddress: common.HexToAddress("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"),
		AmountIn:        new(big.Int).Mul(big.NewInt(amount), big.NewInt(1_000_000)),
	}
}

func newTestProtector(q *fakeQuotes) *Protector {
	return NewProtector(zap.NewNop(), DefaultConfig(), q, fakePrices{"USDC": 1}, testChains)
}

func ptr(f float64) *float64 { return &f }

func TestAnalyzeSwapSlippage(t *testing.T) {
	expected := big.NewInt(1_000_000_000_000_000_000)
	tests := []struct {
		name        string
		chain       string
		amount      int64
		impact      float64
		tolerance   *float64
		applied     float64
		adjusted    bool
		canProceed  bool
		worst       Severity
		risk        RiskLevel
		recommendPr bool
	}{
		{
			name: "small swap default tolerance", chain: "testnet", amount: 1000, impact: 0.3,
			applied: 0.5, canProceed: true, risk: RiskLow,
		},
		{
			name: "impact above warning raises slippage", chain: "testnet", amount: 1000, impact: 2,
			applied: 1, adjusted: true, canProceed: true, worst: SeverityWarning, risk: RiskMedium,
		},
		{
			name: "impact above block threshold", chain: "testnet", amount: 1000, impact: 6,
			applied: 3, adjusted: true, canProceed: false, worst: SeverityError, risk: RiskMedium,
		},
		{
			name: "user tolerance above cap", chain: "testnet", amount: 1000, impact: 0.1, tolerance: ptr(10),
			applied: 3, adjusted: true, canProceed: true, risk: RiskLow,
		},
		{
			name: "low latency cap", chain: "arbitrum", amount: 1000, impact: 4,
			applied: 1, adjusted: true, canProceed: true, worst: SeverityWarning, risk: RiskMedium,
		},
		{
			name: "medium value", chain: "testnet", amount: 50_000, impact: 0.1,
			applied: 0.5, canProceed: true, risk: RiskMedium,
		},
		{
			name: "high value on mainnet", chain: "ethereum", amount: 200_000, impact: 0.1,
			applied: 0.5, canProceed: true, worst: SeverityWarning, risk: RiskCritical, recommendPr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProtector(&fakeQuotes{impact: tt.impact, out: expected})
			a, err := p.AnalyzeSwapSlippage(context.Background(), usdcSwap(tt.amount), tt.chain, tt.tolerance)
			require.NoError(t, err)
			require.InDelta(t, tt.applied, a.AppliedSlippagePercent, 1e-9)
			require.Equal(t, tt.adjusted, a.Adjusted)
			require.Equal(t, tt.canProceed, a.CanProceed)
			require.Equal(t, tt.worst, a.WorstSeverity())
			require.Equal(t, tt.risk, a.MEV.Risk)
			require.Equal(t, tt.recommendPr, a.MEV.RecommendPrivate)
			require.Equal(t, MinOutput(expected, PercentToBps(tt.applied)), a.MinOutput)
			require.InDelta(t, tt.impact+tt.applied, a.EffectiveSlippagePercent, 1e-9)
			require.NotEmpty(t, a.Recommendation)
		})
	}
}

func TestMEVExtractableEstimate(t *testing.T) {
	p := newTestProtector(&fakeQuotes{impact: 0.1, out: big.NewInt(1)})
	a, err := p.AnalyzeSwapSlippage(context.Background(), usdcSwap(200_000), "testnet", nil)
	require.NoError(t, err)
	require.Equal(t, RiskHigh, a.MEV.Risk)
	require.InDelta(t, 200_000, a.MEV.TradeValueUSD, 1e-6)
	require.InDelta(t, 1000, a.MEV.EstimatedExtractableUSD, 1e-6)
	require.Equal(t, "Proceed with caution and submit through a private relay", a.Recommendation)
}

func TestStaleQuote(t *testing.T) {
	p := newTestProtector(&fakeQuotes{impact: 0.1, out: big.NewInt(1000), timestamp: time.Now().Add(-2 * time.Minute)})
	a, err := p.AnalyzeSwapSlippage(context.Background(), usdcSwap(10), "testnet", nil)
	require.NoError(t, err)
	require.True(t, a.CanProceed)
	require.Len(t, a.Warnings, 1)
	require.Equal(t, "stale_quote", a.Warnings[0].Code)
}

func TestQuotesAreCached(t *testing.T) {
	q := &fakeQuotes{impact: 0.1, out: big.NewInt(1000)}
	p := newTestProtector(q)
	for i := 0; i < 3; i++ {
		_, err := p.AnalyzeSwapSlippage(context.Background(), usdcSwap(10), "testnet", nil)
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&q.calls))

	_, err := p.AnalyzeSwapSlippage(context.Background(), usdcSwap(11), "testnet", nil)
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&q.calls))
}

func TestQuoteError(t *testing.T) {
	errNoRoute := errors.New("no route")
	p := newTestProtector(&fakeQuotes{err: errNoRoute})
	_, err := p.AnalyzeSwapSlippage(context.Background(), usdcSwap(10), "testnet", nil)
	require.ErrorIs(t, err, errNoRoute)

	_, err = p.AnalyzeSwapSlippage(context.Background(), plan.SwapParams{}, "testnet", nil)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestInvalidQuote(t *testing.T) {
	for name, out := range map[string]*big.Int{"nil output": nil, "negative output": big.NewInt(-1)} {
		t.Run(name, func(t *testing.T) {
			q := &fakeQuotes{out: out}
			p := newTestProtector(q)
			_, err := p.AnalyzeSwapSlippage(context.Background(), usdcSwap(10), "testnet", nil)
			require.ErrorIs(t, err, ErrInvalidQuote)

			// not cached
			_, err = p.GetProtectedSwapParams(context.Background(), usdcSwap(10), "testnet", nil)
			require.ErrorIs(t, err, ErrInvalidQuote)
			require.Equal(t, int32(2), atomic.LoadInt32(&q.calls))
		})
	}
}

func TestGetProtectedSwapParams(t *testing.T) {
	expected := big.NewInt(2_000_000)
	p := newTestProtector(&fakeQuotes{impact: 0.2, out: expected})

	params := usdcSwap(1000)
	params.SlippagePercent = ptr(1)
	protected, err := p.GetProtectedSwapParams(context.Background(), params, "testnet", nil)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_980_000), protected.Params.MinAmountOut)
	require.False(t, protected.Params.PrivateSubmission)
	require.Nil(t, params.MinAmountOut)

	// a stricter caller bound wins
	params.MinAmountOut = big.NewInt(1_990_000)
	protected, err = p.GetProtectedSwapParams(context.Background(), params, "testnet", nil)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_990_000), protected.Params.MinAmountOut)

	blocked := newTestProtector(&fakeQuotes{impact: 7, out: expected})
	protected, err = blocked.GetProtectedSwapParams(context.Background(), usdcSwap(1000), "testnet", nil)
	require.ErrorIs(t, err, ErrSwapBlocked)
	require.False(t, protected.Analysis.CanProceed)
}

func TestMinOutputBound(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("minOutput is floor(E*(1-s)) and never above E", prop.ForAll(
		func(e uint64, bps uint64) bool {
			expected := new(big.Int).SetUint64(e)
			got := MinOutput(expected, bps)

			// got*10000 <= E*(10000-bps) < (got+1)*10000
			scaled := new(big.Int).Mul(expected, new(big.Int).SetUint64(10000-bps))
			lower := new(big.Int).Mul(got, big.NewInt(10000))
			upper := new(big.Int).Add(lower, big.NewInt(10000))
			return got.Cmp(expected) <= 0 && lower.Cmp(scaled) <= 0 && scaled.Cmp(upper) < 0
		},
		gen.UInt64(),
		gen.UInt64Range(0, 10000),
	))

	properties.TestingRun(t)
}

func TestPercentToBps(t *testing.T) {
	require.Equal(t, uint64(50), PercentToBps(0.5))
	require.Equal(t, uint64(300), PercentToBps(3))
	require.Equal(t, uint64(25), PercentToBps(0.25))
	require.Equal(t, uint64(0), PercentToBps(-1))
	require.Equal(t, uint64(10000), PercentToBps(250))
}

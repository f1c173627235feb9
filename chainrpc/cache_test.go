package chainrpc

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestResultCacheEvictsOldest(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := newResultCache(2)
	c.now = func() time.Time { return now }

	c.set("a", 1, time.Minute)
	now = now.Add(time.Second)
	c.set("b", 2, time.Minute)
	now = now.Add(time.Second)
	c.set("c", 3, time.Minute)

	require.Equal(t, 2, c.len())
	_, ok := c.get("a")
	require.False(t, ok)
	v, ok := c.get("c")
	require.True(t, ok)
	require.Equal(t, 3, v)

	// overwriting doesn't evict
	c.set("b", 4, time.Minute)
	require.Equal(t, 2, c.len())
	v, _ = c.get("b")
	require.Equal(t, 4, v)
}

func TestCacheKeyNormalizesAddresses(t *testing.T) {
	lower := "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
	checksummed := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	require.Equal(t, cacheKey(OpBalanceAt, []interface{}{lower}), cacheKey(OpBalanceAt, []interface{}{checksummed}))
	require.Equal(t, cacheKey(OpBalanceAt, []interface{}{lower}), cacheKey(OpBalanceAt, []interface{}{common.HexToAddress(lower)}))
	require.NotEqual(t, cacheKey(OpBalanceAt, []interface{}{lower}), cacheKey(OpCodeAt, []interface{}{lower}))
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "lowercase", in: "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", want: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"},
		{name: "checksummed", in: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", want: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"},
		{name: "too short", in: "0x1234", want: "0x1234"},
		{name: "not hex", in: "vitalik.eth", want: "vitalik.eth"},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, NormalizeAddress(tt.in))
		})
	}
}

func TestParseChainsConfig(t *testing.T) {
	data := []byte(`
chains:
  - name: ethereum
    chain_id: 1
    rpc_url: https://eth.example
    fallbacks: [https://eth2.example, https://eth3.example]
    native_currency: {symbol: ETH, decimals: 18}
  - name: arbitrum
    chain_id: 42161
    rpc_url: https://arb.example
    low_latency: true
    native_currency: {symbol: ETH}
  - name: old
    chain_id: 5
    rpc_url: https://goerli.example
    disabled: true
`)
	chains, err := ParseChainsConfig(data)
	require.NoError(t, err)
	require.Len(t, chains, 2)
	require.Equal(t, []string{"https://eth.example", "https://eth2.example", "https://eth3.example"}, chains[0].URLs())
	require.True(t, chains[1].LowLatency)
	require.Equal(t, uint8(18), chains[1].NativeCurrency.Decimals)

	_, err = ParseChainsConfig([]byte("chains:\n  - name: broken\n"))
	require.ErrorIs(t, err, ErrInvalidChainConfig)
}

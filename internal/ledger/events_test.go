package ledger

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

var (
	testPoolAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testFeedAddr = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	testAccount  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func testDecoder() *Decoder {
	return NewDecoder(
		map[common.Address]MarketSpec{
			testPoolAddr: {
				Protocol:             "aave",
				CollateralAsset:      "WETH",
				CollateralDecimals:   18,
				DebtAsset:            "USDC",
				DebtDecimals:         6,
				LiquidationThreshold: 0.8,
			},
		},
		map[common.Address]FeedSpec{
			testFeedAddr: {Asset: "WETH", Source: "primary"},
		},
	)
}

func testHeader(number uint64) *types.Header {
	return &types.Header{
		Number: new(big.Int).SetUint64(number),
		Time:   uint64(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Unix()),
	}
}

func poolLog(topic common.Hash, amount *big.Int) types.Log {
	return types.Log{
		Address:     testPoolAddr,
		Topics:      []common.Hash{topic, common.BytesToHash(testAccount.Bytes())},
		Data:        common.LeftPadBytes(amount.Bytes(), 32),
		BlockNumber: 100,
		Index:       0,
	}
}

func feedLog(answer *big.Int, updatedAt int64) types.Log {
	return types.Log{
		Address:     testFeedAddr,
		Topics:      []common.Hash{answerUpdatedTopic, common.BytesToHash(answer.Bytes())},
		Data:        common.LeftPadBytes(big.NewInt(updatedAt).Bytes(), 32),
		BlockNumber: 100,
		Index:       1,
	}
}

func TestDecodeBorrowLog(t *testing.T) {
	env := testDecoder().DecodeBlock(testHeader(100), []types.Log{
		poolLog(borrowTopic, big.NewInt(3000e6)),
	})

	require.Len(t, env.Positions, 1)
	ev := env.Positions[0]
	assert.Equal(t, domain.EventBorrow, ev.Kind)
	assert.Equal(t, "aave", ev.Protocol)
	assert.Equal(t, testAccount.Hex(), ev.Account)
	assert.Equal(t, uint8(6), ev.Decimals)
	assert.Equal(t, big.NewInt(3000e6), ev.Amount)
}

func TestDecodeSupplyUsesCollateralDecimals(t *testing.T) {
	env := testDecoder().DecodeBlock(testHeader(100), []types.Log{
		poolLog(supplyTopic, big.NewInt(2e18)),
	})

	require.Len(t, env.Positions, 1)
	assert.Equal(t, domain.EventDeposit, env.Positions[0].Kind)
	assert.Equal(t, uint8(18), env.Positions[0].Decimals)
}

func TestDecodeFeedLog(t *testing.T) {
	updated := time.Date(2026, 3, 1, 11, 59, 30, 0, time.UTC)
	env := testDecoder().DecodeBlock(testHeader(100), []types.Log{
		feedLog(big.NewInt(2500_00000000), updated.Unix()),
	})

	require.Len(t, env.Prices, 1)
	q := env.Prices[0].Quote
	assert.Equal(t, "WETH", q.Asset)
	assert.Equal(t, "primary", q.Source)
	assert.InDelta(t, 2500.0, q.PriceUSD, 1e-9)
	assert.Equal(t, updated, q.Timestamp)
}

func TestDecodeIgnoresUnknownContract(t *testing.T) {
	lg := poolLog(borrowTopic, big.NewInt(1))
	lg.Address = common.HexToAddress("0x00000000000000000000000000000000000000ff")

	env := testDecoder().DecodeBlock(testHeader(100), []types.Log{lg})
	assert.Empty(t, env.Positions)
	assert.Empty(t, env.Prices)
}

func TestDecodeIgnoresUnknownTopicAndRemovedLogs(t *testing.T) {
	unknown := poolLog(answerUpdatedTopic, big.NewInt(1))
	removed := poolLog(borrowTopic, big.NewInt(1))
	removed.Removed = true

	env := testDecoder().DecodeBlock(testHeader(100), []types.Log{unknown, removed})
	assert.Empty(t, env.Positions)
}

func TestDecodeRejectsNonPositiveAnswer(t *testing.T) {
	env := testDecoder().DecodeBlock(testHeader(100), []types.Log{
		feedLog(big.NewInt(0), time.Now().Unix()),
	})
	assert.Empty(t, env.Prices)
}

func TestDecodeRejectsNegativeAnswer(t *testing.T) {
	// int256 answers arrive in two's complement, so -5e8 fills the topic's
	// high bytes. It must be dropped, not read as an astronomical price.
	neg := new(big.Int).Add(
		new(big.Int).Lsh(big.NewInt(1), 256),
		big.NewInt(-500_000_000),
	)
	lg := feedLog(big.NewInt(1), time.Now().Unix())
	lg.Topics[1] = common.BytesToHash(neg.Bytes())

	env := testDecoder().DecodeBlock(testHeader(100), []types.Log{lg})
	assert.Empty(t, env.Prices)
}

func TestDecodeEnvelopeHeaderFields(t *testing.T) {
	h := testHeader(123)
	env := testDecoder().DecodeBlock(h, nil)
	assert.Equal(t, uint64(123), env.Number)
	assert.Equal(t, h.Hash().Hex(), env.Hash)
	assert.Equal(t, time.Unix(int64(h.Time), 0).UTC(), env.Timestamp)
}

func TestPoolForLooksUpByProtocol(t *testing.T) {
	d := testDecoder()

	spec, addr, ok := d.PoolFor("aave")
	require.True(t, ok)
	assert.Equal(t, testPoolAddr, addr)
	assert.Equal(t, "USDC", spec.DebtAsset)

	_, _, ok = d.PoolFor("compound")
	assert.False(t, ok)
}

func TestAddressesCoversPoolsAndFeeds(t *testing.T) {
	addrs := testDecoder().Addresses()
	assert.ElementsMatch(t, []common.Address{testPoolAddr, testFeedAddr}, addrs)
}

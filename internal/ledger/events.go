package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

// Event signatures for the tracked lending pools and Chainlink-style oracle
// feeds (pre-computed keccak256 of the canonical event strings).
var (
	borrowTopic    = ethcrypto.Keccak256Hash([]byte("Borrow(address,uint256)"))
	repayTopic     = ethcrypto.Keccak256Hash([]byte("Repay(address,uint256)"))
	supplyTopic    = ethcrypto.Keccak256Hash([]byte("Supply(address,uint256)"))
	withdrawTopic  = ethcrypto.Keccak256Hash([]byte("Withdraw(address,uint256)"))
	liquidateTopic = ethcrypto.Keccak256Hash([]byte("Liquidate(address,uint256,uint256)"))

	// AnswerUpdated(int256 indexed current, uint256 indexed roundId, uint256 updatedAt)
	answerUpdatedTopic = ethcrypto.Keccak256Hash([]byte("AnswerUpdated(int256,uint256,uint256)"))
)

// MarketSpec binds a pool contract to its protocol identity and market
// parameters, built from configuration at wire time.
type MarketSpec struct {
	Protocol             string
	CollateralAsset      string
	CollateralDecimals   uint8
	DebtAsset            string
	DebtDecimals         uint8
	LiquidationThreshold float64
}

// FeedSpec binds an oracle feed contract to the asset it prices and the
// source label ("primary" or "secondary").
type FeedSpec struct {
	Asset  string
	Source string
}

// Decoder turns raw ledger logs into typed position and price events. Logs
// from unknown contracts or with unknown topics are ignored.
type Decoder struct {
	pools map[common.Address]MarketSpec
	feeds map[common.Address]FeedSpec
}

// NewDecoder creates a Decoder over the given pool and feed registries.
func NewDecoder(pools map[common.Address]MarketSpec, feeds map[common.Address]FeedSpec) *Decoder {
	return &Decoder{pools: pools, feeds: feeds}
}

// PoolFor returns the market spec and contract address for a protocol name.
func (d *Decoder) PoolFor(protocol string) (MarketSpec, common.Address, bool) {
	for addr, spec := range d.pools {
		if spec.Protocol == protocol {
			return spec, addr, true
		}
	}
	return MarketSpec{}, common.Address{}, false
}

// Addresses returns every contract address the decoder understands, for use
// in log filter queries.
func (d *Decoder) Addresses() []common.Address {
	out := make([]common.Address, 0, len(d.pools)+len(d.feeds))
	for addr := range d.pools {
		out = append(out, addr)
	}
	for addr := range d.feeds {
		out = append(out, addr)
	}
	return out
}

// DecodeBlock decodes all relevant logs of one block into an envelope.
func (d *Decoder) DecodeBlock(header *types.Header, logs []types.Log) domain.BlockEnvelope {
	env := domain.BlockEnvelope{
		Number:     header.Number.Uint64(),
		Hash:       header.Hash().Hex(),
		ParentHash: header.ParentHash.Hex(),
		Timestamp:  time.Unix(int64(header.Time), 0).UTC(),
	}
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) == 0 {
			continue
		}
		if spec, ok := d.pools[lg.Address]; ok {
			if ev, ok := decodePoolLog(spec, lg); ok {
				env.Positions = append(env.Positions, ev)
			}
			continue
		}
		if spec, ok := d.feeds[lg.Address]; ok {
			if ev, ok := decodeFeedLog(spec, lg); ok {
				env.Prices = append(env.Prices, ev)
			}
		}
	}
	return env
}

func decodePoolLog(spec MarketSpec, lg types.Log) (domain.PositionEvent, bool) {
	if len(lg.Topics) < 2 {
		return domain.PositionEvent{}, false
	}
	account := common.BytesToAddress(lg.Topics[1].Bytes()).Hex()

	ev := domain.PositionEvent{
		Protocol:        spec.Protocol,
		Account:         account,
		CollateralAsset: spec.CollateralAsset,
		DebtAsset:       spec.DebtAsset,
		Threshold:       spec.LiquidationThreshold,
		Block:           lg.BlockNumber,
		LogIndex:        lg.Index,
	}

	switch lg.Topics[0] {
	case borrowTopic:
		ev.Kind = domain.EventBorrow
		ev.Decimals = spec.DebtDecimals
	case repayTopic:
		ev.Kind = domain.EventRepay
		ev.Decimals = spec.DebtDecimals
	case supplyTopic:
		ev.Kind = domain.EventDeposit
		ev.Decimals = spec.CollateralDecimals
	case withdrawTopic:
		ev.Kind = domain.EventWithdraw
		ev.Decimals = spec.CollateralDecimals
	case liquidateTopic:
		ev.Kind = domain.EventLiquidate
		ev.Decimals = spec.DebtDecimals
	default:
		return domain.PositionEvent{}, false
	}

	if len(lg.Data) < 32 {
		return domain.PositionEvent{}, false
	}
	ev.Amount = new(big.Int).SetBytes(lg.Data[:32])
	return ev, true
}

func decodeFeedLog(spec FeedSpec, lg types.Log) (domain.PriceEvent, bool) {
	if lg.Topics[0] != answerUpdatedTopic || len(lg.Topics) < 2 {
		return domain.PriceEvent{}, false
	}
	// Feed answers are int256 on the fixed 8-decimal Chainlink scale. A set
	// sign bit means a negative answer, which no sane price feed emits; drop
	// it rather than misread the two's complement as an enormous positive.
	raw := lg.Topics[1].Bytes()
	if raw[0]&0x80 != 0 {
		return domain.PriceEvent{}, false
	}
	answer := new(big.Int).SetBytes(raw)
	price, _ := new(big.Float).Quo(
		new(big.Float).SetInt(answer),
		big.NewFloat(1e8),
	).Float64()
	if price <= 0 {
		return domain.PriceEvent{}, false
	}

	ts := time.Now().UTC()
	if len(lg.Data) >= 32 {
		if sec := new(big.Int).SetBytes(lg.Data[:32]); sec.IsInt64() && sec.Int64() > 0 {
			ts = time.Unix(sec.Int64(), 0).UTC()
		}
	}

	return domain.PriceEvent{
		Quote: domain.PriceQuote{
			Asset:     spec.Asset,
			Source:    spec.Source,
			PriceUSD:  price,
			Block:     lg.BlockNumber,
			Timestamp: ts,
		},
		Block:    lg.BlockNumber,
		LogIndex: lg.Index,
	}, true
}

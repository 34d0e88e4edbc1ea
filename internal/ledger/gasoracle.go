package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	selL1BaseFee  = ethcrypto.Keccak256([]byte("l1BaseFee()"))[:4]
	selBaseScalar = ethcrypto.Keccak256([]byte("baseFeeScalar()"))[:4]
)

// GasOracle reads the data-publication pricing parameters from the rollup's
// gas price oracle system contract. The parent-chain base fee and scalars
// move slowly, so reads are cached for a short TTL instead of hitting the
// contract on every plan.
type GasOracle struct {
	pool     *Pool
	contract common.Address
	ttl      time.Duration

	mu         sync.Mutex
	l1BaseFee  *big.Int
	baseScalar *big.Int
	fetchedAt  time.Time
}

// NewGasOracle builds an oracle client against the system contract address.
func NewGasOracle(pool *Pool, contract common.Address, ttl time.Duration) *GasOracle {
	if ttl <= 0 {
		ttl = 12 * time.Second
	}
	return &GasOracle{pool: pool, contract: contract, ttl: ttl}
}

// DataFeeWei returns the data-publication fee in wei for a transaction with
// payloadLen bytes of calldata. The fee is charged on top of execution gas
// and scales with the parent-chain base fee.
func (g *GasOracle) DataFeeWei(ctx context.Context, payloadLen int) (*big.Int, error) {
	baseFee, scalar, err := g.params(ctx)
	if err != nil {
		return nil, err
	}
	// fee = payloadBytes * l1BaseFee * scalar / 1e6, the scalar being a
	// fixed-point value with six decimals.
	fee := new(big.Int).SetInt64(int64(payloadLen))
	fee.Mul(fee, baseFee)
	fee.Mul(fee, scalar)
	fee.Div(fee, big.NewInt(1_000_000))
	return fee, nil
}

func (g *GasOracle) params(ctx context.Context) (*big.Int, *big.Int, error) {
	g.mu.Lock()
	if g.l1BaseFee != nil && time.Since(g.fetchedAt) < g.ttl {
		baseFee := new(big.Int).Set(g.l1BaseFee)
		scalar := new(big.Int).Set(g.baseScalar)
		g.mu.Unlock()
		return baseFee, scalar, nil
	}
	g.mu.Unlock()

	baseFee, err := g.readUint(ctx, selL1BaseFee)
	if err != nil {
		return nil, nil, fmt.Errorf("gas oracle: l1BaseFee: %w", err)
	}
	scalar, err := g.readUint(ctx, selBaseScalar)
	if err != nil {
		return nil, nil, fmt.Errorf("gas oracle: baseFeeScalar: %w", err)
	}

	g.mu.Lock()
	g.l1BaseFee = baseFee
	g.baseScalar = scalar
	g.fetchedAt = time.Now()
	g.mu.Unlock()

	return new(big.Int).Set(baseFee), new(big.Int).Set(scalar), nil
}

func (g *GasOracle) readUint(ctx context.Context, selector []byte) (*big.Int, error) {
	msg := ethereum.CallMsg{To: &g.contract, Data: selector}
	var raw []byte
	err := g.pool.Do(ctx, func(ctx context.Context, rpc RPC) error {
		out, err := rpc.CallContract(ctx, msg, nil)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(raw) < 32 {
		return nil, fmt.Errorf("short call result: %d bytes", len(raw))
	}
	return new(big.Int).SetBytes(raw[:32]), nil
}

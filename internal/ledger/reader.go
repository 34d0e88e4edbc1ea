package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

var (
	selPositions = ethcrypto.Keccak256([]byte("positions(address)"))[:4]
	selPaused    = ethcrypto.Keccak256([]byte("liquidationsPaused()"))[:4]
)

// Reader performs point-in-time state reads against the canonical endpoint.
// It is the authoritative side of reconciliation, deliberately kept apart
// from the streaming path so that a bug in one cannot mask a bug in the
// other.
type Reader struct {
	pool *Pool
	dec  *Decoder
}

// NewReader builds a Reader using pool's canonical endpoint.
func NewReader(pool *Pool, dec *Decoder) *Reader {
	return &Reader{pool: pool, dec: dec}
}

// CanonicalPosition reads account's collateral and debt on protocol's pool
// contract at the given block number. Returns domain.ErrNotFound when the
// protocol is not configured.
func (r *Reader) CanonicalPosition(ctx context.Context, key domain.PositionKey, block uint64) (domain.Position, error) {
	spec, pool, ok := r.dec.PoolFor(key.Protocol)
	if !ok {
		return domain.Position{}, fmt.Errorf("canonical read: protocol %q: %w", key.Protocol, domain.ErrNotFound)
	}

	account := common.HexToAddress(key.Account)
	data := make([]byte, 0, 36)
	data = append(data, selPositions...)
	data = append(data, common.LeftPadBytes(account.Bytes(), 32)...)

	raw, err := r.call(ctx, pool, data, block)
	if err != nil {
		return domain.Position{}, fmt.Errorf("canonical read: %s/%s: %w", key.Protocol, key.Account, err)
	}
	if len(raw) < 64 {
		return domain.Position{}, fmt.Errorf("canonical read: short result: %d bytes", len(raw))
	}

	return domain.Position{
		Protocol:             key.Protocol,
		Account:              key.Account,
		CollateralAsset:      spec.CollateralAsset,
		DebtAsset:            spec.DebtAsset,
		CollateralAmount:     new(big.Int).SetBytes(raw[:32]),
		DebtAmount:           new(big.Int).SetBytes(raw[32:64]),
		CollateralDecimals:   spec.CollateralDecimals,
		DebtDecimals:         spec.DebtDecimals,
		LiquidationThreshold: spec.LiquidationThreshold,
		UpdatedBlock:         block,
	}, nil
}

// ProtocolPaused reports whether protocol has liquidations paused. Errors
// are returned rather than treated as unpaused so the scanner can fail
// closed.
func (r *Reader) ProtocolPaused(ctx context.Context, protocol string) (bool, error) {
	_, pool, ok := r.dec.PoolFor(protocol)
	if !ok {
		return false, fmt.Errorf("paused check: protocol %q: %w", protocol, domain.ErrNotFound)
	}
	raw, err := r.call(ctx, pool, selPaused, 0)
	if err != nil {
		return false, fmt.Errorf("paused check: %s: %w", protocol, err)
	}
	if len(raw) < 32 {
		return false, fmt.Errorf("paused check: short result: %d bytes", len(raw))
	}
	return raw[31] != 0, nil
}

// call executes an eth_call on the canonical endpoint. block 0 means
// latest.
func (r *Reader) call(ctx context.Context, to common.Address, data []byte, block uint64) ([]byte, error) {
	rpc, err := r.pool.Canonical(ctx)
	if err != nil {
		return nil, err
	}
	var blockNum *big.Int
	if block != 0 {
		blockNum = new(big.Int).SetUint64(block)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.pool.CallTimeout())
	defer cancel()
	return rpc.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, blockNum)
}

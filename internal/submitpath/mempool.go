package submitpath

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/liqbot/internal/config"
	"github.com/alanyoungcy/liqbot/internal/ledger"
)

// Mempool broadcasts through the public transaction pool on whichever
// endpoint is currently primary. Free, but visible to every competitor.
type Mempool struct {
	name string
	fee  float64
	pool *ledger.Pool
}

// NewMempool builds the public-mempool path.
func NewMempool(cfg config.PathConfig, pool *ledger.Pool) *Mempool {
	return &Mempool{name: cfg.Name, fee: cfg.FixedFeeUSD, pool: pool}
}

func (m *Mempool) Name() string         { return m.name }
func (m *Mempool) FixedFeeUSD() float64 { return m.fee }

// Submit sends the signed transaction via the endpoint pool, inheriting its
// failover behavior.
func (m *Mempool) Submit(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	err := m.pool.Do(ctx, func(ctx context.Context, rpc ledger.RPC) error {
		return rpc.SendTransaction(ctx, tx)
	})
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

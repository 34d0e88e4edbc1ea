package planner

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/liqbot/internal/domain"
	"github.com/alanyoungcy/liqbot/internal/ledger"
)

var settlementLiquidateTopic = ethcrypto.Keccak256Hash([]byte("Liquidate(address,uint256,uint256)"))

// OutcomeSink receives terminal submission outcomes. Implemented by the
// governor for failure-streak accounting.
type OutcomeSink interface {
	ReportOutcome(included bool)
}

// pendingTx is one submitted transaction awaiting its receipt.
type pendingTx struct {
	recordID     string
	txHash       common.Hash
	path         string
	settlement   common.Address
	debtDecimals uint8
	debtPriceUSD float64
	submittedAt  time.Time
}

// Confirmer polls for receipts of submitted transactions and backfills the
// inclusion outcome onto their execution records. A transaction with no
// receipt by the deadline counts as dropped.
type Confirmer struct {
	pool     *ledger.Pool
	records  domain.ExecutionStore
	bribes   *BribeBook
	outcomes OutcomeSink
	logger   *slog.Logger

	interval time.Duration
	deadline time.Duration

	mu         sync.Mutex
	pending    []pendingTx
	onResolved func(recordID string, included bool)
}

// NewConfirmer creates a Confirmer polling at interval and giving up on a
// transaction after deadline.
func NewConfirmer(
	pool *ledger.Pool,
	records domain.ExecutionStore,
	bribes *BribeBook,
	outcomes OutcomeSink,
	interval, deadline time.Duration,
	logger *slog.Logger,
) *Confirmer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if deadline <= 0 {
		deadline = 2 * time.Minute
	}
	return &Confirmer{
		pool:     pool,
		records:  records,
		bribes:   bribes,
		outcomes: outcomes,
		interval: interval,
		deadline: deadline,
		logger:   logger.With(slog.String("component", "confirmer")),
	}
}

// OnResolved registers a callback invoked after each terminal outcome, for
// publishing the resolution to observability consumers. Must be set before
// Run.
func (c *Confirmer) OnResolved(fn func(recordID string, included bool)) {
	c.onResolved = fn
}

// Watch registers a submitted transaction for outcome tracking.
func (c *Confirmer) Watch(tx pendingTx) {
	if tx.submittedAt.IsZero() {
		tx.submittedAt = time.Now().UTC()
	}
	c.mu.Lock()
	c.pending = append(c.pending, tx)
	c.mu.Unlock()
}

// Run polls until ctx is cancelled.
func (c *Confirmer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep checks every pending transaction once.
func (c *Confirmer) sweep(ctx context.Context) {
	c.mu.Lock()
	batch := make([]pendingTx, len(c.pending))
	copy(batch, c.pending)
	c.mu.Unlock()

	var still []pendingTx
	for _, tx := range batch {
		done := c.check(ctx, tx)
		if !done {
			still = append(still, tx)
		}
	}

	c.mu.Lock()
	c.pending = still
	c.mu.Unlock()
}

// check resolves one pending transaction. Returns true when it reached a
// terminal outcome.
func (c *Confirmer) check(ctx context.Context, tx pendingTx) bool {
	var receipt *types.Receipt
	err := c.pool.Do(ctx, func(ctx context.Context, rpc ledger.RPC) error {
		r, err := rpc.TransactionReceipt(ctx, tx.txHash)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})

	if err != nil || receipt == nil {
		if time.Since(tx.submittedAt) > c.deadline {
			c.finish(ctx, tx, false, nil)
			return true
		}
		return false
	}

	included := receipt.Status == types.ReceiptStatusSuccessful
	var actual *float64
	if included {
		if profit, ok := c.settledProfit(receipt, tx); ok {
			actual = &profit
		}
	}
	c.finish(ctx, tx, included, actual)
	return true
}

// settledProfit extracts realized profit from the settlement event.
func (c *Confirmer) settledProfit(receipt *types.Receipt, tx pendingTx) (float64, bool) {
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != tx.settlement {
			continue
		}
		if len(lg.Topics) == 0 || lg.Topics[0] != settlementLiquidateTopic {
			continue
		}
		if len(lg.Data) < 64 {
			continue
		}
		profitRaw := new(big.Int).SetBytes(lg.Data[32:64])
		return domain.UnitsFromRaw(profitRaw, tx.debtDecimals) * tx.debtPriceUSD, true
	}
	return 0, false
}

func (c *Confirmer) finish(ctx context.Context, tx pendingTx, included bool, actual *float64) {
	if err := c.records.BackfillOutcome(ctx, tx.recordID, included, actual); err != nil {
		c.logger.Error("outcome backfill failed",
			slog.String("record", tx.recordID),
			slog.String("error", err.Error()),
		)
	}
	if c.bribes != nil {
		c.bribes.RecordOutcome(tx.path, included)
	}
	if c.outcomes != nil {
		c.outcomes.ReportOutcome(included)
	}
	if c.onResolved != nil {
		c.onResolved(tx.recordID, included)
	}

	level := slog.LevelInfo
	if !included {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "submission resolved",
		slog.String("tx", tx.txHash.Hex()),
		slog.String("path", tx.path),
		slog.Bool("included", included),
	)
}

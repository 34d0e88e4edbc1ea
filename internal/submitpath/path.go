// Package submitpath abstracts the routes a signed settlement transaction
// can take to the sequencer. The variant set is closed: the public mempool
// and private relays. Each path carries its own fixed access fee, which the
// cost model charges before profitability is judged.
package submitpath

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/liqbot/internal/config"
	"github.com/alanyoungcy/liqbot/internal/domain"
	"github.com/alanyoungcy/liqbot/internal/ledger"
)

// Path is one submission route.
type Path interface {
	Name() string
	// FixedFeeUSD is the flat per-submission charge for this route.
	FixedFeeUSD() float64
	// Submit broadcasts the signed transaction and returns its hash. A
	// rejection by the route maps to domain.ErrPathRejected.
	Submit(ctx context.Context, tx *types.Transaction) (common.Hash, error)
}

// Build constructs every configured path. Unknown kinds are a configuration
// error caught at startup, not at submission time.
func Build(cfgs []config.PathConfig, pool *ledger.Pool) ([]Path, error) {
	paths := make([]Path, 0, len(cfgs))
	for _, cfg := range cfgs {
		switch cfg.Kind {
		case "mempool":
			paths = append(paths, NewMempool(cfg, pool))
		case "relay":
			paths = append(paths, NewRelay(cfg))
		default:
			return nil, fmt.Errorf("submitpath: unknown path kind %q", cfg.Kind)
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("submitpath: %w: no paths configured", domain.ErrNoPath)
	}
	return paths, nil
}

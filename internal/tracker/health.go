package tracker

import (
	"fmt"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

// checkContinuity validates the new envelope against the last applied block.
// Any violation means the stream can no longer be trusted as a faithful
// replay of the ledger, so each maps to a critical signal.
func (t *Tracker) checkContinuity(env domain.BlockEnvelope) (domain.CriticalSignal, bool) {
	if t.lastBlock == 0 {
		return domain.CriticalSignal{}, false // first block after start
	}

	if env.Number > t.lastBlock+1 {
		return domain.CriticalSignal{
			Kind: domain.SignalBlockGap,
			Detail: fmt.Sprintf("jumped from block %d to %d, %d blocks unseen",
				t.lastBlock, env.Number, env.Number-t.lastBlock-1),
			Block: env.Number,
		}, true
	}

	if env.Number == t.lastBlock+1 && t.lastHash != "" && env.ParentHash != t.lastHash {
		return domain.CriticalSignal{
			Kind: domain.SignalBlockGap,
			Detail: fmt.Sprintf("parent hash mismatch at block %d: have %s, chain says %s",
				env.Number, t.lastHash, env.ParentHash),
			Block: env.Number,
		}, true
	}

	if env.Number > t.lastBlock && env.Timestamp.Before(t.lastTimestamp) {
		return domain.CriticalSignal{
			Kind: domain.SignalTimestampSkew,
			Detail: fmt.Sprintf("block %d timestamp %s precedes block %d timestamp %s",
				env.Number, env.Timestamp.Format("15:04:05.000"),
				t.lastBlock, t.lastTimestamp.Format("15:04:05.000")),
			Block: env.Number,
		}, true
	}

	if gap := env.Timestamp.Sub(t.lastTimestamp); env.Number > t.lastBlock &&
		gap > t.cfg.MaxBlockInterval.Duration {
		return domain.CriticalSignal{
			Kind: domain.SignalTimestampSkew,
			Detail: fmt.Sprintf("blocks %d and %d are %s apart, over the %s ceiling",
				t.lastBlock, env.Number, gap, t.cfg.MaxBlockInterval.Duration),
			Block: env.Number,
		}, true
	}

	return domain.CriticalSignal{}, false
}

package ledger

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

// Streamer is the ingestion task: it follows new block headers on the
// primary endpoint, fetches and decodes the relevant logs for each block,
// and delivers envelopes to the tracker in strict block order with no gaps.
type Streamer struct {
	pool   *Pool
	dec    *Decoder
	out    chan<- domain.BlockEnvelope
	logger *slog.Logger

	lastNumber uint64
}

// NewStreamer creates a Streamer that sends envelopes on out.
func NewStreamer(pool *Pool, dec *Decoder, out chan<- domain.BlockEnvelope, logger *slog.Logger) *Streamer {
	return &Streamer{
		pool:   pool,
		dec:    dec,
		out:    out,
		logger: logger.With(slog.String("component", "ledger_streamer")),
	}
}

// Run drives the subscription loop until ctx is cancelled. A broken
// subscription triggers endpoint failover and a resubscribe; blocks that
// were produced during the gap are backfilled in order before resuming.
func (s *Streamer) Run(ctx context.Context) error {
	s.logger.Info("ledger streamer started")
	defer s.logger.Info("ledger streamer stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.streamOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("head subscription lost, failing over",
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// streamOnce subscribes on the current primary endpoint and processes heads
// until the subscription errors.
func (s *Streamer) streamOnce(ctx context.Context) error {
	rpc, err := s.pool.Primary()
	if err != nil {
		return err
	}

	heads := make(chan *types.Header, 16)
	sub, err := rpc.SubscribeNewHead(ctx, heads)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case header := <-heads:
			if header == nil {
				continue
			}
			if err := s.deliverThrough(ctx, header); err != nil {
				return err
			}
		}
	}
}

// deliverThrough emits envelopes for every block from the watermark up to
// and including head, backfilling any numbers the subscription skipped.
func (s *Streamer) deliverThrough(ctx context.Context, head *types.Header) error {
	target := head.Number.Uint64()
	if s.lastNumber != 0 && target <= s.lastNumber {
		return nil // stale or duplicate head
	}

	start := target
	if s.lastNumber != 0 {
		start = s.lastNumber + 1
	}
	for n := start; n <= target; n++ {
		header := head
		if n != target {
			h, err := s.fetchHeader(ctx, n)
			if err != nil {
				return err
			}
			header = h
		}
		env, err := s.decode(ctx, header)
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.out <- env:
			s.lastNumber = n
		}
	}
	return nil
}

func (s *Streamer) fetchHeader(ctx context.Context, number uint64) (*types.Header, error) {
	var header *types.Header
	err := s.pool.Do(ctx, func(ctx context.Context, rpc RPC) error {
		h, err := rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return err
		}
		header = h
		return nil
	})
	return header, err
}

func (s *Streamer) decode(ctx context.Context, header *types.Header) (domain.BlockEnvelope, error) {
	num := header.Number
	query := ethereum.FilterQuery{
		FromBlock: num,
		ToBlock:   num,
		Addresses: s.dec.Addresses(),
	}
	var logs []types.Log
	err := s.pool.Do(ctx, func(ctx context.Context, rpc RPC) error {
		out, err := rpc.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		logs = out
		return nil
	})
	if err != nil {
		return domain.BlockEnvelope{}, err
	}
	return s.dec.DecodeBlock(header, logs), nil
}

package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

// PoolConfig holds the parameters for an endpoint pool.
type PoolConfig struct {
	Endpoints         []string
	CanonicalEndpoint string
	CallTimeout       time.Duration
	FailoverWindow    time.Duration
	// ReconcileReadsPerSec bounds the canonical-read rate so reconciliation
	// cannot exhaust the provider quota shared with streaming.
	ReconcileReadsPerSec float64
}

type endpointState struct {
	url      string
	rpc      RPC
	healthy  bool
	downedAt time.Time
}

// Pool manages an ordered set of independently-operated RPC endpoints. The
// first healthy endpoint serves streaming and submission; endpoints marked
// down are retried after the failover window. The canonical endpoint is kept
// logically separate from the streaming set because a degraded provider can
// report a self-consistent but wrong view of its own state.
type Pool struct {
	mu        sync.Mutex
	endpoints []*endpointState

	canonical RPC
	limiter   *rate.Limiter

	callTimeout    time.Duration
	failoverWindow time.Duration
	onAllDown      func(domain.CriticalSignal)
	logger         *slog.Logger
}

// NewPool dials every configured endpoint and the canonical endpoint. At
// least one streaming endpoint must come up; the canonical endpoint falls
// back to the second streaming endpoint when not separately configured.
func NewPool(ctx context.Context, cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	p := &Pool{
		callTimeout:    cfg.CallTimeout,
		failoverWindow: cfg.FailoverWindow,
		limiter:        rate.NewLimiter(rate.Limit(cfg.ReconcileReadsPerSec), int(cfg.ReconcileReadsPerSec)),
		logger:         logger.With(slog.String("component", "endpoint_pool")),
	}

	for _, url := range cfg.Endpoints {
		rpc, err := Dial(ctx, url)
		if err != nil {
			p.logger.Warn("endpoint dial failed, marking down",
				slog.String("endpoint", url),
				slog.String("error", err.Error()),
			)
			p.endpoints = append(p.endpoints, &endpointState{url: url, healthy: false, downedAt: time.Now()})
			continue
		}
		p.endpoints = append(p.endpoints, &endpointState{url: url, rpc: rpc, healthy: true})
	}
	if p.healthyCountLocked() == 0 {
		return nil, domain.ErrNoEndpoint
	}

	switch {
	case cfg.CanonicalEndpoint != "":
		rpc, err := Dial(ctx, cfg.CanonicalEndpoint)
		if err != nil {
			return nil, err
		}
		p.canonical = rpc
	case len(p.endpoints) > 1 && p.endpoints[1].rpc != nil:
		p.canonical = p.endpoints[1].rpc
	default:
		p.canonical = p.endpoints[0].rpc
	}

	return p, nil
}

// Close releases every dialed connection. The pool must not be used after
// Close.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if c, ok := ep.rpc.(interface{ Close() }); ok && ep.rpc != nil {
			c.Close()
		}
	}
	if c, ok := p.canonical.(interface{ Close() }); ok {
		c.Close()
	}
}

// SetAllDownHandler registers the callback invoked when every streaming
// endpoint is unhealthy. The tracker wires this to the governor's critical
// signal channel.
func (p *Pool) SetAllDownHandler(fn func(domain.CriticalSignal)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onAllDown = fn
}

// Primary returns the first healthy streaming endpoint. Endpoints past their
// failover window are given another chance before being skipped.
func (p *Pool) Primary() (RPC, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		if ep.rpc == nil {
			continue
		}
		if !ep.healthy && time.Since(ep.downedAt) < p.failoverWindow {
			continue
		}
		if !ep.healthy {
			p.logger.Info("retrying downed endpoint", slog.String("endpoint", ep.url))
			ep.healthy = true
		}
		return ep.rpc, nil
	}
	return nil, domain.ErrNoEndpoint
}

// Do runs fn against the primary endpoint with a bounded timeout, failing
// over to the next healthy endpoint on error. When every endpoint has
// failed, the all-down handler fires and domain.ErrNoEndpoint is returned.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context, rpc RPC) error) error {
	tried := 0
	var lastErr error
	for tried < len(p.endpoints) {
		rpc, err := p.Primary()
		if err != nil {
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		err = fn(callCtx, rpc)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		p.markDown(rpc)
		tried++
	}

	p.mu.Lock()
	handler := p.onAllDown
	allDown := p.healthyCountLocked() == 0
	p.mu.Unlock()
	if handler != nil && allDown {
		detail := "all ledger endpoints failed"
		if lastErr != nil {
			detail = lastErr.Error()
		}
		handler(domain.CriticalSignal{Kind: domain.SignalEndpointsLost, Detail: detail})
	}
	if lastErr != nil {
		return lastErr
	}
	return domain.ErrNoEndpoint
}

// Canonical returns the reconciliation endpoint after reserving one token
// from the read-rate limiter. The wait respects ctx.
func (p *Pool) Canonical(ctx context.Context) (RPC, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.canonical, nil
}

// CallTimeout returns the per-call timeout for external reads.
func (p *Pool) CallTimeout() time.Duration {
	return p.callTimeout
}

// Status reports per-endpoint health for the operator API.
func (p *Pool) Status() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool, len(p.endpoints))
	for _, ep := range p.endpoints {
		out[ep.url] = ep.healthy
	}
	return out
}

func (p *Pool) markDown(rpc RPC) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if ep.rpc == rpc && ep.healthy {
			ep.healthy = false
			ep.downedAt = time.Now()
			p.logger.Warn("endpoint marked down", slog.String("endpoint", ep.url))
			return
		}
	}
}

// healthyCountLocked assumes the caller holds p.mu (or that no other
// goroutine is running yet, as during NewPool).
func (p *Pool) healthyCountLocked() int {
	n := 0
	for _, ep := range p.endpoints {
		if ep.healthy && ep.rpc != nil {
			n++
		}
	}
	return n
}

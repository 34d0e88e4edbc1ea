package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/liqbot/internal/config"
	"github.com/alanyoungcy/liqbot/internal/crypto"
	"github.com/alanyoungcy/liqbot/internal/domain"
	"github.com/alanyoungcy/liqbot/internal/governor"
	"github.com/alanyoungcy/liqbot/internal/ledger"
	"github.com/alanyoungcy/liqbot/internal/planner"
	"github.com/alanyoungcy/liqbot/internal/scanner"
	"github.com/alanyoungcy/liqbot/internal/server"
	"github.com/alanyoungcy/liqbot/internal/server/handler"
	"github.com/alanyoungcy/liqbot/internal/server/ws"
	"github.com/alanyoungcy/liqbot/internal/submitpath"
	"github.com/alanyoungcy/liqbot/internal/tracker"
)

const (
	executorLockKey = "executor"
	executorLockTTL = 30 * time.Second

	// apiRateLimit bounds requests per client IP per window.
	apiRateLimit       = 120
	apiRateLimitWindow = time.Minute
)

// engine holds the decision pipeline components shared by run and monitor
// modes. Run mode additionally carries the execution side (signer, paths,
// planner, confirmer).
type engine struct {
	pool          *ledger.Pool
	streamer      *ledger.Streamer
	reader        *ledger.Reader
	decoder       *ledger.Decoder
	oracle        *ledger.GasOracle
	tracker       *tracker.Tracker
	scanner       *scanner.Scanner
	governor      *governor.Governor
	reconciler    *tracker.Reconciler
	signals       chan domain.CriticalSignal
	opportunities chan domain.Opportunity
}

// RunMode starts the full pipeline: streaming, tracking, scanning, planning,
// submission, confirmation, the safety governor, and the operator API. It
// holds a distributed lock for the lifetime of the process so two executors
// never sign against the same wallet.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	unlock, err := deps.Locks.Acquire(ctx, executorLockKey, executorLockTTL)
	if err != nil {
		return fmt.Errorf("app: acquire executor lock: %w", err)
	}
	defer unlock()

	eng, err := a.buildEngine(ctx, deps)
	if err != nil {
		return err
	}
	a.attachObservers(deps, eng)

	rawKey, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fmt.Errorf("app: load executor key: %w", err)
	}
	signer, err := crypto.NewSigner(rawKey, a.cfg.Ledger.ChainID)
	if err != nil {
		return fmt.Errorf("app: signer: %w", err)
	}

	paths, err := submitpath.Build(a.cfg.Paths, eng.pool)
	if err != nil {
		return fmt.Errorf("app: submission paths: %w", err)
	}
	pathNames := make([]string, len(paths))
	for i, p := range paths {
		pathNames[i] = p.Name()
	}

	bribes := planner.NewBribeBook(a.cfg.Bribe, pathNames)
	costs := planner.NewCostModel(a.cfg.Planner, eng.oracle, bribes)

	confirmer := planner.NewConfirmer(
		eng.pool, deps.Records, bribes, eng.governor, 0, 0, a.logger,
	)
	confirmer.OnResolved(func(recordID string, included bool) {
		rec, err := deps.Records.GetByID(context.Background(), recordID)
		if err != nil {
			a.logger.Warn("resolved record lookup failed",
				slog.String("record_id", recordID), slog.Any("error", err))
			return
		}
		a.publishJSON(deps, "executions", rec)
		deps.Alerter.ExecutionResolved(context.Background(), rec)
	})

	pln := planner.New(
		a.cfg.Planner,
		common.HexToAddress(a.cfg.Ledger.SettlementContract),
		eng.opportunities,
		eng.pool,
		eng.decoder,
		eng.tracker,
		costs,
		bribes,
		eng.governor,
		signer,
		paths,
		deps.Records,
		confirmer,
		a.logger,
	)

	hub := ws.NewHub(deps.EventBus, eng.governor, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})

	g, gctx := errgroup.WithContext(ctx)
	a.startEngine(gctx, g, eng)
	g.Go(func() error { return pln.Run(gctx) })
	g.Go(func() error { return confirmer.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return a.refreshLock(gctx, deps) })
	if deps.Archiver != nil {
		g.Go(func() error { return a.archiveLoop(gctx, deps) })
	}
	if a.cfg.Server.Enabled {
		a.startServer(gctx, g, deps, eng.governor, hub)
	}

	return g.Wait()
}

// MonitorMode runs the observation half only: the tracker, scanner, and
// governor operate normally and every opportunity is logged and published,
// but nothing is signed or submitted.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	eng, err := a.buildEngine(ctx, deps)
	if err != nil {
		return err
	}
	a.attachObservers(deps, eng)

	hub := ws.NewHub(deps.EventBus, eng.governor, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})

	g, gctx := errgroup.WithContext(ctx)
	a.startEngine(gctx, g, eng)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return a.drainOpportunities(gctx, deps, eng.opportunities) })
	if a.cfg.Server.Enabled {
		a.startServer(gctx, g, deps, eng.governor, hub)
	}

	return g.Wait()
}

// ServerMode serves the operator API over existing stores without running the
// decision pipeline, for reviewing records after the engine itself is down.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	hub := ws.NewHub(deps.EventBus, staticAvailability(domain.StateHalted), a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	a.startServer(gctx, g, deps, nil, hub)
	return g.Wait()
}

// buildEngine constructs the shared observation pipeline from the ledger pool
// up through the governor.
func (a *App) buildEngine(ctx context.Context, deps *Dependencies) (*engine, error) {
	pool, err := ledger.NewPool(ctx, ledger.PoolConfig{
		Endpoints:            a.cfg.Ledger.Endpoints,
		CanonicalEndpoint:    a.cfg.Ledger.CanonicalEndpoint,
		CallTimeout:          a.cfg.Ledger.CallTimeout.Duration,
		FailoverWindow:       a.cfg.Ledger.FailoverWindow.Duration,
		ReconcileReadsPerSec: a.cfg.Ledger.ReconcileReadsPerSec,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: ledger pool: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	dec, err := buildDecoder(a.cfg)
	if err != nil {
		return nil, err
	}

	signals := make(chan domain.CriticalSignal, 16)
	pool.SetAllDownHandler(func(sig domain.CriticalSignal) {
		select {
		case signals <- sig:
		default:
			a.logger.Warn("signal channel full, dropping", slog.String("kind", sig.Kind))
		}
	})

	blocks := make(chan domain.BlockEnvelope, a.cfg.Tracker.IngestBuffer)
	streamer := ledger.NewStreamer(pool, dec, blocks, a.logger)
	reader := ledger.NewReader(pool, dec)
	oracle := ledger.NewGasOracle(pool, common.HexToAddress(a.cfg.Ledger.GasOracleContract), 0)

	reconciler := tracker.NewReconciler(
		reader, deps.Divergences, signals, a.cfg.Tracker.DivergenceBps, a.logger,
	)
	trk := tracker.New(
		a.cfg.Tracker, blocks, signals,
		deps.Positions, deps.Quotes, reconciler, a.logger,
	)
	trk.Warm(ctx)

	opportunities := make(chan domain.Opportunity, 64)
	scn := scanner.New(a.cfg.Scanner, trk, reader, opportunities, a.logger)

	collector := governor.NewCollector(a.cfg.Governor, deps.Records, deps.Snapshots, a.logger)
	gov := governor.New(a.cfg.Governor, deps.Records, deps.Events, collector, signals, a.logger)

	return &engine{
		pool:          pool,
		streamer:      streamer,
		reader:        reader,
		decoder:       dec,
		oracle:        oracle,
		tracker:       trk,
		scanner:       scn,
		governor:      gov,
		reconciler:    reconciler,
		signals:       signals,
		opportunities: opportunities,
	}, nil
}

// attachObservers bridges pipeline events to the event bus and notification
// channels. Core packages stay unaware of Redis and Telegram; only this glue
// knows both sides.
func (a *App) attachObservers(deps *Dependencies, eng *engine) {
	eng.governor.OnTransition(func(ev domain.SystemEvent) {
		a.publishJSON(deps, "availability", ev)
		a.appendStream(deps, "availability", ev)
		deps.Alerter.AvailabilityChanged(context.Background(), ev)
	})
	eng.reconciler.OnDivergence(func(ev domain.DivergenceEvent) {
		a.publishJSON(deps, "divergences", ev)
		deps.Alerter.Divergence(context.Background(), ev)
	})
}

// startEngine launches the goroutines common to run and monitor modes.
func (a *App) startEngine(ctx context.Context, g *errgroup.Group, eng *engine) {
	g.Go(func() error { return eng.streamer.Run(ctx) })
	g.Go(func() error { return eng.tracker.Run(ctx) })
	g.Go(func() error { return eng.scanner.Run(ctx) })
	g.Go(func() error { return eng.governor.Run(ctx) })
}

// startServer builds the HTTP handler set and runs the operator API until the
// context is cancelled. availability may be nil in server-only mode.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, availability handler.AvailabilitySource, hub *ws.Hub) {
	startedAt := time.Now().UTC()

	pingers := map[string]handler.Pinger{
		"postgres": deps.Postgres,
		"redis":    deps.Redis,
	}

	if availability == nil {
		availability = staticAvailability(domain.StateHalted)
	}

	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(pingers, a.logger),
		Status:      handler.NewStatusHandler(availability, deps.Snapshots, a.cfg.Mode, startedAt, a.logger),
		Records:     handler.NewRecordHandler(deps.Records, a.logger),
		Divergences: handler.NewDivergenceHandler(deps.Divergences, a.logger),
		Events:      handler.NewEventHandler(deps.Events, deps.Snapshots, a.logger),
	}
	if control, ok := availability.(handler.AdminControl); ok {
		handlers.Admin = handler.NewAdminHandler(control, a.logger)
	}

	var adminAuth *crypto.RequestAuth
	if a.cfg.Server.APISecret != "" {
		adminAuth = &crypto.RequestAuth{
			Key:    a.cfg.Server.APIKey,
			Secret: a.cfg.Server.APISecret,
		}
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		APIKey:          a.cfg.Server.APIKey,
		AdminAuth:       adminAuth,
		RateLimiter:     deps.RateLimiter,
		RateLimit:       apiRateLimit,
		RateLimitWindow: apiRateLimitWindow,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	})
}

// refreshLock keeps the executor lock alive while the process runs.
func (a *App) refreshLock(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(executorLockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := deps.Locks.Extend(ctx, executorLockKey, executorLockTTL); err != nil {
				a.logger.Warn("executor lock refresh failed", slog.Any("error", err))
			}
		}
	}
}

// archiveLoop moves settled execution records past the retention window to
// blob storage once a day.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	retention := time.Duration(a.cfg.S3.RetentionDays) * 24 * time.Hour
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			before := time.Now().UTC().Add(-retention)
			n, err := deps.Archiver.Archive(ctx, before)
			if err != nil {
				a.logger.Error("record archival failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				a.logger.Info("records archived", slog.Int("count", n))
			}
		}
	}
}

// drainOpportunities publishes scanner output in monitor mode, where no
// planner consumes the channel.
func (a *App) drainOpportunities(ctx context.Context, deps *Dependencies, in <-chan domain.Opportunity) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case opp := <-in:
			a.logger.Info("opportunity observed",
				slog.String("protocol", opp.Position.Protocol),
				slog.String("account", opp.Position.Account),
				slog.Float64("rough_profit_usd", opp.RoughProfitUSD),
			)
			a.publishJSON(deps, "opportunities", opp)
		}
	}
}

func (a *App) publishJSON(deps *Dependencies, channel string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		a.logger.Warn("event marshal failed", slog.String("channel", channel), slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := deps.EventBus.Publish(ctx, channel, payload); err != nil {
		a.logger.Warn("event publish failed", slog.String("channel", channel), slog.Any("error", err))
	}
}

func (a *App) appendStream(deps *Dependencies, stream string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := deps.EventBus.StreamAppend(ctx, stream, payload); err != nil {
		a.logger.Warn("stream append failed", slog.String("stream", stream), slog.Any("error", err))
	}
}

// buildDecoder maps configured protocols and oracle feeds to their contract
// addresses.
func buildDecoder(cfg *config.Config) (*ledger.Decoder, error) {
	decimals := make(map[string]uint8, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		decimals[asset.Symbol] = asset.Decimals
	}

	pools := make(map[common.Address]ledger.MarketSpec, len(cfg.Protocols))
	for _, p := range cfg.Protocols {
		collDec, ok := decimals[p.CollateralAsset]
		if !ok {
			return nil, fmt.Errorf("app: protocol %s: collateral asset %s not configured", p.Name, p.CollateralAsset)
		}
		debtDec, ok := decimals[p.DebtAsset]
		if !ok {
			return nil, fmt.Errorf("app: protocol %s: debt asset %s not configured", p.Name, p.DebtAsset)
		}
		pools[common.HexToAddress(p.PoolContract)] = ledger.MarketSpec{
			Protocol:             p.Name,
			CollateralAsset:      p.CollateralAsset,
			CollateralDecimals:   collDec,
			DebtAsset:            p.DebtAsset,
			DebtDecimals:         debtDec,
			LiquidationThreshold: p.LiquidationThreshold,
		}
	}

	feeds := make(map[common.Address]ledger.FeedSpec)
	for _, asset := range cfg.Assets {
		feeds[common.HexToAddress(asset.PrimaryFeed)] = ledger.FeedSpec{
			Asset:  asset.Symbol,
			Source: "primary",
		}
		if asset.SecondaryFeed != "" {
			feeds[common.HexToAddress(asset.SecondaryFeed)] = ledger.FeedSpec{
				Asset:  asset.Symbol,
				Source: "secondary",
			}
		}
	}

	return ledger.NewDecoder(pools, feeds), nil
}

// staticAvailability is an AvailabilitySource pinned to one state, used when
// no governor is running.
type staticAvailability domain.AvailabilityState

func (s staticAvailability) State() domain.AvailabilityState {
	return domain.AvailabilityState(s)
}

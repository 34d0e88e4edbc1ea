package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/liqbot/internal/config"
	liqcrypto "github.com/alanyoungcy/liqbot/internal/crypto"
	"github.com/alanyoungcy/liqbot/internal/domain"
	"github.com/alanyoungcy/liqbot/internal/ledger"
	"github.com/alanyoungcy/liqbot/internal/submitpath"
)

var testSettlement = common.HexToAddress("0x00000000000000000000000000000000000000e1")

// Well-known throwaway key (hardhat account 0). Never fund this address.
const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// rpcBehavior scripts the fake endpoint's eth_call response.
type rpcBehavior struct {
	mu      sync.Mutex
	callHex string
	callErr string
}

func (b *rpcBehavior) respond(method string) (result string, rpcErr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch method {
	case "eth_call":
		return b.callHex, b.callErr
	case "eth_gasPrice":
		return `"0x2faf080"`, "" // 0.05 gwei
	case "eth_getTransactionCount":
		return `"0x7"`, ""
	default:
		return `"0x0"`, ""
	}
}

func newRPCServer(t *testing.T, behavior *rpcBehavior) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, rpcErr := behavior.respond(req.Method)
		w.Header().Set("Content-Type", "application/json")
		if rpcErr != "" {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":3,"message":%q}}`, req.ID, rpcErr)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, req.ID, result)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// profitReturn encodes a dry-run return value of raw debt-asset units.
func profitReturn(raw int64) string {
	out := common.LeftPadBytes(big.NewInt(raw).Bytes(), 32)
	return fmt.Sprintf("%q", hexutil.Encode(out))
}

type stubGate struct {
	admitErr error
	state    domain.AvailabilityState
	calls    int
}

func (g *stubGate) Admit(context.Context, float64, float64) error {
	g.calls++
	return g.admitErr
}

func (g *stubGate) State() domain.AvailabilityState {
	if g.state == "" {
		return domain.StateNormal
	}
	return g.state
}

// capturePath records submissions. submitErr, when set, is returned on every
// attempt; otherwise the first `failures` attempts fail transiently.
type capturePath struct {
	name      string
	failures  int
	submitErr error
	calls     int
	lastTx    *types.Transaction
}

func (p *capturePath) Name() string         { return p.name }
func (p *capturePath) FixedFeeUSD() float64 { return 0 }
func (p *capturePath) Submit(_ context.Context, tx *types.Transaction) (common.Hash, error) {
	p.calls++
	p.lastTx = tx
	if p.submitErr != nil {
		return common.Hash{}, p.submitErr
	}
	if p.calls <= p.failures {
		return common.Hash{}, errors.New("connection reset")
	}
	return tx.Hash(), nil
}

type stubMarkets struct{ miss bool }

func (s stubMarkets) PoolFor(protocol string) (ledger.MarketSpec, common.Address, bool) {
	if s.miss {
		return ledger.MarketSpec{}, common.Address{}, false
	}
	return ledger.MarketSpec{
		Protocol:             protocol,
		CollateralAsset:      "WETH",
		CollateralDecimals:   18,
		DebtAsset:            "USDC",
		DebtDecimals:         6,
		LiquidationThreshold: 0.80,
	}, common.HexToAddress("0x00000000000000000000000000000000000000a1"), true
}

type memRecords struct {
	records []domain.ExecutionRecord
}

func (m *memRecords) Create(_ context.Context, rec domain.ExecutionRecord) error {
	m.records = append(m.records, rec)
	return nil
}

func (m *memRecords) BackfillOutcome(_ context.Context, id string, included bool, actual *float64) error {
	for i := range m.records {
		if m.records[i].ID == id {
			m.records[i].Included = &included
			m.records[i].ActualProfit = actual
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memRecords) GetByID(_ context.Context, id string) (domain.ExecutionRecord, error) {
	for _, rec := range m.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return domain.ExecutionRecord{}, domain.ErrNotFound
}

func (m *memRecords) ListRecent(_ context.Context, limit int) ([]domain.ExecutionRecord, error) {
	if len(m.records) > limit {
		return m.records[len(m.records)-limit:], nil
	}
	return m.records, nil
}

func (m *memRecords) ListRange(context.Context, domain.ListOpts) ([]domain.ExecutionRecord, error) {
	return m.records, nil
}

func (m *memRecords) SumNotionalSince(context.Context, time.Time) (float64, error) {
	return 0, nil
}

func (m *memRecords) ListBefore(context.Context, time.Time) ([]domain.ExecutionRecord, error) {
	return nil, nil
}

func testOpportunity() domain.Opportunity {
	return domain.Opportunity{
		ID: "opp-1",
		Position: domain.Position{
			Protocol:             "lendfi",
			Account:              "0x00000000000000000000000000000000000000aa",
			CollateralAsset:      "WETH",
			CollateralAmount:     big.NewInt(1e18),
			CollateralDecimals:   18,
			DebtAsset:            "USDC",
			DebtAmount:           big.NewInt(900_000_000),
			DebtDecimals:         6,
			LiquidationThreshold: 0.80,
		},
		HealthFactor:    0.93,
		CollateralQuote: domain.PriceQuote{Asset: "WETH", Source: "primary", PriceUSD: 2000},
		DebtQuote:       domain.PriceQuote{Asset: "USDC", Source: "primary", PriceUSD: 1},
		FlaggedBlock:    120,
		RoughProfitUSD:  120,
		CreatedAt:       time.Now().UTC(),
	}
}

func newTestPlanner(t *testing.T, srvURL string, gate *stubGate, paths ...*capturePath) (*Planner, *memRecords) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	pool, err := ledger.NewPool(context.Background(), ledger.PoolConfig{
		Endpoints:            []string{srvURL},
		CallTimeout:          2 * time.Second,
		FailoverWindow:       time.Second,
		ReconcileReadsPerSec: 5,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	cfg := config.Defaults().Planner
	cfg.SubmitBackoff.Duration = time.Millisecond

	signer, err := liqcrypto.NewSigner(testKeyHex, 8453)
	require.NoError(t, err)

	names := make([]string, len(paths))
	pathSet := make([]submitpath.Path, len(paths))
	for i, path := range paths {
		names[i] = path.name
		pathSet[i] = path
	}
	bribes := NewBribeBook(config.Defaults().Bribe, names)
	// data fee of 0.004 ETH
	costs := NewCostModel(cfg, &stubOracle{feeWei: big.NewInt(4_000_000_000_000_000)}, bribes)

	records := &memRecords{}
	p := New(cfg, testSettlement, nil, pool, stubMarkets{}, nil, costs, bribes,
		gate, signer, pathSet, records, nil, logger)
	return p, records
}

func TestProcessSubmitsProfitableBundle(t *testing.T) {
	// dry run seizes 300 USDC of profit at $1
	behavior := &rpcBehavior{callHex: profitReturn(300_000_000)}
	srv := newRPCServer(t, behavior)
	gate := &stubGate{}
	path := &capturePath{name: "mempool"}
	p, records := newTestPlanner(t, srv.URL, gate, path)

	p.Process(context.Background(), testOpportunity())

	require.Len(t, records.records, 1)
	rec := records.records[0]
	assert.True(t, rec.Submitted)
	assert.Empty(t, rec.RejectReason)
	assert.NotEmpty(t, rec.BundleID)
	assert.Equal(t, "mempool", rec.Path)
	assert.Equal(t, path.lastTx.Hash().Hex(), rec.TxHash)
	assert.Equal(t, 1, gate.calls)

	// execution 1.5M gas at 0.05 gwei = $0.15, data $8, bribe 15% of $300,
	// borrow 9 bps of $900, slippage $10
	assert.InDelta(t, 0.15, rec.Costs.ExecutionFeeUSD, 0.001)
	assert.InDelta(t, 8.0, rec.Costs.DataFeeUSD, 0.001)
	assert.InDelta(t, 45.0, rec.Costs.BribeUSD, 0.001)
	assert.InDelta(t, 0.81, rec.Costs.BorrowCostUSD, 0.001)
	assert.InDelta(t, 300-rec.Costs.Total(), rec.PredictedProfit, 0.001)

	require.NotNil(t, path.lastTx)
	assert.Equal(t, testSettlement, *path.lastTx.To())
	assert.Equal(t, uint64(7), path.lastTx.Nonce())
	require.Len(t, path.lastTx.Data(), 132)
	assert.Equal(t, selLiquidate, path.lastTx.Data()[:4])

	// the $45 bribe is paid through the priority fee: $45 of WETH at $2000
	// spread over 1.5M gas is 15 gwei per unit
	tipWei, _ := new(big.Float).SetInt(path.lastTx.GasTipCap()).Float64()
	assert.InDelta(t, 15e9, tipWei, 1)
	assert.True(t, path.lastTx.GasFeeCap().Cmp(path.lastTx.GasTipCap()) >= 0,
		"fee cap must cover the tip")
}

func TestSubmitTipScalesWithBribeAdaptation(t *testing.T) {
	behavior := &rpcBehavior{callHex: profitReturn(300_000_000)}
	srv := newRPCServer(t, behavior)
	gate := &stubGate{}
	path := &capturePath{name: "mempool"}
	p, _ := newTestPlanner(t, srv.URL, gate, path)

	p.Process(context.Background(), testOpportunity())
	require.NotNil(t, path.lastTx)
	baseTip := new(big.Int).Set(path.lastTx.GasTipCap())

	// a starved inclusion window raises the bribe fraction, and the raised
	// bribe must reach the wire as a larger tip
	fillWindow(p.bribes, "mempool", 0, 100)

	p.Process(context.Background(), testOpportunity())
	require.NotNil(t, path.lastTx)
	assert.Equal(t, 1, path.lastTx.GasTipCap().Cmp(baseTip),
		"tip %s should exceed the pre-adaptation %s", path.lastTx.GasTipCap(), baseTip)
}

func TestProcessNeverSubmitsOnFailedDryRun(t *testing.T) {
	behavior := &rpcBehavior{callErr: "execution reverted"}
	srv := newRPCServer(t, behavior)
	gate := &stubGate{}
	path := &capturePath{name: "mempool"}
	p, records := newTestPlanner(t, srv.URL, gate, path)

	p.Process(context.Background(), testOpportunity())

	assert.Zero(t, path.calls)
	require.Len(t, records.records, 1)
	assert.False(t, records.records[0].Submitted)
	assert.Equal(t, domain.ReasonSimulateFailed, records.records[0].RejectReason)
}

func TestProcessRejectsNonPositiveDryRunProfit(t *testing.T) {
	behavior := &rpcBehavior{callHex: profitReturn(0)}
	srv := newRPCServer(t, behavior)
	gate := &stubGate{}
	path := &capturePath{name: "mempool"}
	p, records := newTestPlanner(t, srv.URL, gate, path)

	p.Process(context.Background(), testOpportunity())

	assert.Zero(t, path.calls)
	require.Len(t, records.records, 1)
	assert.False(t, records.records[0].Submitted)
	assert.Equal(t, domain.ReasonBelowMinProfit, records.records[0].RejectReason)
}

func TestProcessGateRejectionBlocksSubmit(t *testing.T) {
	behavior := &rpcBehavior{callHex: profitReturn(300_000_000)}
	srv := newRPCServer(t, behavior)
	gate := &stubGate{
		admitErr: domain.NewRejection(domain.ReasonHaltedState, "halted"),
		state:    domain.StateHalted,
	}
	path := &capturePath{name: "mempool"}
	p, records := newTestPlanner(t, srv.URL, gate, path)

	p.Process(context.Background(), testOpportunity())

	assert.Zero(t, path.calls)
	require.Len(t, records.records, 1)
	rec := records.records[0]
	assert.False(t, rec.Submitted)
	assert.Equal(t, domain.ReasonHaltedState, rec.RejectReason)
	assert.Equal(t, domain.StateHalted, rec.State)
}

func TestProcessRetriesTransientSubmitFailures(t *testing.T) {
	behavior := &rpcBehavior{callHex: profitReturn(300_000_000)}
	srv := newRPCServer(t, behavior)
	gate := &stubGate{}
	path := &capturePath{name: "mempool", failures: 2}
	p, records := newTestPlanner(t, srv.URL, gate, path)

	p.Process(context.Background(), testOpportunity())

	assert.Equal(t, 3, path.calls)
	require.Len(t, records.records, 1)
	assert.True(t, records.records[0].Submitted)
}

func TestProcessGivesUpAfterRetryBudget(t *testing.T) {
	behavior := &rpcBehavior{callHex: profitReturn(300_000_000)}
	srv := newRPCServer(t, behavior)
	gate := &stubGate{}
	// default budget is the first attempt plus three retries
	path := &capturePath{name: "mempool", failures: 10}
	p, records := newTestPlanner(t, srv.URL, gate, path)

	p.Process(context.Background(), testOpportunity())

	assert.Equal(t, 4, path.calls)
	require.Len(t, records.records, 1)
	assert.False(t, records.records[0].Submitted)
	assert.Equal(t, domain.ReasonNoPath, records.records[0].RejectReason)
}

func TestProcessUnknownProtocolRejects(t *testing.T) {
	behavior := &rpcBehavior{callHex: profitReturn(300_000_000)}
	srv := newRPCServer(t, behavior)
	gate := &stubGate{}
	path := &capturePath{name: "mempool"}
	p, records := newTestPlanner(t, srv.URL, gate, path)
	p.markets = stubMarkets{miss: true}

	p.Process(context.Background(), testOpportunity())

	assert.Zero(t, path.calls)
	require.Len(t, records.records, 1)
	assert.Equal(t, domain.ReasonNoPath, records.records[0].RejectReason)
}

func TestProcessFailsOverWhenPathRejects(t *testing.T) {
	behavior := &rpcBehavior{callHex: profitReturn(300_000_000)}
	srv := newRPCServer(t, behavior)
	gate := &stubGate{}
	primary := &capturePath{name: "relay", submitErr: domain.ErrPathRejected}
	backup := &capturePath{name: "mempool"}
	p, records := newTestPlanner(t, srv.URL, gate, primary, backup)

	p.Process(context.Background(), testOpportunity())

	// the rejection is definitive, not retried on the same path
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, backup.calls)
	require.Len(t, records.records, 1)
	rec := records.records[0]
	assert.True(t, rec.Submitted)
	assert.Equal(t, "mempool", rec.Path)
}

func TestRankedPathsPrefersHigherInclusion(t *testing.T) {
	slow := &capturePath{name: "mempool"}
	fast := &capturePath{name: "relay"}
	bribes := testBribeBook(10)
	fillWindow(bribes, "mempool", 2, 8)
	fillWindow(bribes, "relay", 9, 1)

	p := &Planner{paths: []submitpath.Path{slow, fast}, bribes: bribes}
	ranked := p.rankedPaths()
	require.Len(t, ranked, 2)
	assert.Equal(t, "relay", ranked[0].Name())
	assert.Equal(t, "mempool", ranked[1].Name())
}

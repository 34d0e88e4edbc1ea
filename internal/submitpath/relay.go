package submitpath

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/liqbot/internal/config"
	"github.com/alanyoungcy/liqbot/internal/domain"
)

// Relay submits through a private order-flow relay over JSON-RPC. The
// transaction skips the public mempool entirely; the relay's operator
// charges the configured fixed fee per submission.
type Relay struct {
	name       string
	fee        float64
	url        string
	httpClient *http.Client
}

// NewRelay builds a private-relay path.
func NewRelay(cfg config.PathConfig) *Relay {
	return &Relay{
		name: cfg.Name,
		fee:  cfg.FixedFeeUSD,
		url:  cfg.URL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (r *Relay) Name() string         { return r.name }
func (r *Relay) FixedFeeUSD() float64 { return r.fee }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Submit posts the raw transaction to the relay endpoint.
func (r *Relay) Submit(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("relay %s: encode tx: %w", r.name, err)
	}

	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_sendRawTransaction",
		Params:  []any{hexutil.Encode(raw)},
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("relay %s: encode request: %w", r.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return common.Hash{}, fmt.Errorf("relay %s: build request: %w", r.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return common.Hash{}, fmt.Errorf("relay %s: %w", r.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return common.Hash{}, fmt.Errorf("relay %s: read response: %w", r.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return common.Hash{}, fmt.Errorf("relay %s: status %d: %s: %w",
			r.name, resp.StatusCode, bytes.TrimSpace(body), domain.ErrPathRejected)
	}

	var out rpcResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return common.Hash{}, fmt.Errorf("relay %s: decode response: %w", r.name, err)
	}
	if out.Error != nil {
		return common.Hash{}, fmt.Errorf("relay %s: %s (code %d): %w",
			r.name, out.Error.Message, out.Error.Code, domain.ErrPathRejected)
	}

	return tx.Hash(), nil
}

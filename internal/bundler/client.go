package bundler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/acadledger/acadledger/internal/chain"
	"github.com/acadledger/acadledger/internal/contracts"
	"github.com/acadledger/acadledger/internal/sponsor"
)

// HTTPClient talks to a remote bundler over its JSON-RPC endpoint. It
// implements sponsor.Network.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	nextID     atomic.Uint64
}

// NewHTTPClient constructs a client for the bundler mounted at baseURL.
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{baseURL: baseURL, httpClient: httpClient}
}

// SendOperation submits env.
func (c *HTTPClient) SendOperation(ctx context.Context, env sponsor.Envelope) (common.Hash, error) {
	var hash common.Hash
	if err := c.call(ctx, MethodSendOperation, &hash, env); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// OperationReceipt fetches the receipt of opHash.
func (c *HTTPClient) OperationReceipt(ctx context.Context, opHash common.Hash) (*sponsor.OperationReceipt, error) {
	var receipt sponsor.OperationReceipt
	if err := c.call(ctx, MethodGetOperationReceipt, &receipt, opHash); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Nonce returns the next nonce the bundler expects from sender.
func (c *HTTPClient) Nonce(ctx context.Context, sender common.Address) (uint64, error) {
	var nonce hexutil.Uint64
	if err := c.call(ctx, MethodGetNonce, &nonce, sender); err != nil {
		return 0, err
	}
	return uint64(nonce), nil
}

// Call performs a remote read-only call.
func (c *HTTPClient) Call(ctx context.Context, from, to common.Address, data []byte) ([]byte, error) {
	var out hexutil.Bytes
	if err := c.call(ctx, MethodCall, &out, callArgs{From: from, To: to, Data: data}); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) call(ctx context.Context, method string, result any, params ...any) error {
	id, err := json.Marshal(c.nextID.Add(1))
	if err != nil {
		return err
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: rawParams})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/rpc", c.baseURL), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("bundler returned status %d", resp.StatusCode)
	}

	var reply rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("bundler: decode response: %w", err)
	}
	if reply.Error != nil {
		return fromRPCError(reply.Error)
	}
	if result == nil || len(reply.Result) == 0 {
		return nil
	}
	return json.Unmarshal(reply.Result, result)
}

func fromRPCError(e *rpcError) error {
	switch e.Code {
	case codeRejected:
		rejected := &sponsor.RejectedError{}
		if e.Data != nil {
			if e.Data.OpHash != nil {
				rejected.OpHash = *e.Data.OpHash
			}
			rejected.Cause = contracts.DecodeRevert(e.Data.Revert)
		}
		if rejected.Cause == nil {
			rejected.Cause = errors.New(e.Message)
		}
		return rejected
	case codeReceiptNotFound:
		return sponsor.ErrReceiptNotFound
	case codeExecutionReverted:
		rev := &chain.RevertError{}
		if e.Data != nil {
			rev.Data = e.Data.Revert
		}
		return rev
	}
	return fmt.Errorf("bundler: rpc error %d: %s", e.Code, e.Message)
}

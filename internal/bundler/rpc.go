package bundler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"github.com/acadledger/acadledger/internal/chain"
	"github.com/acadledger/acadledger/internal/sponsor"
)

// JSON-RPC methods served under /rpc.
const (
	MethodSendOperation       = "sendOperation"
	MethodGetOperationReceipt = "getOperationReceipt"
	MethodGetNonce            = "getNonce"
	MethodCall                = "call"
)

const (
	codeParse             = -32700
	codeInvalidRequest    = -32600
	codeMethodNotFound    = -32601
	codeInvalidParams     = -32602
	codeInternal          = -32603
	codeRejected          = -32500
	codeReceiptNotFound   = -32001
	codeExecutionReverted = 3

	maxRequestBytes = 1 << 20
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *errorData `json:"data,omitempty"`
}

type errorData struct {
	OpHash *common.Hash  `json:"opHash,omitempty"`
	Revert hexutil.Bytes `json:"revert,omitempty"`
}

type callArgs struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

// Handler serves the bundler JSON-RPC surface for any sponsor.Network.
type Handler struct {
	backend sponsor.Network
	logger  *slog.Logger
}

// NewHandler constructs the RPC handler.
func NewHandler(backend sponsor.Network, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{backend: backend, logger: logger}
}

// MountRoutes registers the RPC endpoint onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Post("/rpc", h.handleRPC)
}

func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeRPC(w, rpcResponse{Error: &rpcError{Code: codeParse, Message: "parse error"}})
		return
	}
	resp := rpcResponse{ID: req.ID}
	if req.JSONRPC != "2.0" || req.Method == "" {
		resp.Error = &rpcError{Code: codeInvalidRequest, Message: "invalid request"}
		writeRPC(w, resp)
		return
	}

	result, err := h.dispatch(r, req)
	if err != nil {
		resp.Error = h.toRPCError(req.Method, err)
	} else {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			resp.Error = &rpcError{Code: codeInternal, Message: "internal error"}
		} else {
			resp.Result = raw
		}
	}
	writeRPC(w, resp)
}

type paramsError struct{ err error }

func (e *paramsError) Error() string { return "invalid params: " + e.err.Error() }

var errUnknownMethod = errors.New("method not found")

func (h *Handler) dispatch(r *http.Request, req rpcRequest) (any, error) {
	ctx := r.Context()
	switch req.Method {
	case MethodSendOperation:
		var params [1]sponsor.Envelope
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &paramsError{err}
		}
		return h.backend.SendOperation(ctx, params[0])
	case MethodGetOperationReceipt:
		var params [1]common.Hash
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &paramsError{err}
		}
		return h.backend.OperationReceipt(ctx, params[0])
	case MethodGetNonce:
		var params [1]common.Address
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &paramsError{err}
		}
		nonce, err := h.backend.Nonce(ctx, params[0])
		if err != nil {
			return nil, err
		}
		return hexutil.Uint64(nonce), nil
	case MethodCall:
		var params [1]callArgs
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &paramsError{err}
		}
		out, err := h.backend.Call(ctx, params[0].From, params[0].To, params[0].Data)
		if err != nil {
			return nil, err
		}
		return hexutil.Bytes(out), nil
	}
	return nil, errUnknownMethod
}

type revertCarrier interface {
	RevertData() []byte
}

func (h *Handler) toRPCError(method string, err error) *rpcError {
	var (
		params   *paramsError
		rejected *sponsor.RejectedError
		rev      *chain.RevertError
	)
	switch {
	case errors.Is(err, errUnknownMethod):
		return &rpcError{Code: codeMethodNotFound, Message: err.Error()}
	case errors.As(err, &params):
		return &rpcError{Code: codeInvalidParams, Message: params.Error()}
	case errors.As(err, &rejected):
		data := &errorData{}
		if rejected.OpHash != (common.Hash{}) {
			hash := rejected.OpHash
			data.OpHash = &hash
		}
		var carrier revertCarrier
		if errors.As(rejected.Cause, &carrier) {
			data.Revert = carrier.RevertData()
		}
		return &rpcError{Code: codeRejected, Message: rejected.Error(), Data: data}
	case errors.Is(err, sponsor.ErrReceiptNotFound), errors.Is(err, chain.ErrReceiptNotFound):
		return &rpcError{Code: codeReceiptNotFound, Message: "receipt not found"}
	case errors.As(err, &rev):
		return &rpcError{Code: codeExecutionReverted, Message: "execution reverted", Data: &errorData{Revert: rev.Data}}
	}
	h.logger.Error("bundler: rpc failed", slog.String("method", method), slog.Any("error", err))
	return &rpcError{Code: codeInternal, Message: "internal error"}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	resp.JSONRPC = "2.0"
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

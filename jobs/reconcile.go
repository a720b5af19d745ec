package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/acadledger/acadledger/internal/jobs"
	"github.com/acadledger/acadledger/internal/sponsor"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ReceiptSource looks up operation receipts, usually the bundler RPC.
type ReceiptSource interface {
	OperationReceipt(ctx context.Context, opHash common.Hash) (*sponsor.OperationReceipt, error)
}

// ReconcileJob resolves operations that were still pending when the API
// stopped waiting for them.
type ReconcileJob struct {
	Receipts ReceiptSource
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	// Timeout bounds one receipt lookup.
	Timeout time.Duration
}

// NewReconcileJob wires dependencies for the reconcile handler.
func NewReconcileJob(receipts ReceiptSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Receipts: receipts, Logger: logger, Metrics: metrics, Timeout: 10 * time.Second}
}

// Handle processes TaskReconcileReceipt tasks. A missing receipt is returned
// as an error so Asynq retries with backoff.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Receipts == nil {
		return errors.New("reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("reconcile: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskReconcileReceipt)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("op_hash", payload.OpHash.Hex()), slog.String("sender", payload.Sender.Hex()))

	lookupCtx := ctx
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	receipt, err := j.Receipts.OperationReceipt(lookupCtx, payload.OpHash)
	if errors.Is(err, sponsor.ErrReceiptNotFound) {
		logger.Info("operation still pending")
		resultErr = fmt.Errorf("reconcile %s: %w", payload.OpHash.Hex(), err)
		return resultErr
	}
	if err != nil {
		logger.Error("fetch operation receipt", slog.Any("error", err))
		resultErr = err
		return resultErr
	}

	status := reconcileStatus(receipt)
	if receipt.Sender != payload.Sender {
		logger.Warn("receipt sender mismatch", slog.String("receipt_sender", receipt.Sender.Hex()))
	}
	j.metrics().AddReconciled(status)
	logger.Info("operation reconciled", slog.String("status", status), slog.Uint64("nonce", receipt.Nonce))
	return resultErr
}

func reconcileStatus(receipt *sponsor.OperationReceipt) string {
	if receipt == nil || receipt.Receipt == nil {
		return "unknown"
	}
	if receipt.Receipt.Succeeded() {
		return "included"
	}
	return "reverted"
}

func (j *ReconcileJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

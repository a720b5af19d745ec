package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReconcileReceipt follows up on an operation whose receipt did not
	// arrive before the request gave up waiting.
	TaskReconcileReceipt = "receipt:reconcile"

	reconcileMaxRetry = 12
	reconcileRetain   = 24 * time.Hour
)

// ReconcilePayload identifies the pending operation.
type ReconcilePayload struct {
	OpHash common.Hash    `json:"opHash"`
	Sender common.Address `json:"sender"`
}

// NewReconcileTask constructs an Asynq task. The operation hash doubles as the
// task ID so repeated timeouts of the same operation collapse into one task.
func NewReconcileTask(payload ReconcilePayload) (*asynq.Task, []asynq.Option, error) {
	if payload.OpHash == (common.Hash{}) {
		return nil, nil, errors.New("jobs: reconcile payload without operation hash")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.Queue(QueueDefault),
		asynq.TaskID(payload.OpHash.Hex()),
		asynq.MaxRetry(reconcileMaxRetry),
		asynq.Retention(reconcileRetain),
	}
	return asynq.NewTask(TaskReconcileReceipt, data), opts, nil
}

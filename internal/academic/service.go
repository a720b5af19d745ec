// Package academic implements the four operation families of the record
// ledger: registration, permissions, records and reads. Every operation runs
// in an explicit Session.
package academic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"

	"github.com/acadledger/acadledger/internal/aggregator"
	"github.com/acadledger/acadledger/internal/chain"
	"github.com/acadledger/acadledger/internal/contracts"
	"github.com/acadledger/acadledger/internal/identity"
	"github.com/acadledger/acadledger/internal/shared"
	"github.com/acadledger/acadledger/internal/sponsor"
	"github.com/acadledger/acadledger/internal/storage"
)

// Ledger is the sponsored execution path.
type Ledger interface {
	Execute(ctx context.Context, owner sponsor.Signer, call sponsor.Call) (*sponsor.Outcome, error)
	ViewCall(ctx context.Context, owner sponsor.Signer, account, target common.Address, data []byte) ([]byte, error)
	Read(ctx context.Context, from, target common.Address, data []byte) ([]byte, error)
}

// Hydrator turns raw results into display records.
type Hydrator interface {
	Hydrate(ctx context.Context, raw []aggregator.RawResult, opts aggregator.Options) ([]aggregator.DisplayResult, []aggregator.Failure, error)
}

// Reconciler follows up on operations whose receipt did not arrive in time.
type Reconciler interface {
	EnqueueReconcile(ctx context.Context, opHash common.Hash, sender common.Address) error
}

// DirectoryInvalidator drops cached university profiles.
type DirectoryInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Options wires the service.
type Options struct {
	Ledger     Ledger
	Storage    storage.CAS
	Hydrator   Hydrator
	Sessions   *Sessions
	Reconciler Reconciler
	Directory  DirectoryInvalidator
	Metrics    *Metrics
	Logger     *slog.Logger
	// BatchConcurrency bounds parallel submissions of EnrollMany and EvaluateMany.
	BatchConcurrency int
}

// Service runs academic operations.
type Service struct {
	ledger     Ledger
	storage    storage.CAS
	hydrator   Hydrator
	sessions   *Sessions
	reconciler Reconciler
	directory  DirectoryInvalidator
	metrics    *Metrics
	logger     *slog.Logger
	validate   *validator.Validate
	batchLimit int
}

// NewService constructs a Service.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = NewSessions(DefaultSessionTTL)
	}
	limit := opts.BatchConcurrency
	if limit <= 0 {
		limit = 4
	}
	return &Service{
		ledger:     opts.Ledger,
		storage:    opts.Storage,
		hydrator:   opts.Hydrator,
		sessions:   sessions,
		reconciler: opts.Reconciler,
		directory:  opts.Directory,
		metrics:    opts.Metrics,
		logger:     logger,
		validate:   validator.New(),
		batchLimit: limit,
	}
}

// Sessions exposes the session store.
func (s *Service) Sessions() *Sessions { return s.sessions }

// execute runs a sponsored call signed by owner. Timeouts are handed to the
// reconciler when one is configured.
func (s *Service) execute(ctx context.Context, op string, owner *identity.Identity, call sponsor.Call) (*sponsor.Outcome, error) {
	out, err := s.ledger.Execute(ctx, owner, call)
	s.metrics.observeOperation(op, err)
	if err == nil {
		s.logger.Debug("academic: operation verified",
			slog.String("op", op),
			slog.String("sender", call.Sender.Hex()),
			slog.String("hash", out.OpHash.Hex()))
		return out, nil
	}
	var timeout *sponsor.TimeoutError
	if errors.As(err, &timeout) && s.reconciler != nil {
		if qerr := s.reconciler.EnqueueReconcile(ctx, timeout.OpHash, call.Sender); qerr != nil {
			s.logger.Warn("academic: enqueue reconcile", slog.String("op", op), slog.Any("error", qerr))
		}
	}
	return out, s.fail(op, err)
}

// view performs an owner-signed view call from the session account.
func (s *Service) view(ctx context.Context, op string, sess *Session, target common.Address, method string, args ...any) ([]any, error) {
	data, err := contracts.AccountABI.Pack(method, args...)
	if err != nil {
		return nil, s.fail(op, err)
	}
	out, err := s.ledger.ViewCall(ctx, sess.Identity, sess.Account, target, data)
	if err != nil {
		return nil, s.fail(op, err)
	}
	vals, err := contracts.AccountABI.Unpack(method, out)
	if err != nil {
		return nil, s.fail(op, fmt.Errorf("decode %s: %w", method, err))
	}
	return vals, nil
}

// Error is a classified failure with a message safe to show to end users.
// The underlying cause stays reachable through errors.Is and errors.As.
type Error struct {
	Op      string
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Op + ": " + e.Message }

func (e *Error) Unwrap() error { return e.cause }

func (s *Service) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	s.logger.Debug("academic: operation failed",
		slog.String("op", op),
		slog.String("cause", err.Error()))
	return &Error{Op: op, Message: describe(err), cause: err}
}

// describe renders err for end users. Business errors win over the transport
// classification that wraps them.
func describe(err error) string {
	var rev *contracts.Revert
	hasReason := errors.As(err, &rev) && rev.Reason != ""
	var verr validator.ValidationErrors
	switch {
	case errors.As(err, &verr):
		return describeValidation(verr)
	case errors.Is(err, shared.ErrValidation):
		if hasReason {
			return "invalid input: " + rev.Reason
		}
		return "invalid input: " + strings.TrimPrefix(err.Error(), shared.ErrValidation.Error()+": ")
	case errors.Is(err, shared.ErrUnauthenticated):
		return "please sign in again"
	case errors.Is(err, shared.ErrAccessDenied):
		return "you do not hold the required permission on this student record"
	case errors.Is(err, shared.ErrRestrictedCaller):
		if hasReason {
			return rev.Reason
		}
		return "this operation is not available to your account"
	case errors.Is(err, shared.ErrUnauthorizedCall):
		return "the account did not accept the caller"
	case errors.Is(err, shared.ErrAlreadyEvaluated):
		return "the course has already been evaluated"
	case errors.Is(err, shared.ErrAlreadyExists):
		if hasReason {
			return rev.Reason
		}
		return "the record already exists"
	case errors.Is(err, shared.ErrNotFound):
		if hasReason {
			return rev.Reason
		}
		return "not found"
	case errors.Is(err, shared.ErrReceiptTimeout):
		return "the operation is still pending; check again later"
	case errors.Is(err, shared.ErrTransactionRejected):
		return "the network did not accept the operation; it is safe to try again"
	case errors.Is(err, shared.ErrTransactionVerificationFailed):
		return "the operation was recorded but did not succeed"
	case errors.Is(err, shared.ErrStorageFailure):
		return "the certificate store is not available"
	}
	var revErr *chain.RevertError
	if errors.As(err, &revErr) {
		return "the ledger refused the call"
	}
	return "internal error"
}

func describeValidation(errs validator.ValidationErrors) string {
	if len(errs) == 0 {
		return "invalid input"
	}
	fe := errs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("invalid input: %s is required", fe.Field())
	case "datetime":
		return fmt.Sprintf("invalid input: %s must be a date (YYYY-MM-DD)", fe.Field())
	case "max":
		return fmt.Sprintf("invalid input: %s must be at most %s characters", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("invalid input: %s must be greater than %s", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("invalid input: %s failed %s", fe.Field(), fe.Tag())
}

// validateStruct wraps validator errors in the taxonomy.
func (s *Service) validateStruct(v any) error {
	if err := s.validate.Struct(v); err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: %w", shared.ErrValidation, verr)
		}
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	return nil
}

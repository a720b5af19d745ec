package academic

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/acadledger/acadledger/internal/aggregator"
	"github.com/acadledger/acadledger/internal/contracts"
	"github.com/acadledger/acadledger/internal/shared"
	"github.com/acadledger/acadledger/internal/sponsor"
)

// Enrollment opens a course result for a student.
type Enrollment struct {
	CourseCode   string             `json:"courseCode" validate:"required,max=32"`
	CourseName   string             `json:"courseName" validate:"required,max=256"`
	DegreeCourse string             `json:"degreeCourse" validate:"required,max=256"`
	Credits      aggregator.Credits `json:"credits" validate:"gt=0"`
}

// Evaluation closes a course result with its outcome.
type Evaluation struct {
	CourseCode string    `json:"courseCode" validate:"required,max=32"`
	Grade      string    `json:"grade" validate:"required,max=16"`
	Date       time.Time `json:"date"`
	// Certificate is published to content-addressed storage before the
	// evaluation is submitted. CertificateCID references an already stored one.
	Certificate    []byte `json:"certificate,omitempty"`
	CertificateCID string `json:"certificateCid,omitempty"`
}

// BatchFailure is one input of a batch that did not succeed.
type BatchFailure[T any] struct {
	Index int   `json:"index"`
	Input T     `json:"input"`
	Err   error `json:"-"`
}

// BatchResult is the all-settled outcome of a batch.
type BatchResult[T any] struct {
	Successes []T               `json:"successes"`
	Failures  []BatchFailure[T] `json:"failures"`
}

func (s *Service) writer(op string, sess *Session, student common.Address) error {
	if err := sess.require(contracts.KindUniversity); err != nil {
		return s.fail(op, err)
	}
	if err := checkAddress("student", student); err != nil {
		return s.fail(op, err)
	}
	return nil
}

func (s *Service) checkEvaluation(in Evaluation) error {
	if err := s.validateStruct(in); err != nil {
		return err
	}
	if in.Date.IsZero() || in.Date.Unix() <= 0 {
		return fmt.Errorf("%w: evaluation date is required", shared.ErrValidation)
	}
	if len(in.Certificate) > 0 && in.CertificateCID != "" {
		return fmt.Errorf("%w: pass either certificate bytes or a certificate cid", shared.ErrValidation)
	}
	return nil
}

// Enroll opens a course result on student. The session university must hold
// write access.
func (s *Service) Enroll(ctx context.Context, sess *Session, student common.Address, in Enrollment) error {
	const op = "enroll"
	if err := s.writer(op, sess, student); err != nil {
		return err
	}
	if err := s.validateStruct(in); err != nil {
		return s.fail(op, err)
	}
	return s.enroll(ctx, sess, student, in)
}

func (s *Service) enroll(ctx context.Context, sess *Session, student common.Address, in Enrollment) error {
	const op = "enroll"
	data, err := contracts.AccountABI.Pack("enroll", in.CourseCode, in.CourseName, in.DegreeCourse, in.Credits.Stored())
	if err != nil {
		return s.fail(op, err)
	}
	_, err = s.execute(ctx, op, sess.Identity, sponsor.Call{
		Sender: sess.Account,
		Target: student,
		Data:   data,
		Expect: sponsor.Expectation{ABI: &contracts.AccountABI, Contract: student, Event: "ResultEnrolled"},
	})
	return err
}

// Evaluate records the outcome of an enrolled course. Certificate bytes are
// published first; a storage failure stops the evaluation before submission.
func (s *Service) Evaluate(ctx context.Context, sess *Session, student common.Address, in Evaluation) error {
	const op = "evaluate"
	if err := s.writer(op, sess, student); err != nil {
		return err
	}
	if err := s.checkEvaluation(in); err != nil {
		return s.fail(op, err)
	}
	return s.evaluate(ctx, sess, student, in)
}

func (s *Service) evaluate(ctx context.Context, sess *Session, student common.Address, in Evaluation) error {
	const op = "evaluate"
	certificate := in.CertificateCID
	if certificate != "" {
		if _, err := parseCID(certificate); err != nil {
			return s.fail(op, err)
		}
	}
	if len(in.Certificate) > 0 {
		if s.storage == nil {
			return s.fail(op, fmt.Errorf("%w: no certificate store configured", shared.ErrStorageFailure))
		}
		id, err := s.storage.Publish(ctx, in.Certificate)
		if err != nil {
			return s.fail(op, err)
		}
		certificate = id.String()
	}
	data, err := contracts.AccountABI.Pack("evaluate", in.CourseCode, in.Grade, uint64(in.Date.Unix()), certificate)
	if err != nil {
		return s.fail(op, err)
	}
	_, err = s.execute(ctx, op, sess.Identity, sponsor.Call{
		Sender: sess.Account,
		Target: student,
		Data:   data,
		Expect: sponsor.Expectation{ABI: &contracts.AccountABI, Contract: student, Event: "ResultEvaluated"},
	})
	return err
}

// EnrollMany enrolls every input independently. Malformed inputs fail without
// touching the network; one failure never stops its siblings.
func (s *Service) EnrollMany(ctx context.Context, sess *Session, student common.Address, inputs []Enrollment) (BatchResult[Enrollment], error) {
	if err := s.writer("enroll", sess, student); err != nil {
		return BatchResult[Enrollment]{}, err
	}
	return runBatch(ctx, s.batchLimit, inputs,
		func(in Enrollment) error {
			if err := s.validateStruct(in); err != nil {
				return s.fail("enroll", err)
			}
			return nil
		},
		func(ctx context.Context, in Enrollment) error { return s.enroll(ctx, sess, student, in) }), nil
}

// EvaluateMany evaluates every input independently with the same semantics as
// EnrollMany.
func (s *Service) EvaluateMany(ctx context.Context, sess *Session, student common.Address, inputs []Evaluation) (BatchResult[Evaluation], error) {
	if err := s.writer("evaluate", sess, student); err != nil {
		return BatchResult[Evaluation]{}, err
	}
	return runBatch(ctx, s.batchLimit, inputs,
		func(in Evaluation) error {
			if err := s.checkEvaluation(in); err != nil {
				return s.fail("evaluate", err)
			}
			return nil
		},
		func(ctx context.Context, in Evaluation) error { return s.evaluate(ctx, sess, student, in) }), nil
}

// runBatch validates every input up front, submits the valid ones concurrently
// and collects successes and failures in input order.
func runBatch[T any](ctx context.Context, limit int, inputs []T, check func(T) error, run func(context.Context, T) error) BatchResult[T] {
	errs := make([]error, len(inputs))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, in := range inputs {
		if err := check(in); err != nil {
			errs[i] = err
			continue
		}
		g.Go(func() error {
			errs[i] = run(ctx, in)
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult[T]{Successes: make([]T, 0, len(inputs))}
	for i, err := range errs {
		if err != nil {
			result.Failures = append(result.Failures, BatchFailure[T]{Index: i, Input: inputs[i], Err: err})
			continue
		}
		result.Successes = append(result.Successes, inputs[i])
	}
	return result
}

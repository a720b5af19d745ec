package academic

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-cid"

	"github.com/acadledger/acadledger/internal/aggregator"
	"github.com/acadledger/acadledger/internal/shared"
	"github.com/acadledger/acadledger/internal/storage"
)

func parseCID(s string) (cid.Cid, error) {
	id, err := storage.Parse(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %w", shared.ErrValidation, err)
	}
	return id, nil
}

// StudentInfo reads the basic profile of student. Students read their own
// record; universities and employers need a granted role.
func (s *Service) StudentInfo(ctx context.Context, sess *Session, student common.Address) (StudentProfile, error) {
	const op = "read student"
	if err := s.reader(op, sess, student); err != nil {
		return StudentProfile{}, err
	}
	vals, err := s.view(ctx, op, sess, student, "getStudentInfo")
	if err != nil {
		return StudentProfile{}, err
	}
	return studentProfileFrom(vals[0].([]string)), nil
}

// Results reads the raw results of student.
func (s *Service) Results(ctx context.Context, sess *Session, student common.Address) ([]aggregator.RawResult, error) {
	const op = "read results"
	if err := s.reader(op, sess, student); err != nil {
		return nil, err
	}
	vals, err := s.view(ctx, op, sess, student, "getResults")
	if err != nil {
		return nil, err
	}
	var (
		codes        = vals[0].([]string)
		names        = vals[1].([]string)
		degrees      = vals[2].([]string)
		credits      = vals[3].([]uint64)
		universities = vals[4].([]common.Address)
		issuedAt     = vals[5].([]uint64)
		grades       = vals[6].([]string)
		certificates = vals[7].([]string)
	)
	out := make([]aggregator.RawResult, len(codes))
	for i := range codes {
		out[i] = aggregator.RawResult{
			CourseCode:   codes[i],
			CourseName:   names[i],
			DegreeCourse: degrees[i],
			Credits:      credits[i],
			University:   universities[i],
			IssuedAt:     issuedAt[i],
			Grade:        grades[i],
			Certificate:  certificates[i],
		}
	}
	return out, nil
}

// HydratedResults reads the results of student and resolves them for display.
func (s *Service) HydratedResults(ctx context.Context, sess *Session, student common.Address, opts aggregator.Options) ([]aggregator.DisplayResult, []aggregator.Failure, error) {
	const op = "read results"
	raw, err := s.Results(ctx, sess, student)
	if err != nil {
		return nil, nil, err
	}
	if s.hydrator == nil {
		return nil, nil, s.fail(op, fmt.Errorf("%w: result aggregator is not configured", shared.ErrNotFound))
	}
	results, failures, err := s.hydrator.Hydrate(ctx, raw, opts)
	if err != nil {
		return nil, failures, s.fail(op, err)
	}
	return results, failures, nil
}

func (s *Service) reader(op string, sess *Session, student common.Address) error {
	if sess == nil || sess.Identity == nil {
		return s.fail(op, shared.ErrUnauthenticated)
	}
	if err := checkAddress("student", student); err != nil {
		return s.fail(op, err)
	}
	return nil
}

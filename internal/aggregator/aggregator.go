// Package aggregator turns raw ledger results into display records:
// institutions resolved, credits rescaled, dates and certificate locators
// rendered.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-cid"
	"golang.org/x/sync/errgroup"

	"github.com/acadledger/acadledger/internal/storage"
)

// DefaultConcurrency bounds parallel directory lookups.
const DefaultConcurrency = 8

// RawResult is a result as stored on the ledger.
type RawResult struct {
	CourseCode   string
	CourseName   string
	DegreeCourse string
	Credits      uint64
	University   common.Address
	IssuedAt     uint64
	Grade        string
	Certificate  string
}

// DisplayResult is a fully hydrated result.
type DisplayResult struct {
	CourseCode     string     `json:"courseCode"`
	CourseName     string     `json:"courseName"`
	DegreeCourse   string     `json:"degreeCourse"`
	Credits        Credits    `json:"credits"`
	University     University `json:"university"`
	Date           *time.Time `json:"date,omitempty"`
	Grade          string     `json:"grade,omitempty"`
	CertificateURL string     `json:"certificateUrl,omitempty"`
}

// Completed reports whether the result has been evaluated.
func (r DisplayResult) Completed() bool {
	return r.Grade != "" && r.Date != nil
}

// Failure is one result that could not be hydrated.
type Failure struct {
	Index  int
	Result RawResult
	Err    error
}

func (f Failure) Error() string {
	return fmt.Sprintf("result %d (%s): %v", f.Index, f.Result.CourseCode, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Options tunes Hydrate.
type Options struct {
	// RequireComplete fails the whole batch on the first unresolved entry.
	RequireComplete bool
	Concurrency     int
}

// UniversityDirectory looks up university profiles.
type UniversityDirectory interface {
	Lookup(ctx context.Context, addr common.Address) (University, error)
}

// Locator renders certificate URLs.
type Locator interface {
	Resolve(id cid.Cid) string
}

// Aggregator hydrates raw results.
type Aggregator struct {
	directory UniversityDirectory
	locator   Locator
	logger    *slog.Logger
}

// New constructs an aggregator.
func New(directory UniversityDirectory, locator Locator, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{directory: directory, locator: locator, logger: logger}
}

// Hydrate resolves raw in input order. Each distinct university is looked up
// once; lookups run concurrently and all of them settle before Hydrate
// returns. Entries whose university cannot be resolved are reported as
// failures. With RequireComplete the first failure is returned as the error
// and no results are produced.
func (a *Aggregator) Hydrate(ctx context.Context, raw []RawResult, opts Options) ([]DisplayResult, []Failure, error) {
	unique := make([]common.Address, 0, len(raw))
	seen := make(map[common.Address]int, len(raw))
	for _, r := range raw {
		if _, ok := seen[r.University]; !ok {
			seen[r.University] = len(unique)
			unique = append(unique, r.University)
		}
	}

	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	universities := make([]University, len(unique))
	lookupErrs := make([]error, len(unique))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, addr := range unique {
		g.Go(func() error {
			universities[i], lookupErrs[i] = a.directory.Lookup(ctx, addr)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	results := make([]DisplayResult, 0, len(raw))
	var failures []Failure
	for i, r := range raw {
		idx := seen[r.University]
		if err := lookupErrs[idx]; err != nil {
			failures = append(failures, Failure{Index: i, Result: r, Err: err})
			continue
		}
		results = append(results, a.display(r, universities[idx]))
	}
	if len(failures) > 0 {
		a.logger.Debug("aggregator: unresolved results",
			slog.Int("failed", len(failures)),
			slog.Int("total", len(raw)))
		if opts.RequireComplete {
			return nil, failures, failures[0]
		}
	}
	return results, failures, nil
}

func (a *Aggregator) display(r RawResult, uni University) DisplayResult {
	out := DisplayResult{
		CourseCode:   r.CourseCode,
		CourseName:   r.CourseName,
		DegreeCourse: r.DegreeCourse,
		Credits:      CreditsFromStored(r.Credits),
		University:   uni,
		Grade:        r.Grade,
	}
	if r.IssuedAt > 0 {
		date := CalendarDate(r.IssuedAt)
		out.Date = &date
	}
	if r.Certificate != "" && a.locator != nil {
		if id, err := storage.Parse(r.Certificate); err == nil {
			out.CertificateURL = a.locator.Resolve(id)
		} else {
			a.logger.Debug("aggregator: malformed certificate reference",
				slog.String("course", r.CourseCode), slog.Any("error", err))
		}
	}
	return out
}

// CalendarDate truncates a unix timestamp to its UTC calendar date.
func CalendarDate(unix uint64) time.Time {
	t := time.Unix(int64(unix), 0).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

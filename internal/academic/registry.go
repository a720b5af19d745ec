package academic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/acadledger/acadledger/internal/contracts"
	"github.com/acadledger/acadledger/internal/identity"
	"github.com/acadledger/acadledger/internal/shared"
	"github.com/acadledger/acadledger/internal/sponsor"
)

// Credentials is the pair an identity is derived from.
type Credentials struct {
	Password string `json:"password" validate:"required"`
	ID       string `json:"id" validate:"required"`
}

// Profile is the display payload of an account.
type Profile interface {
	Kind() contracts.Kind
	Fields() []string
}

// StudentProfile is the basic profile of a student.
type StudentProfile struct {
	Name       string `json:"name" validate:"required,max=128"`
	Surname    string `json:"surname" validate:"required,max=128"`
	BirthDate  string `json:"birthDate" validate:"required,datetime=2006-01-02"`
	BirthPlace string `json:"birthPlace" validate:"required,max=128"`
	Country    string `json:"country" validate:"required,max=64"`
}

func (StudentProfile) Kind() contracts.Kind { return contracts.KindStudent }

func (p StudentProfile) Fields() []string {
	return []string{p.Name, p.Surname, p.BirthDate, p.BirthPlace, p.Country}
}

// UniversityProfile is the display profile of a university.
type UniversityProfile struct {
	Name      string `json:"name" validate:"required,max=256"`
	ShortName string `json:"shortName" validate:"required,max=32"`
	Country   string `json:"country" validate:"required,max=64"`
}

func (UniversityProfile) Kind() contracts.Kind { return contracts.KindUniversity }

func (p UniversityProfile) Fields() []string { return []string{p.Name, p.ShortName, p.Country} }

// EmployerProfile is the display profile of an employer.
type EmployerProfile struct {
	Name    string `json:"name" validate:"required,max=256"`
	Country string `json:"country" validate:"required,max=64"`
	Sector  string `json:"sector" validate:"required,max=128"`
}

func (EmployerProfile) Kind() contracts.Kind { return contracts.KindEmployer }

func (p EmployerProfile) Fields() []string { return []string{p.Name, p.Country, p.Sector} }

func studentProfileFrom(fields []string) StudentProfile {
	fields = append(fields, make([]string, 5)...)
	return StudentProfile{Name: fields[0], Surname: fields[1], BirthDate: fields[2], BirthPlace: fields[3], Country: fields[4]}
}

// PredictAddress returns the account address registration would produce for
// owner and profile. It is pure.
func PredictAddress(owner common.Address, profile Profile) common.Address {
	return contracts.PredictAddress(profile.Kind(), owner, profile.Fields(), [32]byte{})
}

// Login derives the identity for creds and opens a session on its account of
// the given kind. KindAuto tries university, employer and student in that
// order and stops at the first account found.
func (s *Service) Login(ctx context.Context, creds Credentials, kind contracts.Kind) (*Session, error) {
	const op = "login"
	if err := s.validateStruct(creds); err != nil {
		return nil, s.fail(op, err)
	}
	kinds := []contracts.Kind{kind}
	if kind == KindAuto {
		kinds = autoDetectOrder
	} else if kind.Factory() == (common.Address{}) {
		return nil, s.fail(op, fmt.Errorf("%w: unknown account kind %d", shared.ErrValidation, kind))
	}
	owner, err := identity.Derive(creds.Password, creds.ID)
	if err != nil {
		return nil, s.fail(op, err)
	}

	for _, k := range kinds {
		account, err := s.lookup(ctx, owner.Address(), k)
		if errors.Is(err, shared.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, s.fail(op, err)
		}
		sess, err := s.open(ctx, owner, k, account)
		if err != nil {
			return nil, s.fail(op, err)
		}
		return sess, nil
	}
	if kind == KindAuto {
		return nil, s.fail(op, fmt.Errorf("%w: no account is registered for these credentials", shared.ErrNotFound))
	}
	return nil, s.fail(op, fmt.Errorf("%w: no %s account is registered for these credentials", shared.ErrNotFound, kind))
}

// Logout closes the session.
func (s *Service) Logout(sess *Session) {
	if sess != nil {
		s.sessions.Close(sess.Token)
	}
}

// Lookup returns the account of kind owned by owner.
func (s *Service) Lookup(ctx context.Context, owner common.Address, kind contracts.Kind) (common.Address, error) {
	account, err := s.lookup(ctx, owner, kind)
	if err != nil {
		return common.Address{}, s.fail("lookup", err)
	}
	return account, nil
}

func (s *Service) lookup(ctx context.Context, owner common.Address, kind contracts.Kind) (common.Address, error) {
	data, err := contracts.FactoryABI.Pack("accountOf", owner)
	if err != nil {
		return common.Address{}, err
	}
	out, err := s.ledger.Read(ctx, owner, kind.Factory(), data)
	if err != nil {
		return common.Address{}, err
	}
	vals, err := contracts.FactoryABI.Unpack("accountOf", out)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode accountOf: %w", err)
	}
	return vals[0].(common.Address), nil
}

func (s *Service) open(ctx context.Context, owner *identity.Identity, kind contracts.Kind, account common.Address) (*Session, error) {
	sess := &Session{Identity: owner, Kind: kind, Account: account}
	if kind == contracts.KindStudent {
		state, err := s.loadPermissions(ctx, sess)
		if err != nil {
			return nil, err
		}
		sess.permissions = NewShadowPermissions(state)
	}
	s.sessions.Open(sess)
	s.logger.Info("academic: session opened",
		slog.String("kind", kind.String()),
		slog.String("account", account.Hex()))
	return sess, nil
}

// RegisterUniversity deploys a university account for creds and signs in.
func (s *Service) RegisterUniversity(ctx context.Context, creds Credentials, profile UniversityProfile) (*Session, error) {
	return s.registerSelf(ctx, "register university", creds, profile)
}

// RegisterEmployer deploys an employer account for creds and signs in.
func (s *Service) RegisterEmployer(ctx context.Context, creds Credentials, profile EmployerProfile) (*Session, error) {
	return s.registerSelf(ctx, "register employer", creds, profile)
}

// registerSelf deploys through a sponsored operation carrying init code, so the
// owner's signature gates the deployment.
func (s *Service) registerSelf(ctx context.Context, op string, creds Credentials, profile Profile) (*Session, error) {
	if err := s.validateStruct(creds); err != nil {
		return nil, s.fail(op, err)
	}
	if err := s.validateStruct(profile); err != nil {
		return nil, s.fail(op, err)
	}
	owner, err := identity.Derive(creds.Password, creds.ID)
	if err != nil {
		return nil, s.fail(op, err)
	}
	kind := profile.Kind()
	account := PredictAddress(owner.Address(), profile)
	initCode, err := contracts.InitCode(kind, owner.Address(), profile.Fields(), [32]byte{})
	if err != nil {
		return nil, s.fail(op, err)
	}
	if _, err := s.execute(ctx, op, owner, sponsor.Call{
		Sender:   account,
		Target:   account,
		InitCode: initCode,
		Expect:   sponsor.Expectation{ABI: &contracts.FactoryABI, Contract: kind.Factory(), Event: "AccountCreated"},
	}); err != nil {
		return nil, err
	}
	if kind == contracts.KindUniversity && s.directory != nil {
		if err := s.directory.Invalidate(ctx); err != nil {
			s.logger.Warn("invalidate university directory", slog.Any("error", err))
		}
	}
	sess, err := s.open(ctx, owner, kind, account)
	if err != nil {
		return nil, s.fail(op, err)
	}
	return sess, nil
}

// RegisterStudent onboards a student through the university session.
func (s *Service) RegisterStudent(ctx context.Context, sess *Session, creds Credentials, profile StudentProfile) (common.Address, error) {
	const op = "register student"
	if err := sess.require(contracts.KindUniversity); err != nil {
		return common.Address{}, s.fail(op, err)
	}
	if err := s.validateStruct(creds); err != nil {
		return common.Address{}, s.fail(op, err)
	}
	if err := s.validateStruct(profile); err != nil {
		return common.Address{}, s.fail(op, err)
	}
	owner, err := identity.Derive(creds.Password, creds.ID)
	if err != nil {
		return common.Address{}, s.fail(op, err)
	}
	data, err := contracts.FactoryABI.Pack("createAccount", owner.Address(), contracts.NormalizeProfile(profile.Fields()), [32]byte{})
	if err != nil {
		return common.Address{}, s.fail(op, err)
	}
	out, err := s.execute(ctx, op, sess.Identity, sponsor.Call{
		Sender: sess.Account,
		Target: contracts.StudentFactoryAddress,
		Data:   data,
		Expect: sponsor.Expectation{ABI: &contracts.FactoryABI, Contract: contracts.StudentFactoryAddress, Event: "AccountCreated"},
	})
	if err != nil {
		return common.Address{}, err
	}
	student := PredictAddress(owner.Address(), profile)
	for _, ev := range out.Events {
		if addr, ok := ev.Values["account"].(common.Address); ok && ev.Name == "AccountCreated" {
			student = addr
		}
	}
	sess.SetActiveCounterpart(student)
	return student, nil
}

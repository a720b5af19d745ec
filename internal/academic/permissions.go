package academic

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/acadledger/acadledger/internal/contracts"
	"github.com/acadledger/acadledger/internal/shared"
	"github.com/acadledger/acadledger/internal/sponsor"
)

func checkRole(role contracts.Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %d", shared.ErrValidation, role)
	}
	return nil
}

func checkAddress(field string, addr common.Address) error {
	if addr == (common.Address{}) {
		return fmt.Errorf("%w: %s is required", shared.ErrValidation, field)
	}
	return nil
}

// RequestAccess asks student for role on behalf of the session account.
// Universities request read or write access, employers request employer read
// access. Requesting again is a no-op.
func (s *Service) RequestAccess(ctx context.Context, sess *Session, student common.Address, role contracts.Role) error {
	const op = "request access"
	if err := sess.require(contracts.KindUniversity, contracts.KindEmployer); err != nil {
		return s.fail(op, err)
	}
	if err := checkAddress("student", student); err != nil {
		return s.fail(op, err)
	}
	if err := checkRole(role); err != nil {
		return s.fail(op, err)
	}
	data, err := contracts.AccountABI.Pack("requestAccess", uint8(role))
	if err != nil {
		return s.fail(op, err)
	}
	if _, err := s.execute(ctx, op, sess.Identity, sponsor.Call{
		Sender: sess.Account,
		Target: student,
		Data:   data,
		Expect: sponsor.Expectation{ABI: &contracts.AccountABI, Contract: student},
	}); err != nil {
		return err
	}
	sess.SetActiveCounterpart(student)
	return nil
}

// Verify returns the highest role counterpart holds on student.
func (s *Service) Verify(ctx context.Context, student, counterpart common.Address) (contracts.Role, error) {
	const op = "verify access"
	if err := checkAddress("student", student); err != nil {
		return contracts.RoleNone, s.fail(op, err)
	}
	data, err := contracts.AccountABI.Pack("verify", counterpart)
	if err != nil {
		return contracts.RoleNone, s.fail(op, err)
	}
	out, err := s.ledger.Read(ctx, counterpart, student, data)
	if err != nil {
		return contracts.RoleNone, s.fail(op, err)
	}
	vals, err := contracts.AccountABI.Unpack("verify", out)
	if err != nil {
		return contracts.RoleNone, s.fail(op, err)
	}
	return contracts.Role(vals[0].(uint8)), nil
}

// RefreshPermissions reloads the student's permission ledger into the session view.
func (s *Service) RefreshPermissions(ctx context.Context, sess *Session) (PermissionSet, error) {
	if err := sess.require(contracts.KindStudent); err != nil {
		return PermissionSet{}, s.fail("list permissions", err)
	}
	state, err := s.loadPermissions(ctx, sess)
	if err != nil {
		return PermissionSet{}, err
	}
	if shadow := sess.Permissions(); shadow != nil {
		shadow.Replace(state)
	}
	return state, nil
}

// PendingRequests lists open access requests on the student's record.
func (s *Service) PendingRequests(ctx context.Context, sess *Session) ([]Permission, error) {
	state, err := s.RefreshPermissions(ctx, sess)
	return state.Pending, err
}

// Granted lists the counterparts holding a role on the student's record.
func (s *Service) Granted(ctx context.Context, sess *Session) ([]Permission, error) {
	state, err := s.RefreshPermissions(ctx, sess)
	return state.Granted, err
}

func (s *Service) loadPermissions(ctx context.Context, sess *Session) (PermissionSet, error) {
	pending, err := s.listPermissions(ctx, sess, "pendingRequests")
	if err != nil {
		return PermissionSet{}, err
	}
	granted, err := s.listPermissions(ctx, sess, "grantedAccess")
	if err != nil {
		return PermissionSet{}, err
	}
	return PermissionSet{Pending: pending, Granted: granted}, nil
}

func (s *Service) listPermissions(ctx context.Context, sess *Session, method string) ([]Permission, error) {
	vals, err := s.view(ctx, "list permissions", sess, sess.Account, method)
	if err != nil {
		return nil, err
	}
	counterparts := vals[0].([]common.Address)
	roles := vals[1].([]uint8)
	out := make([]Permission, 0, len(counterparts))
	for i, c := range counterparts {
		out = append(out, Permission{Counterpart: c, Role: contracts.Role(roles[i])})
	}
	return out, nil
}

// Grant approves the pending request of counterpart for role.
func (s *Service) Grant(ctx context.Context, sess *Session, counterpart common.Address, role contracts.Role) error {
	if err := checkRole(role); err != nil {
		return s.fail("grant access", err)
	}
	return s.mutatePermissions(ctx, "grant access", sess, counterpart, "AccessGranted",
		func(p *PermissionSet) { p.grant(counterpart, role) },
		"grant", counterpart, uint8(role))
}

// Deny discards the pending request of counterpart for role.
func (s *Service) Deny(ctx context.Context, sess *Session, counterpart common.Address, role contracts.Role) error {
	if err := checkRole(role); err != nil {
		return s.fail("deny access", err)
	}
	return s.mutatePermissions(ctx, "deny access", sess, counterpart, "",
		func(p *PermissionSet) { p.deny(counterpart, role) },
		"deny", counterpart, uint8(role))
}

// Revoke removes every role counterpart holds. Revoking twice is a no-op.
func (s *Service) Revoke(ctx context.Context, sess *Session, counterpart common.Address) error {
	return s.mutatePermissions(ctx, "revoke access", sess, counterpart, "",
		func(p *PermissionSet) { p.revoke(counterpart) },
		"revoke", counterpart)
}

// mutatePermissions applies fn to the session view, runs the ledger call and
// keeps the change only once the operation is verified.
func (s *Service) mutatePermissions(ctx context.Context, op string, sess *Session, counterpart common.Address, event string, fn func(*PermissionSet), method string, args ...any) error {
	if err := sess.require(contracts.KindStudent); err != nil {
		return s.fail(op, err)
	}
	if err := checkAddress("counterpart", counterpart); err != nil {
		return s.fail(op, err)
	}
	data, err := contracts.AccountABI.Pack(method, args...)
	if err != nil {
		return s.fail(op, err)
	}

	shadow := sess.Permissions()
	if shadow == nil {
		shadow = NewShadowPermissions(PermissionSet{})
	}
	tx := shadow.Begin()
	tx.mutate(fn)
	_, err = s.execute(ctx, op, sess.Identity, sponsor.Call{
		Sender: sess.Account,
		Target: sess.Account,
		Data:   data,
		Expect: sponsor.Expectation{ABI: &contracts.AccountABI, Contract: sess.Account, Event: event},
	})
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()
	return nil
}

package contracts

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/acadledger/acadledger/internal/chain"
)

const (
	phaseRequested = "req"
	phaseGranted   = "grant"
)

type resultRecord struct {
	Code        string         `json:"code"`
	Name        string         `json:"name"`
	Degree      string         `json:"degree"`
	Credits     uint64         `json:"credits"`
	University  common.Address `json:"university"`
	Grade       string         `json:"grade,omitempty"`
	Date        uint64         `json:"date,omitempty"`
	Certificate string         `json:"certificate,omitempty"`
	Evaluator   common.Address `json:"evaluator"`
}

// student executes permission ledger and record methods on a student account.
type student struct {
	cc    *chain.CallContext
	owner common.Address
}

func (s student) dispatch(method *abi.Method, args []any) ([]byte, error) {
	switch method.Name {
	case "requestAccess":
		return nil, s.requestAccess(Role(args[0].(uint8)))
	case "grant":
		return nil, s.grant(args[0].(common.Address), Role(args[1].(uint8)))
	case "deny":
		return nil, s.deny(args[0].(common.Address), Role(args[1].(uint8)))
	case "revoke":
		return nil, s.revoke(args[0].(common.Address))
	case "verify":
		role, err := s.verify(args[0].(common.Address))
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(uint8(role))
	case "pendingRequests":
		return s.listPhase(method, phaseRequested)
	case "grantedAccess":
		return s.listPhase(method, phaseGranted)
	case "getStudentInfo":
		if err := s.requireReader(); err != nil {
			return nil, err
		}
		profile, err := loadProfile(s.cc)
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(profile)
	case "getResults":
		if err := s.requireReader(); err != nil {
			return nil, err
		}
		return s.results(method)
	case "enroll":
		return nil, s.enroll(args[0].(string), args[1].(string), args[2].(string), args[3].(uint64))
	case "evaluate":
		return nil, s.evaluate(args[0].(string), args[1].(string), args[2].(uint64), args[3].(string))
	}
	return nil, revert("InvalidInput", "unsupported method %s", method.Name)
}

func (s student) isSelfOrOwner() bool {
	return s.cc.Sender == s.cc.Self || s.cc.Sender == s.owner
}

func (s student) requireSelfOrOwner(action string) error {
	if !s.isSelfOrOwner() {
		return revert("RestrictedCaller", "only the student may %s", action)
	}
	return nil
}

func (s student) has(phase string, counterpart common.Address, role Role) (bool, error) {
	_, ok, err := s.cc.Get(permKey(s.cc.Self, phase, counterpart, role))
	return ok, err
}

func (s student) topics(counterpart common.Address) []common.Hash {
	return []common.Hash{common.BytesToHash(s.cc.Self.Bytes()), common.BytesToHash(counterpart.Bytes())}
}

func (s student) requestAccess(role Role) error {
	if !role.Valid() {
		return revert("InvalidInput", "unknown role %d", role)
	}
	callerKind, err := accountKindOf(s.cc, s.cc.Sender)
	if err != nil {
		return err
	}
	switch {
	case role == RoleEmployerRead && callerKind != KindEmployer:
		return revert("RestrictedCaller", "only employers may request employer read access")
	case role != RoleEmployerRead && callerKind != KindUniversity:
		return revert("RestrictedCaller", "only universities may request %s access", role)
	}

	for _, phase := range []string{phaseGranted, phaseRequested} {
		ok, err := s.has(phase, s.cc.Sender, role)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	if err := s.cc.Put(permKey(s.cc.Self, phaseRequested, s.cc.Sender, role), []byte{1}); err != nil {
		return err
	}
	return emit(s.cc, AccountABI, "AccessRequested", s.topics(s.cc.Sender), uint8(role))
}

func (s student) grant(counterpart common.Address, role Role) error {
	if err := s.requireSelfOrOwner("grant access"); err != nil {
		return err
	}
	if !role.Valid() {
		return revert("InvalidInput", "unknown role %d", role)
	}
	pending, err := s.has(phaseRequested, counterpart, role)
	if err != nil {
		return err
	}
	if !pending {
		return revert("NotFound", "no pending %s request from %s", role, counterpart.Hex())
	}
	if err := s.cc.Delete(permKey(s.cc.Self, phaseRequested, counterpart, role)); err != nil {
		return err
	}
	if err := s.cc.Put(permKey(s.cc.Self, phaseGranted, counterpart, role), []byte{1}); err != nil {
		return err
	}
	return emit(s.cc, AccountABI, "AccessGranted", s.topics(counterpart), uint8(role))
}

func (s student) deny(counterpart common.Address, role Role) error {
	if err := s.requireSelfOrOwner("deny access"); err != nil {
		return err
	}
	pending, err := s.has(phaseRequested, counterpart, role)
	if err != nil || !pending {
		return err
	}
	if err := s.cc.Delete(permKey(s.cc.Self, phaseRequested, counterpart, role)); err != nil {
		return err
	}
	return emit(s.cc, AccountABI, "AccessRequestDenied", s.topics(counterpart), uint8(role))
}

func (s student) revoke(counterpart common.Address) error {
	if err := s.requireSelfOrOwner("revoke access"); err != nil {
		return err
	}
	removed := false
	for _, role := range Roles {
		ok, err := s.has(phaseGranted, counterpart, role)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.cc.Delete(permKey(s.cc.Self, phaseGranted, counterpart, role)); err != nil {
			return err
		}
		removed = true
	}
	if !removed {
		return nil
	}
	return emit(s.cc, AccountABI, "AccessRevoked", s.topics(counterpart))
}

func (s student) verify(counterpart common.Address) (Role, error) {
	best := RoleNone
	for _, role := range Roles {
		ok, err := s.has(phaseGranted, counterpart, role)
		if err != nil {
			return RoleNone, err
		}
		if ok {
			best = Higher(best, role)
		}
	}
	return best, nil
}

func (s student) listPhase(method *abi.Method, phase string) ([]byte, error) {
	if err := s.requireSelfOrOwner("list permissions"); err != nil {
		return nil, err
	}
	prefix := permPrefix(s.cc.Self, phase)
	entries, err := s.cc.List(prefix)
	if err != nil {
		return nil, err
	}
	counterparts := make([]common.Address, 0, len(entries))
	roles := make([]uint8, 0, len(entries))
	for _, e := range entries {
		addr, role, ok := strings.Cut(strings.TrimPrefix(e.Key, prefix), "/")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(role, 10, 8)
		if err != nil {
			continue
		}
		counterparts = append(counterparts, common.HexToAddress(addr))
		roles = append(roles, uint8(n))
	}
	return method.Outputs.Pack(counterparts, roles)
}

func (s student) requireReader() error {
	if s.isSelfOrOwner() {
		return nil
	}
	role, err := s.verify(s.cc.Sender)
	if err != nil {
		return err
	}
	if role == RoleNone {
		return revert("AccessDenied", "caller holds no read permission on this student")
	}
	return nil
}

func (s student) requireWriter() error {
	ok, err := s.has(phaseGranted, s.cc.Sender, RoleWrite)
	if err != nil {
		return err
	}
	if !ok {
		return revert("AccessDenied", "caller holds no write permission on this student")
	}
	return nil
}

func (s student) loadResult(code string) (uint64, *resultRecord, error) {
	raw, ok, err := s.cc.Get(resultIndexKey(s.cc.Self, code))
	if err != nil || !ok {
		return 0, nil, err
	}
	seq, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, nil, err
	}
	body, ok, err := s.cc.Get(resultKey(s.cc.Self, seq))
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, revert("NotFound", "result %s is missing", code)
	}
	var rec resultRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return 0, nil, err
	}
	return seq, &rec, nil
}

func (s student) storeResult(seq uint64, rec *resultRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.cc.Put(resultKey(s.cc.Self, seq), body)
}

func (s student) enroll(code, name, degree string, credits uint64) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	code, name, degree = strings.TrimSpace(code), strings.TrimSpace(name), strings.TrimSpace(degree)
	if code == "" || name == "" || degree == "" {
		return revert("InvalidInput", "course code, name and degree course are required")
	}
	if credits == 0 {
		return revert("InvalidInput", "credits must be positive")
	}
	_, existing, err := s.loadResult(code)
	if err != nil {
		return err
	}
	if existing != nil {
		return revert("AlreadyExists", "course %s is already enrolled", code)
	}
	seq, err := getUint(s.cc, resultCountKey(s.cc.Self))
	if err != nil {
		return err
	}
	rec := &resultRecord{Code: code, Name: name, Degree: degree, Credits: credits, University: s.cc.Sender}
	if err := s.storeResult(seq, rec); err != nil {
		return err
	}
	if err := s.cc.Put(resultIndexKey(s.cc.Self, code), []byte(strconv.FormatUint(seq, 10))); err != nil {
		return err
	}
	if err := putUint(s.cc, resultCountKey(s.cc.Self), seq+1); err != nil {
		return err
	}
	return emit(s.cc, AccountABI, "ResultEnrolled", s.topics(s.cc.Sender), code)
}

func (s student) evaluate(code, grade string, date uint64, certificate string) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	code, grade = strings.TrimSpace(code), strings.TrimSpace(grade)
	if grade == "" {
		return revert("InvalidInput", "grade is required")
	}
	if date == 0 {
		return revert("InvalidInput", "evaluation date is required")
	}
	seq, rec, err := s.loadResult(code)
	if err != nil {
		return err
	}
	if rec == nil {
		return revert("NotFound", "course %s is not enrolled", code)
	}
	if rec.Grade != "" {
		return revert("AlreadyEvaluated", "course %s was already evaluated", code)
	}
	rec.Grade, rec.Date, rec.Certificate, rec.Evaluator = grade, date, strings.TrimSpace(certificate), s.cc.Sender
	if err := s.storeResult(seq, rec); err != nil {
		return err
	}
	return emit(s.cc, AccountABI, "ResultEvaluated", s.topics(s.cc.Sender), code, grade)
}

func (s student) results(method *abi.Method) ([]byte, error) {
	entries, err := s.cc.List(chain.Key("result", s.cc.Self.Hex()) + "/")
	if err != nil {
		return nil, err
	}
	n := len(entries)
	var (
		codes        = make([]string, 0, n)
		names        = make([]string, 0, n)
		degrees      = make([]string, 0, n)
		credits      = make([]uint64, 0, n)
		universities = make([]common.Address, 0, n)
		issuedAt     = make([]uint64, 0, n)
		grades       = make([]string, 0, n)
		certificates = make([]string, 0, n)
	)
	for _, e := range entries {
		var rec resultRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return nil, err
		}
		codes = append(codes, rec.Code)
		names = append(names, rec.Name)
		degrees = append(degrees, rec.Degree)
		credits = append(credits, rec.Credits)
		universities = append(universities, rec.University)
		issuedAt = append(issuedAt, rec.Date)
		grades = append(grades, rec.Grade)
		certificates = append(certificates, rec.Certificate)
	}
	return method.Outputs.Pack(codes, names, degrees, credits, universities, issuedAt, grades, certificates)
}

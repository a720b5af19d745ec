package academic

import (
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/acadledger/acadledger/internal/contracts"
)

// Permission is one entry of a student's permission ledger.
type Permission struct {
	Counterpart common.Address `json:"counterpart"`
	Role        contracts.Role `json:"role"`
}

// PermissionSet is a value snapshot of a student's requested and granted entries.
type PermissionSet struct {
	Pending []Permission `json:"pending"`
	Granted []Permission `json:"granted"`
}

// Clone returns a deep copy.
func (p PermissionSet) Clone() PermissionSet {
	return PermissionSet{Pending: slices.Clone(p.Pending), Granted: slices.Clone(p.Granted)}
}

// Role returns the highest granted role of counterpart.
func (p PermissionSet) Role(counterpart common.Address) contracts.Role {
	best := contracts.RoleNone
	for _, g := range p.Granted {
		if g.Counterpart == counterpart {
			best = contracts.Higher(best, g.Role)
		}
	}
	return best
}

// IsPending reports whether counterpart has an open request for role.
func (p PermissionSet) IsPending(counterpart common.Address, role contracts.Role) bool {
	return slices.Contains(p.Pending, Permission{Counterpart: counterpart, Role: role})
}

func (p *PermissionSet) grant(counterpart common.Address, role contracts.Role) {
	entry := Permission{Counterpart: counterpart, Role: role}
	p.Pending = slices.DeleteFunc(p.Pending, func(e Permission) bool { return e == entry })
	if !slices.Contains(p.Granted, entry) {
		p.Granted = append(p.Granted, entry)
	}
}

func (p *PermissionSet) deny(counterpart common.Address, role contracts.Role) {
	entry := Permission{Counterpart: counterpart, Role: role}
	p.Pending = slices.DeleteFunc(p.Pending, func(e Permission) bool { return e == entry })
}

func (p *PermissionSet) revoke(counterpart common.Address) {
	p.Granted = slices.DeleteFunc(p.Granted, func(e Permission) bool { return e.Counterpart == counterpart })
}

// ShadowPermissions is the local view of a student's permission ledger.
// Mutations run inside a PermissionTx: they are applied optimistically and
// either committed once the operation is verified or rolled back to the prior
// snapshot.
type ShadowPermissions struct {
	txMu sync.Mutex

	mu    sync.RWMutex
	state PermissionSet
}

// NewShadowPermissions seeds the view.
func NewShadowPermissions(initial PermissionSet) *ShadowPermissions {
	return &ShadowPermissions{state: initial.Clone()}
}

// Snapshot returns a copy of the current view, including uncommitted changes.
func (s *ShadowPermissions) Snapshot() PermissionSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Replace overwrites the view with state read from the ledger.
func (s *ShadowPermissions) Replace(state PermissionSet) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.set(state)
}

func (s *ShadowPermissions) set(state PermissionSet) {
	s.mu.Lock()
	s.state = state.Clone()
	s.mu.Unlock()
}

// Begin opens a transaction. Transactions on the same view are serialised.
func (s *ShadowPermissions) Begin() *PermissionTx {
	s.txMu.Lock()
	return &PermissionTx{shadow: s, prev: s.Snapshot()}
}

// PermissionTx is an open optimistic mutation.
type PermissionTx struct {
	shadow *ShadowPermissions
	prev   PermissionSet
	done   bool
}

func (t *PermissionTx) mutate(fn func(*PermissionSet)) {
	t.shadow.mu.Lock()
	fn(&t.shadow.state)
	t.shadow.mu.Unlock()
}

// Commit keeps the applied mutation.
func (t *PermissionTx) Commit() {
	if t.done {
		return
	}
	t.done = true
	t.shadow.txMu.Unlock()
}

// Rollback restores the snapshot taken by Begin.
func (t *PermissionTx) Rollback() {
	if t.done {
		return
	}
	t.done = true
	t.shadow.set(t.prev)
	t.shadow.txMu.Unlock()
}

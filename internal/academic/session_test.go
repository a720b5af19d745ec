package academic

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acadledger/acadledger/internal/contracts"
	"github.com/acadledger/acadledger/internal/identity"
	"github.com/acadledger/acadledger/internal/shared"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestSessions(ttl time.Duration) (*Sessions, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	s := NewSessions(ttl)
	s.now = clock.Now
	return s, clock
}

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

func TestSessionsSlidingExpiry(t *testing.T) {
	store, clock := newTestSessions(10 * time.Minute)
	sess := store.Open(&Session{Identity: testIdentity(t), Kind: contracts.KindUniversity})
	require.NotEmpty(t, sess.Token)
	assert.Equal(t, clock.now.Add(10*time.Minute), sess.ExpiresAt)

	clock.now = clock.now.Add(9 * time.Minute)
	got, err := store.Get(sess.Token)
	require.NoError(t, err)
	assert.Same(t, sess, got)
	assert.Equal(t, clock.now.Add(10*time.Minute), got.ExpiresAt)

	clock.now = clock.now.Add(10 * time.Minute)
	_, err = store.Get(sess.Token)
	require.ErrorIs(t, err, shared.ErrUnauthenticated)

	_, err = store.Get(sess.Token)
	require.ErrorIs(t, err, shared.ErrUnauthenticated)
}

func TestSessionsSweepAndClose(t *testing.T) {
	store, clock := newTestSessions(time.Minute)
	first := store.Open(&Session{Identity: testIdentity(t)})
	clock.now = clock.now.Add(30 * time.Second)
	second := store.Open(&Session{Identity: testIdentity(t)})
	assert.NotEqual(t, first.Token, second.Token)

	clock.now = clock.now.Add(45 * time.Second)
	assert.Equal(t, 1, store.Sweep())
	_, err := store.Get(second.Token)
	require.NoError(t, err)

	store.Close(second.Token)
	_, err = store.Get(second.Token)
	require.ErrorIs(t, err, shared.ErrUnauthenticated)
	assert.Zero(t, store.Sweep())
}

func TestSessionsRunStopsWithContext(t *testing.T) {
	store := NewSessions(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestSessionRequire(t *testing.T) {
	var missing *Session
	require.ErrorIs(t, missing.require(contracts.KindStudent), shared.ErrUnauthenticated)

	sess := &Session{Identity: testIdentity(t), Kind: contracts.KindEmployer}
	require.NoError(t, sess.require(contracts.KindUniversity, contracts.KindEmployer))
	err := sess.require(contracts.KindStudent)
	require.ErrorIs(t, err, shared.ErrRestrictedCaller)
	assert.Contains(t, err.Error(), "student accounts only")
}

func TestSessionContextRoundTrip(t *testing.T) {
	assert.Nil(t, SessionFromContext(context.Background()))
	sess := &Session{Token: "abc"}
	assert.Same(t, sess, SessionFromContext(ContextWithSession(context.Background(), sess)))
}

var (
	counterpartA = common.HexToAddress("0x0a")
	counterpartB = common.HexToAddress("0x0b")
)

func TestShadowPermissionsCommit(t *testing.T) {
	shadow := NewShadowPermissions(PermissionSet{
		Pending: []Permission{{Counterpart: counterpartA, Role: contracts.RoleWrite}},
	})

	tx := shadow.Begin()
	tx.mutate(func(p *PermissionSet) { p.grant(counterpartA, contracts.RoleWrite) })
	tx.Commit()
	tx.Rollback()

	state := shadow.Snapshot()
	assert.Empty(t, state.Pending)
	assert.Equal(t, contracts.RoleWrite, state.Role(counterpartA))
	assert.Equal(t, contracts.RoleNone, state.Role(counterpartB))
}

func TestShadowPermissionsRollbackRestoresSnapshot(t *testing.T) {
	initial := PermissionSet{
		Pending: []Permission{{Counterpart: counterpartB, Role: contracts.RoleEmployerRead}},
		Granted: []Permission{{Counterpart: counterpartA, Role: contracts.RoleRead}},
	}
	shadow := NewShadowPermissions(initial)

	tx := shadow.Begin()
	tx.mutate(func(p *PermissionSet) {
		p.revoke(counterpartA)
		p.deny(counterpartB, contracts.RoleEmployerRead)
	})
	assert.Empty(t, shadow.Snapshot().Granted)
	tx.Rollback()

	assert.Equal(t, initial, shadow.Snapshot())
	assert.True(t, shadow.Snapshot().IsPending(counterpartB, contracts.RoleEmployerRead))

	// The view is usable again once the transaction is closed.
	next := shadow.Begin()
	next.Commit()
}

func TestShadowPermissionsSnapshotIsACopy(t *testing.T) {
	shadow := NewShadowPermissions(PermissionSet{Granted: []Permission{{Counterpart: counterpartA, Role: contracts.RoleRead}}})
	snap := shadow.Snapshot()
	snap.Granted[0].Role = contracts.RoleWrite
	assert.Equal(t, contracts.RoleRead, shadow.Snapshot().Role(counterpartA))
}

func TestPermissionSetRolePrefersWrite(t *testing.T) {
	set := PermissionSet{Granted: []Permission{
		{Counterpart: counterpartA, Role: contracts.RoleEmployerRead},
		{Counterpart: counterpartA, Role: contracts.RoleWrite},
		{Counterpart: counterpartA, Role: contracts.RoleRead},
	}}
	assert.Equal(t, contracts.RoleWrite, set.Role(counterpartA))
}

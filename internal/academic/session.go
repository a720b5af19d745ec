package academic

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/acadledger/acadledger/internal/contracts"
	"github.com/acadledger/acadledger/internal/identity"
	"github.com/acadledger/acadledger/internal/shared"
)

// KindAuto asks Login to detect the account kind by trial lookup.
const KindAuto = contracts.KindNone

// autoDetectOrder is the capped, ordered search used for KindAuto.
var autoDetectOrder = []contracts.Kind{contracts.KindUniversity, contracts.KindEmployer, contracts.KindStudent}

// DefaultSessionTTL applies when Sessions is built without a TTL.
const DefaultSessionTTL = 30 * time.Minute

// Session is the explicit per-user context every operation runs in.
type Session struct {
	Token     string
	Identity  *identity.Identity
	Kind      contracts.Kind
	Account   common.Address
	ExpiresAt time.Time

	mu          sync.Mutex
	counterpart common.Address
	permissions *ShadowPermissions
}

// ActiveCounterpart returns the account the session currently works on, e.g.
// the student a university is enrolling.
func (s *Session) ActiveCounterpart() common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counterpart
}

// SetActiveCounterpart selects the account the session works on.
func (s *Session) SetActiveCounterpart(addr common.Address) {
	s.mu.Lock()
	s.counterpart = addr
	s.mu.Unlock()
}

// Permissions returns the local permission view of a student session, nil for
// other kinds.
func (s *Session) Permissions() *ShadowPermissions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissions
}

func (s *Session) require(kinds ...contracts.Kind) error {
	if s == nil || s.Identity == nil {
		return shared.ErrUnauthenticated
	}
	for _, k := range kinds {
		if s.Kind == k {
			return nil
		}
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return fmt.Errorf("%w: available to %s accounts only", shared.ErrRestrictedCaller, strings.Join(names, " and "))
}

// Sessions keeps live sessions in process memory. Identities hold private keys
// and are never serialised, so sessions cannot be shared between processes.
type Sessions struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items map[string]*Session
}

// NewSessions constructs an empty store.
func NewSessions(ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{ttl: ttl, now: time.Now, items: make(map[string]*Session)}
}

// TTL returns the configured lifetime.
func (s *Sessions) TTL() time.Duration { return s.ttl }

// Open registers sess under a fresh token.
func (s *Sessions) Open(sess *Session) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.Token = uuid.NewString()
	sess.ExpiresAt = s.now().Add(s.ttl)
	s.items[sess.Token] = sess
	return sess
}

// Get returns the live session for token and extends its lifetime.
func (s *Sessions) Get(token string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.items[strings.TrimSpace(token)]
	if !ok {
		return nil, shared.ErrUnauthenticated
	}
	now := s.now()
	if !now.Before(sess.ExpiresAt) {
		delete(s.items, sess.Token)
		return nil, fmt.Errorf("%w: session expired", shared.ErrUnauthenticated)
	}
	sess.ExpiresAt = now.Add(s.ttl)
	return sess, nil
}

// Close ends the session for token.
func (s *Sessions) Close(token string) {
	s.mu.Lock()
	delete(s.items, token)
	s.mu.Unlock()
}

// Sweep drops expired sessions and returns how many were removed.
func (s *Sessions) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for token, sess := range s.items {
		if !now.Before(sess.ExpiresAt) {
			delete(s.items, token)
			removed++
		}
	}
	return removed
}

// Run sweeps expired sessions every interval until ctx ends.
func (s *Sessions) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

type sessionContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

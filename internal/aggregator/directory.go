package aggregator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/acadledger/acadledger/internal/chain"
	"github.com/acadledger/acadledger/internal/contracts"
	"github.com/acadledger/acadledger/internal/shared"
)

// ErrUnknownUniversity is returned when an address is not a university account.
var ErrUnknownUniversity = fmt.Errorf("%w: unknown university", shared.ErrNotFound)

// University is the display profile of a university account.
type University struct {
	Address   common.Address `json:"address"`
	Name      string         `json:"name"`
	ShortName string         `json:"shortName"`
	Country   string         `json:"country"`
}

// Resolver loads a university profile from its source of truth.
type Resolver interface {
	University(ctx context.Context, addr common.Address) (University, error)
}

// Caller performs read-only ledger calls.
type Caller interface {
	Call(ctx context.Context, from, to common.Address, data []byte) ([]byte, error)
}

// LedgerResolver reads university profiles from their accounts.
type LedgerResolver struct {
	Ledger Caller
}

// University reads kind() and profile() of addr.
func (r LedgerResolver) University(ctx context.Context, addr common.Address) (University, error) {
	var kind uint8
	if err := r.call(ctx, addr, "kind", &kind); err != nil {
		return University{}, err
	}
	if contracts.Kind(kind) != contracts.KindUniversity {
		return University{}, fmt.Errorf("%w: %s is a %s account", ErrUnknownUniversity, addr.Hex(), contracts.Kind(kind))
	}
	var profile []string
	if err := r.call(ctx, addr, "profile", &profile); err != nil {
		return University{}, err
	}
	if len(profile) < contracts.KindUniversity.ProfileFields() {
		return University{}, fmt.Errorf("%w: %s has a malformed profile", ErrUnknownUniversity, addr.Hex())
	}
	return University{Address: addr, Name: profile[0], ShortName: profile[1], Country: profile[2]}, nil
}

func (r LedgerResolver) call(ctx context.Context, addr common.Address, method string, dest any) error {
	data, err := contracts.AccountABI.Pack(method)
	if err != nil {
		return err
	}
	out, err := r.Ledger.Call(ctx, common.Address{}, addr, data)
	if err != nil {
		var rev *chain.RevertError
		if errors.As(err, &rev) {
			return fmt.Errorf("%w: %s: %v", ErrUnknownUniversity, addr.Hex(), contracts.DescribeRevert(rev.Data))
		}
		return err
	}
	return contracts.AccountABI.UnpackIntoInterface(dest, method, out)
}

// Directory resolves universities through a shared cache, collapsing
// concurrent lookups of the same address into one.
type Directory struct {
	resolver Resolver
	cache    *Cache
	group    singleflight.Group
}

// NewDirectory wraps resolver. cache may be nil.
func NewDirectory(resolver Resolver, cache *Cache) *Directory {
	return &Directory{resolver: resolver, cache: cache}
}

// Lookup returns the profile of the university at addr.
func (d *Directory) Lookup(ctx context.Context, addr common.Address) (University, error) {
	resultChan := d.group.DoChan(addr.Hex(), func() (any, error) {
		return d.load(context.WithoutCancel(ctx), addr)
	})
	select {
	case <-ctx.Done():
		return University{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return University{}, res.Err
		}
		return res.Val.(University), nil
	}
}

func (d *Directory) load(ctx context.Context, addr common.Address) (University, error) {
	key, err := d.cache.BuildKey(ctx, keyUniversity(addr.Hex()))
	if err != nil {
		return University{}, err
	}
	var uni University
	err = d.cache.FetchJSON(ctx, key, &uni, func(ctx context.Context) (any, error) {
		return d.resolver.University(ctx, addr)
	})
	return uni, err
}

// Invalidate drops every cached profile.
func (d *Directory) Invalidate(ctx context.Context) error {
	return d.cache.Bump(ctx)
}

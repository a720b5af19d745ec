// Package storage keeps certificate documents in content-addressable storage.
// Objects are immutable and keyed by a CIDv1 (raw codec, sha2-256).
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/acadledger/acadledger/internal/shared"
)

// Sentinel errors.
var (
	ErrNotFound    = errors.New("storage: not found")
	ErrInvalidCID  = errors.New("storage: invalid cid")
	ErrCIDMismatch = errors.New("storage: cid mismatch")
)

// DefaultGateway is used when no gateway base URL is configured.
const DefaultGateway = "https://ipfs.io"

// CAS is a content-addressable store.
//
// Publish is idempotent and returns the CID derived from the bytes. Fetch
// returns ErrNotFound for absent objects. Resolve builds the public URL of an
// object without touching the store.
type CAS interface {
	Publish(ctx context.Context, data []byte) (cid.Cid, error)
	Fetch(ctx context.Context, id cid.Cid) ([]byte, error)
	Resolve(id cid.Cid) string
}

// Sum returns the CID of data.
func Sum(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// Parse decodes a CID string.
func Parse(s string) (cid.Cid, error) {
	id, err := cid.Decode(strings.TrimSpace(s))
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", ErrInvalidCID, err)
	}
	return id, nil
}

// Gateway renders object URLs below a gateway base URL.
type Gateway string

// Resolve returns <base>/ipfs/<cid>.
func (g Gateway) Resolve(id cid.Cid) string {
	base := strings.TrimRight(string(g), "/")
	if base == "" {
		base = DefaultGateway
	}
	return base + "/ipfs/" + id.String()
}

// ResolveString parses s and resolves it; malformed identifiers yield "".
func ResolveString(cas CAS, s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	id, err := Parse(s)
	if err != nil {
		return ""
	}
	return cas.Resolve(id)
}

func failure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", shared.ErrStorageFailure, op, err)
}

func verify(id cid.Cid, data []byte) error {
	got, err := Sum(data)
	if err != nil {
		return err
	}
	if !got.Equals(id) {
		return ErrCIDMismatch
	}
	return nil
}

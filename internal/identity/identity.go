// Package identity derives externally-owned identities from credential pairs.
package identity

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"

	"github.com/acadledger/acadledger/internal/shared"
)

const (
	// Iterations is the fixed PBKDF2 round count.
	Iterations = 100_000
	// KeyLength is the derived key length in bytes.
	KeyLength = 32

	maxRounds = 8
)

// Identity holds a secp256k1 keypair. The private key never leaves the value.
type Identity struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// DeriveKey returns the raw key material for a credential pair.
// It is deterministic and side-effect free.
func DeriveKey(password, id string) ([]byte, error) {
	password = norm.NFC.String(password)
	id = norm.NFC.String(strings.TrimSpace(id))
	if password == "" {
		return nil, fmt.Errorf("identity: password required: %w", shared.ErrValidation)
	}
	if id == "" {
		return nil, fmt.Errorf("identity: id required: %w", shared.ErrValidation)
	}
	return pbkdf2.Key([]byte(password), []byte(id), Iterations, KeyLength, sha256.New), nil
}

// Derive deterministically derives an identity from a credential pair. Key
// material outside the curve order is re-derived with a round suffix on the salt.
func Derive(password, id string) (*Identity, error) {
	raw, err := DeriveKey(password, id)
	if err != nil {
		return nil, err
	}
	for round := uint32(1); ; round++ {
		ident, err := FromPrivateKey(raw)
		if err == nil {
			return ident, nil
		}
		if round >= maxRounds {
			return nil, fmt.Errorf("identity: no valid key after %d rounds", round)
		}
		salt := binary.BigEndian.AppendUint32([]byte(norm.NFC.String(strings.TrimSpace(id))), round)
		raw = pbkdf2.Key([]byte(norm.NFC.String(password)), salt, Iterations, KeyLength, sha256.New)
	}
}

// FromPrivateKey wraps raw secp256k1 key bytes.
func FromPrivateKey(raw []byte) (*Identity, error) {
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: invalid key material: %w", err)
	}
	return &Identity{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// FromHex parses a hex encoded private key, with or without 0x prefix.
func FromHex(s string) (*Identity, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, errors.New("identity: empty key")
	}
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("identity: parse key: %w", err)
	}
	return &Identity{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Generate creates a random identity. Used for development operators and tests.
func Generate() (*Identity, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Identity{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the public identifier.
func (i *Identity) Address() common.Address {
	if i == nil {
		return common.Address{}
	}
	return i.address
}

// SignHash signs a 32-byte digest and returns a 65-byte [R || S || V] signature.
func (i *Identity) SignHash(digest []byte) ([]byte, error) {
	if i == nil || i.key == nil {
		return nil, errors.New("identity: not initialised")
	}
	return crypto.Sign(digest, i.key)
}

// String returns the checksummed address only.
func (i *Identity) String() string {
	return i.Address().Hex()
}

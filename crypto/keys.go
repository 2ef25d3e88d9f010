package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable part of a display address.
type AddressPrefix string

const (
	// FeedPrefix marks registry accounts (owners, signers, consumers).
	FeedPrefix AddressPrefix = "feed"
)

var ErrInvalidAddress = errors.New("crypto: invalid address")

// Address is a 20-byte account identity rendered as bech32.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

// NewAddress wraps b, which must be 20 bytes long.
func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != common.AddressLength {
		return Address{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidAddress, common.AddressLength, len(b))
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}, nil
}

// MustNewAddress is NewAddress for inputs known to be valid.
func MustNewAddress(prefix AddressPrefix, b []byte) Address {
	addr, err := NewAddress(prefix, b)
	if err != nil {
		panic(err)
	}
	return addr
}

// FromCommon converts an execution-layer address into display form.
func FromCommon(addr common.Address) Address {
	return MustNewAddress(FeedPrefix, addr.Bytes())
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// Common returns the execution-layer form of the address.
func (a Address) Common() common.Address {
	return common.BytesToAddress(a.bytes)
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("%w: bech32: %v", ErrInvalidAddress, err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("%w: converting bits: %v", ErrInvalidAddress, err)
	}
	return NewAddress(AddressPrefix(prefix), conv)
}

// ParseAddress accepts either a 0x-prefixed hex address or a bech32 display
// address.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return common.Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if common.IsHexAddress(trimmed) {
		return common.HexToAddress(trimmed), nil
	}
	addr, err := DecodeAddress(trimmed)
	if err != nil {
		return common.Address{}, err
	}
	return addr.Common(), nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address returns the execution-layer address controlled by the key.
func (k *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.PrivateKey.PublicKey)
}

func (k *PublicKey) Address() Address {
	return FromCommon(crypto.PubkeyToAddress(*k.PublicKey))
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex parses a hex private key with or without 0x prefix.
func PrivateKeyFromHex(raw string) (*PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

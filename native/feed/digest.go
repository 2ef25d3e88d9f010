package feed

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the length of an r||s||v secp256k1 signature.
const SignatureLength = 65

// ErrInvalidSignature marks signatures that cannot be parsed.
var ErrInvalidSignature = errors.New("feed: invalid signature")

// Int256Bytes renders v as a 32-byte big-endian two's complement word.
func Int256Bytes(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return math.U256Bytes(new(big.Int).Set(v))
}

var two256 = new(big.Int).Lsh(big.NewInt(1), 256)

// Int256FromBytes parses a 32-byte two's complement word.
func Int256FromBytes(b []byte) *big.Int {
	x := new(big.Int).SetBytes(b)
	if x.Bit(255) == 1 {
		x.Sub(x, two256)
	}
	return x
}

func uint256Word(v uint64) []byte {
	return common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32)
}

// Digest computes keccak256 over the tightly packed tuple
// (uint32 feedId, int256 value, uint256 lastUpdate, uint16 seed).
func Digest(feedID uint32, value *big.Int, lastUpdate uint64, seed uint16) common.Hash {
	buf := make([]byte, 0, 4+32+32+2)
	buf = binary.BigEndian.AppendUint32(buf, feedID)
	buf = append(buf, Int256Bytes(value)...)
	buf = append(buf, uint256Word(lastUpdate)...)
	buf = binary.BigEndian.AppendUint16(buf, seed)
	return ethcrypto.Keccak256Hash(buf)
}

// PackedDigest computes keccak256 over the tightly packed tuple
// (uint32 feedId, bytes value, uint256 lastUpdate, uint16 seed).
func PackedDigest(feedID uint32, value []byte, lastUpdate uint64, seed uint16) common.Hash {
	buf := make([]byte, 0, 4+len(value)+32+2)
	buf = binary.BigEndian.AppendUint32(buf, feedID)
	buf = append(buf, value...)
	buf = append(buf, uint256Word(lastUpdate)...)
	buf = binary.BigEndian.AppendUint16(buf, seed)
	return ethcrypto.Keccak256Hash(buf)
}

// Digest returns the message digest of the record under seed.
func (d *DataFeed) Digest(seed uint16) common.Hash {
	return Digest(d.FeedID, d.Value, d.LastUpdate, seed)
}

// Digest returns the message digest of the packed record under seed.
func (p *PackedDataFeed) Digest(seed uint16) common.Hash {
	return PackedDigest(p.FeedID, p.Value, p.LastUpdate, seed)
}

// Sign produces a personal-message (EIP-191) signature over message, the way
// wallet signMessage helpers do. The recovery id is returned as 27/28.
func Sign(message []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("feed: signing key required")
	}
	sig, err := ethcrypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// Recover returns the address whose key produced the personal-message
// signature over message.
func Recover(message, signature []byte) (common.Address, error) {
	if len(signature) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(signature))
	}
	sig := append([]byte(nil), signature...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, signature[64])
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifySigner reports whether signature over message recovers to expected.
// Malformed signatures and the zero address never verify.
func VerifySigner(message, signature []byte, expected common.Address) bool {
	if expected == (common.Address{}) {
		return false
	}
	recovered, err := Recover(message, signature)
	if err != nil {
		return false
	}
	return recovered == expected
}

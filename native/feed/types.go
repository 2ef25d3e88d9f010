package feed

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// LicenseType enumerates the access policies a feed can be published under.
type LicenseType uint8

const (
	LicenseNone         LicenseType = 0
	LicenseOpen         LicenseType = 1
	LicenseSubscription LicenseType = 2
	LicensePayPerUse    LicenseType = 3
)

var (
	// ErrInvalidLicense marks license types outside the closed enumeration.
	ErrInvalidLicense = errors.New("feed: invalid license type")
	// ErrInvalidRecord marks malformed feed records.
	ErrInvalidRecord = errors.New("feed: invalid record")
)

// Valid reports whether l is one of Open, Subscription or PayPerUse.
func (l LicenseType) Valid() bool {
	return l >= LicenseOpen && l <= LicensePayPerUse
}

func (l LicenseType) String() string {
	switch l {
	case LicenseOpen:
		return "open"
	case LicenseSubscription:
		return "subscription"
	case LicensePayPerUse:
		return "payperuse"
	default:
		return "none"
	}
}

// ParseLicenseType accepts either the numeric code or the lowercase name.
func ParseLicenseType(raw string) (LicenseType, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	switch trimmed {
	case "open", "1":
		return LicenseOpen, nil
	case "subscription", "2":
		return LicenseSubscription, nil
	case "payperuse", "pay-per-use", "ppu", "3":
		return LicensePayPerUse, nil
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		return LicenseNone, fmt.Errorf("%w: %d", ErrInvalidLicense, n)
	}
	return LicenseNone, fmt.Errorf("%w: %q", ErrInvalidLicense, raw)
}

var (
	maxInt256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minInt256 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
)

// DataFeed is the canonical numeric representation of a feed update.
type DataFeed struct {
	FeedID     uint32
	SignerID   uint32
	LastUpdate uint64
	Value      *big.Int
	Decimal    uint8
	MsgHash    []byte
}

// PackedDataFeed carries an opaque ABI-encoded value through the same
// store/verify pipeline as DataFeed.
type PackedDataFeed struct {
	FeedID     uint32
	SignerID   uint32
	LastUpdate uint64
	Value      []byte
	Decimal    uint8
	MsgHash    []byte
}

// Validate ensures the record is well formed.
func (d *DataFeed) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil", ErrInvalidRecord)
	}
	if d.Value != nil && (d.Value.Cmp(maxInt256) > 0 || d.Value.Cmp(minInt256) < 0) {
		return fmt.Errorf("%w: value exceeds int256", ErrInvalidRecord)
	}
	return nil
}

// Validate ensures the packed record is well formed.
func (p *PackedDataFeed) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil", ErrInvalidRecord)
	}
	return nil
}

// IntValue returns the record value, treating nil as zero.
func (d *DataFeed) IntValue() *big.Int {
	if d == nil || d.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(d.Value)
}

// Clone returns a deep copy of the record.
func (d *DataFeed) Clone() *DataFeed {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Value = d.IntValue()
	clone.MsgHash = append([]byte(nil), d.MsgHash...)
	return &clone
}

// Clone returns a deep copy of the packed record.
func (p *PackedDataFeed) Clone() *PackedDataFeed {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Value = append([]byte(nil), p.Value...)
	clone.MsgHash = append([]byte(nil), p.MsgHash...)
	return &clone
}

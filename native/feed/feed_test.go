package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	testKeyHex = "0123456789012345678901234567890123456789012345678901234567890123"
	testSeed   = uint16(1568)
	testFeedID = uint32(123)
)

func testValue() *big.Int {
	return new(big.Int).Mul(big.NewInt(98), big.NewInt(100_000_000))
}

func TestDigestLayout(t *testing.T) {
	value := testValue()
	want := ethcrypto.Keccak256Hash(
		hexutil.MustDecode("0x0000007b"),
		common.LeftPadBytes(value.Bytes(), 32),
		common.LeftPadBytes([]byte{0x01, 0x00}, 32),
		hexutil.MustDecode("0x0620"),
	)
	if got := Digest(testFeedID, value, 256, testSeed); got != want {
		t.Fatalf("digest mismatch: got %s want %s", got.Hex(), want.Hex())
	}
}

func TestDigestNegativeValueUsesTwosComplement(t *testing.T) {
	minusOne := bytes.Repeat([]byte{0xff}, 32)
	want := ethcrypto.Keccak256Hash(
		hexutil.MustDecode("0x00000001"),
		minusOne,
		make([]byte, 32),
		hexutil.MustDecode("0x0001"),
	)
	if got := Digest(1, big.NewInt(-1), 0, 1); got != want {
		t.Fatalf("digest mismatch: got %s want %s", got.Hex(), want.Hex())
	}
}

func TestInt256RoundTripAtBounds(t *testing.T) {
	for _, v := range []*big.Int{
		big.NewInt(-1),
		big.NewInt(0),
		big.NewInt(42),
		new(big.Int).Set(maxInt256),
		new(big.Int).Set(minInt256),
	} {
		enc := Int256Bytes(v)
		if len(enc) != 32 {
			t.Fatalf("encoding %s: got %d bytes", v, len(enc))
		}
		if got := Int256FromBytes(enc); got.Cmp(v) != 0 {
			t.Fatalf("round trip: got %s want %s", got, v)
		}
	}
	if got := Int256FromBytes(Int256Bytes(minInt256)); got.Sign() >= 0 {
		t.Fatalf("minimum decoded as non-negative %s", got)
	}
}

func TestPackedDigestMatchesNumericDigestForEncodedInt(t *testing.T) {
	value := testValue()
	packed, err := EncodeInt(value)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(packed) != 32 {
		t.Fatalf("expected 32 packed bytes, got %d", len(packed))
	}
	if Digest(testFeedID, value, 1700000000, testSeed) != PackedDigest(testFeedID, packed, 1700000000, testSeed) {
		t.Fatalf("packed digest differs from numeric digest")
	}

	decoded, err := DecodeInt(packed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Cmp(value) != 0 {
		t.Fatalf("decoded %s want %s", decoded, value)
	}
}

func TestDigestChangesWithSeed(t *testing.T) {
	value := testValue()
	if Digest(testFeedID, value, 1, testSeed) == Digest(testFeedID, value, 1, testSeed+1) {
		t.Fatalf("seed does not affect the digest")
	}
}

func TestSignRecoverRoundTrip(t *testing.T) {
	key, err := ethcrypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	signer := ethcrypto.PubkeyToAddress(key.PublicKey)

	digest := Digest(testFeedID, testValue(), 1700000000, testSeed)
	sig, err := Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != SignatureLength {
		t.Fatalf("signature length %d", len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("unexpected recovery byte %d", sig[64])
	}

	recovered, err := Recover(digest.Bytes(), sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != signer {
		t.Fatalf("recovered %s want %s", recovered.Hex(), signer.Hex())
	}
	if !VerifySigner(digest.Bytes(), sig, signer) {
		t.Fatalf("signature did not verify")
	}

	// A raw (non-prefixed) signature over the same digest must not verify.
	raw, err := ethcrypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("raw sign: %v", err)
	}
	if VerifySigner(digest.Bytes(), raw, signer) {
		t.Fatalf("raw signature verified")
	}
}

func TestRecoverRejectsMalformedSignature(t *testing.T) {
	if _, err := Recover([]byte("msg"), []byte{1, 2, 3}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for short signature, got %v", err)
	}

	sig := make([]byte, SignatureLength)
	sig[64] = 40
	if _, err := Recover([]byte("msg"), sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for bad v, got %v", err)
	}
	if VerifySigner([]byte("msg"), nil, common.Address{}) {
		t.Fatalf("nil signature verified")
	}
}

func TestParseLicenseType(t *testing.T) {
	cases := map[string]LicenseType{
		"open":         LicenseOpen,
		"2":            LicenseSubscription,
		" PayPerUse ":  LicensePayPerUse,
		"pay-per-use":  LicensePayPerUse,
		"subscription": LicenseSubscription,
	}
	for in, want := range cases {
		got, err := ParseLicenseType(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("parse %q: got %v want %v", in, got, want)
		}
	}
	for _, in := range []string{"4", "gold"} {
		if _, err := ParseLicenseType(in); !errors.Is(err, ErrInvalidLicense) {
			t.Fatalf("parse %q: expected ErrInvalidLicense, got %v", in, err)
		}
	}
	if LicenseNone.Valid() {
		t.Fatalf("LicenseNone reported valid")
	}
}

func TestDataFeedJSON(t *testing.T) {
	in := DataFeed{FeedID: 7, SignerID: 1, LastUpdate: 9, Value: big.NewInt(-42), Decimal: 8, MsgHash: []byte{0xaa}}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	const want = `{"feedId":7,"signerId":1,"lastUpdate":9,"value":"-42","decimal":8,"msgHash":"0xaa"}`
	if string(raw) != want {
		t.Fatalf("json: got %s want %s", raw, want)
	}

	var out DataFeed
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Value.Cmp(in.Value) != 0 {
		t.Fatalf("value: got %s want %s", out.Value, in.Value)
	}
	if !bytes.Equal(out.MsgHash, in.MsgHash) {
		t.Fatalf("msgHash: got %x want %x", out.MsgHash, in.MsgHash)
	}
}

func TestValidate(t *testing.T) {
	if err := (&DataFeed{}).Validate(); err != nil {
		t.Fatalf("feed 0 with zero value should be valid, got %v", err)
	}
	if err := (&DataFeed{FeedID: 1, Value: big.NewInt(-5)}).Validate(); err != nil {
		t.Fatalf("negative value should be valid, got %v", err)
	}
	if err := (&DataFeed{FeedID: 1, Value: new(big.Int).Set(minInt256)}).Validate(); err != nil {
		t.Fatalf("int256 minimum should be valid, got %v", err)
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 255)
	if err := (&DataFeed{FeedID: 1, Value: huge}).Validate(); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for 2^255, got %v", err)
	}
	if err := (*DataFeed)(nil).Validate(); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for nil feed, got %v", err)
	}
	if err := (&PackedDataFeed{}).Validate(); err != nil {
		t.Fatalf("packed feed 0 should be valid, got %v", err)
	}
	if err := (*PackedDataFeed)(nil).Validate(); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for nil packed feed, got %v", err)
	}
}

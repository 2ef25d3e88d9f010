package feed

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var int256Args abi.Arguments

func init() {
	typ, err := abi.NewType("int256", "", nil)
	if err != nil {
		panic(err)
	}
	int256Args = abi.Arguments{{Name: "value", Type: typ}}
}

// EncodeInt ABI-encodes v as a single int256 word, the form a packed feed
// carries when it wraps a numeric reading.
func EncodeInt(v *big.Int) ([]byte, error) {
	if v == nil {
		v = new(big.Int)
	}
	return int256Args.Pack(v)
}

// DecodeInt reverses EncodeInt.
func DecodeInt(data []byte) (*big.Int, error) {
	values, err := int256Args.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("feed: decode int256: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("feed: decode int256: %d values", len(values))
	}
	out, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("feed: decode int256: unexpected %T", values[0])
	}
	return out, nil
}

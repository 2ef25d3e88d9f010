package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"feedoracle/core/types"
)

const (
	// TypeTransfer is emitted for native-currency payments attached to calls.
	TypeTransfer = "transfer.native"

	// NativeAsset is the ticker used for the host currency.
	NativeAsset = "WEI"
)

type Transfer struct {
	Asset  string
	From   common.Address
	To     common.Address
	Amount *big.Int
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{}
	if asset := normalizeAsset(e.Asset); asset != "" {
		attrs["asset"] = asset
	}
	attrs["from"] = withHexPrefix(e.From.Bytes())
	attrs["to"] = withHexPrefix(e.To.Bytes())
	attrs["amount"] = formatAmount(e.Amount)
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}

package events

import (
	"encoding/hex"
	"math/big"
	"strings"
)

func normalizeAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return ""
	}
	return strings.ToUpper(trimmed)
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func withHexPrefix(b []byte) string {
	return "0x" + strings.ToLower(hex.EncodeToString(b))
}

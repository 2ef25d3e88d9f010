package datanode

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"feedoracle/core/types"
	"feedoracle/native/feed"
)

const (
	EventTypeStored       = "datanode.stored"
	EventTypePackedStored = "datanode.packed_stored"
)

// NewStoredEvent returns the canonical payload for a numeric feed update.
func NewStoredEvent(node common.Address, rec *feed.DataFeed) *types.Event {
	attrs := map[string]string{"node": strings.ToLower(node.Hex())}
	if rec == nil {
		return &types.Event{Type: EventTypeStored, Attributes: attrs}
	}
	attrs["feedId"] = strconv.FormatUint(uint64(rec.FeedID), 10)
	attrs["signerId"] = strconv.FormatUint(uint64(rec.SignerID), 10)
	attrs["lastUpdate"] = strconv.FormatUint(rec.LastUpdate, 10)
	attrs["value"] = rec.IntValue().String()
	attrs["decimal"] = strconv.FormatUint(uint64(rec.Decimal), 10)
	return &types.Event{Type: EventTypeStored, Attributes: attrs}
}

// NewPackedStoredEvent returns the canonical payload for a packed feed update.
func NewPackedStoredEvent(node common.Address, rec *feed.PackedDataFeed) *types.Event {
	attrs := map[string]string{"node": strings.ToLower(node.Hex())}
	if rec == nil {
		return &types.Event{Type: EventTypePackedStored, Attributes: attrs}
	}
	attrs["feedId"] = strconv.FormatUint(uint64(rec.FeedID), 10)
	attrs["signerId"] = strconv.FormatUint(uint64(rec.SignerID), 10)
	attrs["lastUpdate"] = strconv.FormatUint(rec.LastUpdate, 10)
	attrs["value"] = "0x" + hex.EncodeToString(rec.Value)
	attrs["decimal"] = strconv.FormatUint(uint64(rec.Decimal), 10)
	return &types.Event{Type: EventTypePackedStored, Attributes: attrs}
}

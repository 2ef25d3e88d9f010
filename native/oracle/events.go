package oracle

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"feedoracle/core/types"
)

const (
	EventTypeRequestCreated    = "oracle.request.created"
	EventTypeResponseDelivered = "oracle.response.delivered"
)

func requestAttrs(oracle common.Address, req *PendingRequest) map[string]string {
	attrs := map[string]string{"oracle": strings.ToLower(oracle.Hex())}
	if req == nil {
		return attrs
	}
	attrs["requestId"] = req.ID
	attrs["feedId"] = strconv.FormatUint(uint64(req.FeedID), 10)
	attrs["consumer"] = strings.ToLower(req.Consumer.Hex())
	attrs["requestedAt"] = strconv.FormatUint(req.RequestedAt, 10)
	if req.Paid != nil {
		attrs["paid"] = req.Paid.String()
	} else {
		attrs["paid"] = "0"
	}
	return attrs
}

// NewRequestCreatedEvent is emitted once payment for an asynchronous request
// has been accepted. Responders subscribe to it.
func NewRequestCreatedEvent(oracle common.Address, req *PendingRequest) *types.Event {
	return &types.Event{Type: EventTypeRequestCreated, Attributes: requestAttrs(oracle, req)}
}

// NewResponseDeliveredEvent is emitted when a pending request is fulfilled.
func NewResponseDeliveredEvent(oracle common.Address, req *PendingRequest, value *big.Int) *types.Event {
	attrs := requestAttrs(oracle, req)
	if value != nil {
		attrs["value"] = value.String()
	}
	return &types.Event{Type: EventTypeResponseDelivered, Attributes: attrs}
}

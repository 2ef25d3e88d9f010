package oracle

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RequestStatus tracks an asynchronous pay-per-use request. Delivered requests
// are removed from state, so only None and Pending are ever persisted.
type RequestStatus uint8

const (
	RequestNone RequestStatus = iota
	RequestPending
	RequestDelivered
)

func (s RequestStatus) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestDelivered:
		return "delivered"
	default:
		return "none"
	}
}

var (
	ErrRequestPending   = errors.New("oracle: request already pending")
	ErrNoPendingRequest = errors.New("oracle: no pending request")
)

// PendingRequest records that payment for (FeedID, Consumer) was accepted and a
// response is owed.
type PendingRequest struct {
	ID          string
	FeedID      uint32
	Consumer    common.Address
	Paid        *big.Int
	RequestedAt uint64
	Status      RequestStatus
}

// Receiver is implemented by programs that accept asynchronous responses. from
// is the oracle delivering the value.
type Receiver interface {
	OnOracleResponse(ctx context.Context, from common.Address, feedID uint32, value *big.Int) error
}

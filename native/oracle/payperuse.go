package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"feedoracle/core/exec"
	nativecommon "feedoracle/native/common"
	"feedoracle/native/feed"
)

// PayPerUseOracle charges the license price on every read. Direct callers get
// the value back in the same call; programs use Request and receive the value
// later through their Receiver callback once a responder calls Response.
type PayPerUseOracle struct {
	r *reader
}

// DeployPayPerUse creates a PayPerUseOracle. license must be
// feed.LicensePayPerUse.
func DeployPayPerUse(ctx context.Context, h *exec.Host, deployer, controllerAddr common.Address, license feed.LicenseType) (*PayPerUseOracle, error) {
	return deployReader(ctx, h, deployer, controllerAddr, feed.LicensePayPerUse, license, func(r *reader) *PayPerUseOracle {
		return &PayPerUseOracle{r: r}
	})
}

// AttachPayPerUse binds to a PayPerUseOracle previously deployed at addr.
func AttachPayPerUse(ctx context.Context, h *exec.Host, addr common.Address) (*PayPerUseOracle, error) {
	if existing, ok := h.Lookup(addr); ok {
		o, ok := existing.(*PayPerUseOracle)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotOracle, addr.Hex())
		}
		return o, nil
	}
	r, err := attachReader(ctx, h, addr, feed.LicensePayPerUse)
	if err != nil {
		return nil, err
	}
	o := &PayPerUseOracle{r: r}
	h.Register(addr, o)
	return o, nil
}

// Address returns the component address.
func (o *PayPerUseOracle) Address() common.Address { return o.r.addr }

// License always reports feed.LicensePayPerUse.
func (o *PayPerUseOracle) License() feed.LicenseType { return o.r.license }

func (o *PayPerUseOracle) pendingKey(feedID uint32, consumer common.Address) []byte {
	return o.r.key("pending", strconv.FormatUint(uint64(feedID), 10), strings.ToLower(consumer.Hex()))
}

// CheckPrice returns the PayPerUse price of feedID, or zero when the feed is
// not published under a PayPerUse license.
func (o *PayPerUseOracle) CheckPrice(ctx context.Context, feedID uint32) (*big.Int, error) {
	return o.r.price(ctx, feedID)
}

// IsFeedAvailable reports whether a numeric value has been stored for feedID.
// Availability checks are free.
func (o *PayPerUseOracle) IsFeedAvailable(ctx context.Context, from common.Address, feedID uint32) (bool, error) {
	return o.r.IsFeedAvailable(ctx, from, feedID)
}

// IsPackFeedAvailable reports whether a packed value has been stored for
// feedID.
func (o *PayPerUseOracle) IsPackFeedAvailable(ctx context.Context, from common.Address, feedID uint32) (bool, error) {
	return o.r.IsPackFeedAvailable(ctx, from, feedID)
}

// GetValue returns the latest numeric value of feedID to a paying caller.
func (o *PayPerUseOracle) GetValue(ctx context.Context, call exec.Call, feedID uint32) (*big.Int, error) {
	var value *big.Int
	err := o.r.paid(ctx, call, feedID, "value", func(ctx context.Context, f *exec.Frame) error {
		rec, err := o.r.readFeed(ctx, feedID)
		if err != nil {
			return err
		}
		value = rec.IntValue()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// GetPackValue returns the latest packed value of feedID to a paying caller.
func (o *PayPerUseOracle) GetPackValue(ctx context.Context, call exec.Call, feedID uint32) ([]byte, error) {
	var value []byte
	err := o.r.paid(ctx, call, feedID, "pack_value", func(ctx context.Context, f *exec.Frame) error {
		rec, err := o.r.readPackFeed(ctx, feedID)
		if err != nil {
			return err
		}
		value = rec.Value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Verify checks the signature embedded in rec for a paying caller.
func (o *PayPerUseOracle) Verify(ctx context.Context, call exec.Call, rec *feed.DataFeed) (bool, error) {
	if rec == nil {
		return false, feed.ErrInvalidRecord
	}
	var ok bool
	err := o.r.paid(ctx, call, rec.FeedID, "verify", func(ctx context.Context, f *exec.Frame) error {
		var err error
		ok, err = o.r.verify(ctx, rec)
		return err
	})
	return ok, err
}

// VerifyPack checks the signature embedded in a packed record for a paying
// caller.
func (o *PayPerUseOracle) VerifyPack(ctx context.Context, call exec.Call, rec *feed.PackedDataFeed) (bool, error) {
	if rec == nil {
		return false, feed.ErrInvalidRecord
	}
	var ok bool
	err := o.r.paid(ctx, call, rec.FeedID, "verify_pack", func(ctx context.Context, f *exec.Frame) error {
		var err error
		ok, err = o.r.verifyPack(ctx, rec)
		return err
	})
	return ok, err
}

// Request accepts payment for feedID and records that a response is owed to
// the caller. At most one request per (feed, caller) may be pending.
func (o *PayPerUseOracle) Request(ctx context.Context, call exec.Call, feedID uint32) (*PendingRequest, error) {
	var out *PendingRequest
	err := o.r.paid(ctx, call, feedID, "request", func(ctx context.Context, f *exec.Frame) error {
		key := o.pendingKey(feedID, f.Caller())
		var existing PendingRequest
		ok, err := f.Get(key, &existing)
		if err != nil {
			return err
		}
		if ok && existing.Status == RequestPending {
			return fmt.Errorf("%w: feed %d consumer %s", ErrRequestPending, feedID, f.Caller().Hex())
		}
		if err := o.consumeQuota(f, f.Caller()); err != nil {
			return err
		}
		req := PendingRequest{
			ID:          uuid.NewString(),
			FeedID:      feedID,
			Consumer:    f.Caller(),
			Paid:        f.Value(),
			RequestedAt: uint64(f.Now()),
			Status:      RequestPending,
		}
		if err := f.Put(key, req); err != nil {
			return err
		}
		f.Emit(NewRequestCreatedEvent(o.r.addr, &req))
		out = &req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Pending returns the outstanding request of consumer for feedID.
func (o *PayPerUseOracle) Pending(ctx context.Context, feedID uint32, consumer common.Address) (*PendingRequest, bool, error) {
	var (
		req   PendingRequest
		found bool
	)
	err := o.r.host.View(ctx, exec.SelfFrom(ctx), o.r.addr, func(ctx context.Context, f *exec.Frame) error {
		ok, err := f.Get(o.pendingKey(feedID, consumer), &req)
		found = ok && req.Status == RequestPending
		return err
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &req, true, nil
}

// Response delivers value to consumer for its pending request on feedID. The
// pending record is cleared before the consumer callback runs, so a re-entrant
// Response for the same key fails. If the callback fails the whole call is
// rolled back and the request stays pending.
func (o *PayPerUseOracle) Response(ctx context.Context, from common.Address, feedID uint32, consumer common.Address, value *big.Int) error {
	if value == nil {
		value = new(big.Int)
	}
	return o.r.host.Invoke(ctx, exec.Call{From: from}, o.r.addr, func(ctx context.Context, f *exec.Frame) error {
		if err := nativecommon.Guard(o.r.controller.PauseView(ctx), o.r.module()); err != nil {
			return err
		}
		ok, err := o.isResponder(ctx, f, f.Caller())
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnauthorized
		}
		key := o.pendingKey(feedID, consumer)
		var req PendingRequest
		found, err := f.Get(key, &req)
		if err != nil {
			return err
		}
		if !found || req.Status != RequestPending {
			return fmt.Errorf("%w: feed %d consumer %s", ErrNoPendingRequest, feedID, consumer.Hex())
		}
		if err := f.Delete(key); err != nil {
			return err
		}
		req.Status = RequestDelivered
		f.Emit(NewResponseDeliveredEvent(o.r.addr, &req, value))

		component, ok := o.r.host.Lookup(consumer)
		if !ok {
			return fmt.Errorf("%w: %s", exec.ErrNotContract, consumer.Hex())
		}
		receiver, ok := component.(Receiver)
		if !ok {
			return fmt.Errorf("%w: %s has no response callback", exec.ErrNotContract, consumer.Hex())
		}
		return receiver.OnOracleResponse(ctx, o.r.addr, feedID, new(big.Int).Set(value))
	})
}

func (o *PayPerUseOracle) isResponder(ctx context.Context, f *exec.Frame, addr common.Address) (bool, error) {
	ok, err := o.r.controller.IsManager(ctx, addr)
	if err != nil || ok {
		return ok, err
	}
	var flag bool
	found, err := f.Get(o.r.key("responder", strings.ToLower(addr.Hex())), &flag)
	return found && flag, err
}

// AddResponder allows addr to deliver responses. Controller managers are
// always allowed.
func (o *PayPerUseOracle) AddResponder(ctx context.Context, from, addr common.Address) error {
	return o.r.manage(ctx, from, func(f *exec.Frame) error {
		return f.Put(o.r.key("responder", strings.ToLower(addr.Hex())), true)
	})
}

// DropResponder revokes the responder privilege of addr.
func (o *PayPerUseOracle) DropResponder(ctx context.Context, from, addr common.Address) error {
	return o.r.manage(ctx, from, func(f *exec.Frame) error {
		return f.Delete(o.r.key("responder", strings.ToLower(addr.Hex())))
	})
}

// IsResponder reports whether addr may call Response.
func (o *PayPerUseOracle) IsResponder(ctx context.Context, addr common.Address) (bool, error) {
	var out bool
	err := o.r.host.View(ctx, exec.SelfFrom(ctx), o.r.addr, func(ctx context.Context, f *exec.Frame) error {
		ok, err := o.isResponder(ctx, f, addr)
		out = ok
		return err
	})
	return out, err
}

// Withdraw moves amount of the collected payments to `to`. A nil amount
// withdraws the whole balance.
func (o *PayPerUseOracle) Withdraw(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return o.r.withdraw(ctx, from, to, amount)
}

// SetRequestQuota bounds how many asynchronous requests each consumer may open
// per epoch. A zero quota disables the limit.
func (o *PayPerUseOracle) SetRequestQuota(ctx context.Context, from common.Address, quota nativecommon.Quota) error {
	return o.r.manage(ctx, from, func(f *exec.Frame) error {
		return f.Put(o.r.key("quota"), quota)
	})
}

func (o *PayPerUseOracle) consumeQuota(f *exec.Frame, consumer common.Address) error {
	var quota nativecommon.Quota
	if _, err := f.Get(o.r.key("quota"), &quota); err != nil {
		return err
	}
	if !quota.Enabled() {
		return nil
	}
	key := o.r.key("quota_usage", strings.ToLower(consumer.Hex()))
	var usage nativecommon.QuotaNow
	if _, err := f.Get(key, &usage); err != nil {
		return err
	}
	next, err := nativecommon.CheckQuota(quota, quota.Epoch(f.Now()), usage, 1)
	if err != nil {
		return err
	}
	return f.Put(key, next)
}

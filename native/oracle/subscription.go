package oracle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"feedoracle/core/exec"
	"feedoracle/native/feed"
)

// SubscriptionOracle serves feeds carrying an active Subscription license.
// Every data-returning call must carry at least the license price. Recurring
// billing happens off-ledger; whoever bills adds and drops the license record.
type SubscriptionOracle struct {
	r *reader
}

// DeploySubscription creates a SubscriptionOracle. license must be
// feed.LicenseSubscription.
func DeploySubscription(ctx context.Context, h *exec.Host, deployer, controllerAddr common.Address, license feed.LicenseType) (*SubscriptionOracle, error) {
	return deployReader(ctx, h, deployer, controllerAddr, feed.LicenseSubscription, license, func(r *reader) *SubscriptionOracle {
		return &SubscriptionOracle{r: r}
	})
}

// AttachSubscription binds to a SubscriptionOracle previously deployed at addr.
func AttachSubscription(ctx context.Context, h *exec.Host, addr common.Address) (*SubscriptionOracle, error) {
	if existing, ok := h.Lookup(addr); ok {
		o, ok := existing.(*SubscriptionOracle)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotOracle, addr.Hex())
		}
		return o, nil
	}
	r, err := attachReader(ctx, h, addr, feed.LicenseSubscription)
	if err != nil {
		return nil, err
	}
	o := &SubscriptionOracle{r: r}
	h.Register(addr, o)
	return o, nil
}

// Address returns the component address.
func (o *SubscriptionOracle) Address() common.Address { return o.r.addr }

// License always reports feed.LicenseSubscription.
func (o *SubscriptionOracle) License() feed.LicenseType { return o.r.license }

// CheckPrice returns the Subscription price of feedID, or zero when the feed
// is not published under a Subscription license.
func (o *SubscriptionOracle) CheckPrice(ctx context.Context, feedID uint32) (*big.Int, error) {
	return o.r.price(ctx, feedID)
}

// IsFeedAvailable reports whether a numeric value has been stored for feedID.
// Availability checks are free but still require the license.
func (o *SubscriptionOracle) IsFeedAvailable(ctx context.Context, from common.Address, feedID uint32) (bool, error) {
	return o.r.IsFeedAvailable(ctx, from, feedID)
}

// IsPackFeedAvailable reports whether a packed value has been stored for
// feedID.
func (o *SubscriptionOracle) IsPackFeedAvailable(ctx context.Context, from common.Address, feedID uint32) (bool, error) {
	return o.r.IsPackFeedAvailable(ctx, from, feedID)
}

// GetValue returns the latest numeric value of feedID to a paying subscriber.
func (o *SubscriptionOracle) GetValue(ctx context.Context, call exec.Call, feedID uint32) (*big.Int, error) {
	_, value, err := o.GetFeed(ctx, call, feedID)
	return value, err
}

// GetFeed returns the last update time and numeric value of feedID.
func (o *SubscriptionOracle) GetFeed(ctx context.Context, call exec.Call, feedID uint32) (uint64, *big.Int, error) {
	var rec *feed.DataFeed
	err := o.r.paid(ctx, call, feedID, "feed", func(ctx context.Context, f *exec.Frame) error {
		var err error
		rec, err = o.r.readFeed(ctx, feedID)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return rec.LastUpdate, rec.IntValue(), nil
}

// GetPackFeed returns the last update time and packed value of feedID.
func (o *SubscriptionOracle) GetPackFeed(ctx context.Context, call exec.Call, feedID uint32) (uint64, []byte, error) {
	var rec *feed.PackedDataFeed
	err := o.r.paid(ctx, call, feedID, "pack_feed", func(ctx context.Context, f *exec.Frame) error {
		var err error
		rec, err = o.r.readPackFeed(ctx, feedID)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return rec.LastUpdate, rec.Value, nil
}

// Verify checks the signature embedded in rec for a paying subscriber.
func (o *SubscriptionOracle) Verify(ctx context.Context, call exec.Call, rec *feed.DataFeed) (bool, error) {
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

// VerifyPack is Verify for packed records.
func (o *SubscriptionOracle) VerifyPack(ctx context.Context, call exec.Call, rec *feed.PackedDataFeed) (bool, error) {
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

// Withdraw moves amount of the collected payments to `to`. A nil amount
// withdraws the whole balance.
func (o *SubscriptionOracle) Withdraw(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return o.r.withdraw(ctx, from, to, amount)
}

package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"feedoracle/core/exec"
	nativecommon "feedoracle/native/common"
	"feedoracle/native/controller"
	"feedoracle/native/datanode"
	"feedoracle/native/feed"
	"feedoracle/observability"
)

var (
	ErrFeedNotAssigned     = errors.New("oracle: feed has no data node")
	ErrNoLicense           = errors.New("oracle: feed not licensed for this oracle")
	ErrInsufficientPayment = errors.New("oracle: insufficient payment")
	ErrUnauthorized        = errors.New("oracle: unauthorized")
	ErrNotOracle           = errors.New("oracle: address is not an oracle of this kind")
	ErrControllerMissing   = errors.New("oracle: controller not deployed")
)

func init() {
	observability.RegisterOutcome(func(err error) (string, bool) {
		switch {
		case errors.Is(err, nativecommon.ErrModulePaused):
			return "paused", true
		case errors.Is(err, ErrInsufficientPayment):
			return "underpaid", true
		case errors.Is(err, ErrNoLicense):
			return "unlicensed", true
		case errors.Is(err, ErrFeedNotAssigned):
			return "unassigned", true
		case errors.Is(err, datanode.ErrUnauthorized):
			return "unauthorized", true
		}
		return "", false
	})
}

type meta struct {
	Controller common.Address
	License    uint8
}

// reader implements the read surface shared by every oracle variant. The
// variants differ only in how a read is gated.
type reader struct {
	host       *exec.Host
	addr       common.Address
	controller *controller.Controller
	license    feed.LicenseType
}

func deployReader[T any](ctx context.Context, h *exec.Host, deployer, controllerAddr common.Address, want, license feed.LicenseType, build func(*reader) T) (T, error) {
	var zero T
	if license != want {
		return zero, fmt.Errorf("%w: %s oracle cannot serve license %d", feed.ErrInvalidLicense, want, license)
	}
	ctrl, err := resolveController(h, controllerAddr)
	if err != nil {
		return zero, err
	}
	return exec.Deploy(ctx, h, deployer, func(ctx context.Context, f *exec.Frame) (T, error) {
		r := &reader{host: h, addr: f.Self(), controller: ctrl, license: license}
		if err := f.Put(r.key("meta"), meta{Controller: controllerAddr, License: uint8(license)}); err != nil {
			return zero, err
		}
		return build(r), nil
	})
}

func attachReader(ctx context.Context, h *exec.Host, addr common.Address, want feed.LicenseType) (*reader, error) {
	r := &reader{host: h, addr: addr}
	var m meta
	err := h.View(ctx, common.Address{}, addr, func(ctx context.Context, f *exec.Frame) error {
		ok, err := f.Get(r.key("meta"), &m)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotOracle, addr.Hex())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if feed.LicenseType(m.License) != want {
		return nil, fmt.Errorf("%w: %s serves %s", ErrNotOracle, addr.Hex(), feed.LicenseType(m.License))
	}
	ctrl, err := resolveController(h, m.Controller)
	if err != nil {
		return nil, err
	}
	r.controller = ctrl
	r.license = want
	return r, nil
}

func resolveController(h *exec.Host, addr common.Address) (*controller.Controller, error) {
	component, ok := h.Lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrControllerMissing, addr.Hex())
	}
	ctrl, ok := component.(*controller.Controller)
	if !ok {
		return nil, fmt.Errorf("%w: %s", controller.ErrNotController, addr.Hex())
	}
	return ctrl, nil
}

// Address returns the component address.
func (r *reader) Address() common.Address { return r.addr }

// License returns the license type the oracle enforces.
func (r *reader) License() feed.LicenseType { return r.license }

// Controller returns the registry the oracle consults.
func (r *reader) Controller() *controller.Controller { return r.controller }

func (r *reader) key(table string, parts ...string) []byte {
	var b strings.Builder
	b.WriteString(table)
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(p)
	}
	return []byte(b.String())
}

func (r *reader) module() string {
	switch r.license {
	case feed.LicenseSubscription:
		return nativecommon.ModuleSubscriptionOracle
	case feed.LicensePayPerUse:
		return nativecommon.ModulePayPerUseOracle
	default:
		return nativecommon.ModuleOpenOracle
	}
}

// gate checks the pause flag and, for licensed variants, that the feed is
// published under this oracle's license. It returns the license price.
func (r *reader) gate(ctx context.Context, feedID uint32) (*big.Int, error) {
	if err := nativecommon.Guard(r.controller.PauseView(ctx), r.module()); err != nil {
		return nil, err
	}
	if r.license == feed.LicenseOpen {
		return new(big.Int), nil
	}
	ok, price, err := r.controller.VerifyLicense(ctx, feedID, r.license)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: feed %d", ErrNoLicense, feedID)
	}
	return price, nil
}

func (r *reader) node(ctx context.Context, feedID uint32) (*datanode.DataNode, error) {
	addr, err := r.controller.GetDataNodeFeed(ctx, feedID)
	if err != nil {
		return nil, err
	}
	if addr == (common.Address{}) {
		return nil, fmt.Errorf("%w: %d", ErrFeedNotAssigned, feedID)
	}
	component, ok := r.host.Lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", exec.ErrNotContract, addr.Hex())
	}
	node, ok := component.(*datanode.DataNode)
	if !ok {
		return nil, fmt.Errorf("%w: %s", datanode.ErrNotDataNode, addr.Hex())
	}
	return node, nil
}

func (r *reader) readFeed(ctx context.Context, feedID uint32) (*feed.DataFeed, error) {
	node, err := r.node(ctx, feedID)
	if err != nil {
		return nil, err
	}
	return node.ReadFeed(ctx, r.addr, feedID)
}

func (r *reader) readPackFeed(ctx context.Context, feedID uint32) (*feed.PackedDataFeed, error) {
	node, err := r.node(ctx, feedID)
	if err != nil {
		return nil, err
	}
	return node.ReadPackFeed(ctx, r.addr, feedID)
}

func (r *reader) verify(ctx context.Context, rec *feed.DataFeed) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	digest := rec.Digest(r.controller.Seed())
	ok, err := r.controller.VerifyHash(ctx, rec.FeedID, digest.Bytes(), rec.MsgHash)
	if err == nil {
		observability.Oracle().RecordVerification(r.license.String(), "int", ok)
	}
	return ok, err
}

func (r *reader) verifyPack(ctx context.Context, rec *feed.PackedDataFeed) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	digest := rec.Digest(r.controller.Seed())
	ok, err := r.controller.VerifyHash(ctx, rec.FeedID, digest.Bytes(), rec.MsgHash)
	if err == nil {
		observability.Oracle().RecordVerification(r.license.String(), "pack", ok)
	}
	return ok, err
}

// view runs fn as a read-only call on the oracle after gating feedID.
func (r *reader) view(ctx context.Context, from common.Address, feedID uint32, op string, fn func(context.Context) error) error {
	err := r.host.View(ctx, from, r.addr, func(ctx context.Context, f *exec.Frame) error {
		if _, err := r.gate(ctx, feedID); err != nil {
			return err
		}
		return fn(ctx)
	})
	observability.Oracle().RecordRead(r.license.String(), op, err)
	return err
}

// paid runs fn as a payable call on the oracle. The attached value must cover
// the license price; otherwise the call fails and the payment is rolled back
// together with everything else. Successful reads are counted once the
// enclosing transaction commits.
func (r *reader) paid(ctx context.Context, call exec.Call, feedID uint32, op string, fn func(context.Context, *exec.Frame) error) error {
	err := r.host.Invoke(ctx, call, r.addr, func(ctx context.Context, f *exec.Frame) error {
		price, err := r.gate(ctx, feedID)
		if err != nil {
			return err
		}
		if f.Value().Cmp(price) < 0 {
			return fmt.Errorf("%w: paid %s, price %s", ErrInsufficientPayment, f.Value(), price)
		}
		if err := fn(ctx, f); err != nil {
			return err
		}
		amount := f.Value()
		f.OnCommit(func() {
			observability.Oracle().RecordRead(r.license.String(), op, nil)
			observability.Oracle().RecordPayment(r.license.String(), amount)
		})
		return nil
	})
	if err != nil {
		observability.Oracle().RecordRead(r.license.String(), op, err)
	}
	return err
}

// price returns the price of feedID under the oracle's license, or zero when
// the feed is not published under it.
func (r *reader) price(ctx context.Context, feedID uint32) (*big.Int, error) {
	_, price, err := r.controller.VerifyLicense(ctx, feedID, r.license)
	if err != nil {
		return nil, err
	}
	return price, nil
}

func (r *reader) manage(ctx context.Context, from common.Address, fn func(*exec.Frame) error) error {
	return r.host.Invoke(ctx, exec.Call{From: from}, r.addr, func(ctx context.Context, f *exec.Frame) error {
		ok, err := r.controller.IsManager(ctx, f.Caller())
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnauthorized
		}
		return fn(f)
	})
}

// withdraw moves amount of the collected payments to `to`. A nil amount
// withdraws the whole balance.
func (r *reader) withdraw(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return r.manage(ctx, from, func(f *exec.Frame) error {
		if amount == nil {
			bal, err := f.Balance(r.addr)
			if err != nil {
				return err
			}
			amount = bal
		}
		return f.Transfer(to, amount)
	})
}

// IsFeedAvailable reports whether a numeric value has ever been stored for
// feedID. Unrouted feeds are unavailable.
func (r *reader) IsFeedAvailable(ctx context.Context, from common.Address, feedID uint32) (bool, error) {
	var available bool
	err := r.view(ctx, from, feedID, "available", func(ctx context.Context) error {
		rec, err := r.readFeed(ctx, feedID)
		if errors.Is(err, ErrFeedNotAssigned) {
			return nil
		}
		if err != nil {
			return err
		}
		available = rec.LastUpdate != 0
		return nil
	})
	return available, err
}

// IsPackFeedAvailable reports whether a packed value has ever been stored for
// feedID.
func (r *reader) IsPackFeedAvailable(ctx context.Context, from common.Address, feedID uint32) (bool, error) {
	var available bool
	err := r.view(ctx, from, feedID, "pack_available", func(ctx context.Context) error {
		rec, err := r.readPackFeed(ctx, feedID)
		if errors.Is(err, ErrFeedNotAssigned) {
			return nil
		}
		if err != nil {
			return err
		}
		available = rec.LastUpdate != 0
		return nil
	})
	return available, err
}

// GetValue returns the latest numeric value of feedID.
func (r *reader) GetValue(ctx context.Context, from common.Address, feedID uint32) (*big.Int, error) {
	var value *big.Int
	err := r.view(ctx, from, feedID, "value", func(ctx context.Context) error {
		rec, err := r.readFeed(ctx, feedID)
		if err != nil {
			return err
		}
		value = rec.IntValue()
		return nil
	})
	return value, err
}

// GetFeed returns the last update time and numeric value of feedID.
func (r *reader) GetFeed(ctx context.Context, from common.Address, feedID uint32) (uint64, *big.Int, error) {
	var rec *feed.DataFeed
	err := r.view(ctx, from, feedID, "feed", func(ctx context.Context) error {
		var err error
		rec, err = r.readFeed(ctx, feedID)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return rec.LastUpdate, rec.IntValue(), nil
}

// GetPackFeed returns the last update time and packed value of feedID.
func (r *reader) GetPackFeed(ctx context.Context, from common.Address, feedID uint32) (uint64, []byte, error) {
	var rec *feed.PackedDataFeed
	err := r.view(ctx, from, feedID, "pack_feed", func(ctx context.Context) error {
		var err error
		rec, err = r.readPackFeed(ctx, feedID)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return rec.LastUpdate, rec.Value, nil
}

// Verify reports whether rec.MsgHash is a signature over rec by the signer
// granted for its feed.
func (r *reader) Verify(ctx context.Context, from common.Address, rec *feed.DataFeed) (bool, error) {
	if rec == nil {
		return false, feed.ErrInvalidRecord
	}
	var ok bool
	err := r.view(ctx, from, rec.FeedID, "verify", func(ctx context.Context) error {
		var err error
		ok, err = r.verify(ctx, rec)
		return err
	})
	return ok, err
}

// VerifyPack is Verify for packed records.
func (r *reader) VerifyPack(ctx context.Context, from common.Address, rec *feed.PackedDataFeed) (bool, error) {
	if rec == nil {
		return false, feed.ErrInvalidRecord
	}
	var ok bool
	err := r.view(ctx, from, rec.FeedID, "verify_pack", func(ctx context.Context) error {
		var err error
		ok, err = r.verifyPack(ctx, rec)
		return err
	})
	return ok, err
}

package controller

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"feedoracle/core/exec"
	"feedoracle/native/feed"
)

type licenseRecord struct {
	Price *big.Int
}

type oracleRecord struct {
	License uint8
}

func (c *Controller) licenseKey(feedID uint32, license feed.LicenseType) []byte {
	return c.key("license", formatID(feedID), formatID(uint32(license)))
}

// AddLicense publishes feedID under license at price. An existing license of
// the same type is replaced.
func (c *Controller) AddLicense(ctx context.Context, from common.Address, feedID uint32, license feed.LicenseType, price *big.Int) error {
	if !license.Valid() {
		return fmt.Errorf("%w: %d", feed.ErrInvalidLicense, license)
	}
	if price == nil {
		price = new(big.Int)
	}
	if price.Sign() < 0 {
		return ErrInvalidPrice
	}
	return c.mutate(ctx, from, func(f *exec.Frame) error {
		if err := f.Put(c.licenseKey(feedID, license), licenseRecord{Price: new(big.Int).Set(price)}); err != nil {
			return err
		}
		f.Emit(NewLicenseEvent(EventTypeLicenseAdded, c.addr, feedID, license, price))
		return nil
	})
}

// DropLicense removes the license of the given type from feedID.
func (c *Controller) DropLicense(ctx context.Context, from common.Address, feedID uint32, license feed.LicenseType) error {
	return c.mutate(ctx, from, func(f *exec.Frame) error {
		key := c.licenseKey(feedID, license)
		var rec licenseRecord
		ok, err := f.Get(key, &rec)
		if err != nil || !ok {
			return err
		}
		if err := f.Delete(key); err != nil {
			return err
		}
		f.Emit(NewLicenseEvent(EventTypeLicenseDropped, c.addr, feedID, license, rec.Price))
		return nil
	})
}

// VerifyLicense reports whether feedID is published under license and at
// which price. A missing license yields (false, 0).
func (c *Controller) VerifyLicense(ctx context.Context, feedID uint32, license feed.LicenseType) (bool, *big.Int, error) {
	var (
		found bool
		price = new(big.Int)
	)
	err := c.view(ctx, func(f *exec.Frame) error {
		var rec licenseRecord
		ok, err := f.Get(c.licenseKey(feedID, license), &rec)
		if err != nil || !ok {
			return err
		}
		found = true
		if rec.Price != nil {
			price.Set(rec.Price)
		}
		return nil
	})
	if err != nil {
		return false, new(big.Int), err
	}
	return found, price, nil
}

// AddOracle registers addr as an oracle allowed to read from data nodes.
func (c *Controller) AddOracle(ctx context.Context, from, addr common.Address) error {
	if addr == (common.Address{}) {
		return ErrInvalidAddress
	}
	license := feed.LicenseNone
	if existing, ok := c.host.Lookup(addr); ok {
		if o, ok := existing.(interface{ License() feed.LicenseType }); ok {
			license = o.License()
		}
	}
	return c.mutate(ctx, from, func(f *exec.Frame) error {
		if err := f.Put(c.key("oracle", addrKey(addr)), oracleRecord{License: uint8(license)}); err != nil {
			return err
		}
		f.Emit(NewOracleEvent(EventTypeOracleAdded, c.addr, addr, license))
		return nil
	})
}

// DropOracle revokes the data-node read access of addr.
func (c *Controller) DropOracle(ctx context.Context, from, addr common.Address) error {
	return c.mutate(ctx, from, func(f *exec.Frame) error {
		key := c.key("oracle", addrKey(addr))
		var rec oracleRecord
		ok, err := f.Get(key, &rec)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrOracleNotFound, addr.Hex())
		}
		if err := f.Delete(key); err != nil {
			return err
		}
		f.Emit(NewOracleEvent(EventTypeOracleDropped, c.addr, addr, feed.LicenseType(rec.License)))
		return nil
	})
}

// IsOracle reports whether addr is a registered oracle.
func (c *Controller) IsOracle(ctx context.Context, addr common.Address) (bool, error) {
	var out bool
	err := c.view(ctx, func(f *exec.Frame) error {
		var rec oracleRecord
		ok, err := f.Get(c.key("oracle", addrKey(addr)), &rec)
		out = ok
		return err
	})
	return out, err
}

func normalizeModule(module string) string {
	return strings.ToLower(strings.TrimSpace(module))
}

// SetPaused toggles the pause flag of module.
func (c *Controller) SetPaused(ctx context.Context, from common.Address, module string, paused bool) error {
	module = normalizeModule(module)
	if module == "" {
		return ErrInvalidModule
	}
	return c.mutate(ctx, from, func(f *exec.Frame) error {
		key := c.key("paused", module)
		if paused {
			if err := f.Put(key, true); err != nil {
				return err
			}
		} else if err := f.Delete(key); err != nil {
			return err
		}
		f.Emit(NewPauseEvent(c.addr, module, paused))
		return nil
	})
}

// Paused reports whether module is paused.
func (c *Controller) Paused(ctx context.Context, module string) (bool, error) {
	var out bool
	err := c.view(ctx, func(f *exec.Frame) error {
		var flag bool
		ok, err := f.Get(c.key("paused", normalizeModule(module)), &flag)
		out = ok && flag
		return err
	})
	return out, err
}

// PauseView adapts the controller to the pause guard for the duration of one
// call chain.
func (c *Controller) PauseView(ctx context.Context) PauseView {
	return PauseView{ctx: ctx, c: c}
}

// PauseView answers pause queries against the controller within ctx. Lookup
// errors are treated as paused.
type PauseView struct {
	ctx context.Context
	c   *Controller
}

func (p PauseView) IsPaused(module string) bool {
	paused, err := p.c.Paused(p.ctx, module)
	if err != nil {
		return true
	}
	return paused
}

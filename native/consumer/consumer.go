package consumer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"feedoracle/core/exec"
	"feedoracle/core/types"
	"feedoracle/native/feed"
	"feedoracle/native/oracle"
)

const EventTypeUpdated = "consumer.updated"

var (
	ErrUnauthorized  = errors.New("consumer: callback from unexpected oracle")
	ErrOracleMissing = errors.New("consumer: pay-per-use oracle not deployed")
	ErrNotConsumer   = errors.New("consumer: address is not a consumer")
)

// Consumer is a program bound to one PayPerUseOracle. It pays for reads,
// caches the last value it obtained and receives asynchronous responses.
type Consumer struct {
	host   *exec.Host
	addr   common.Address
	oracle *oracle.PayPerUseOracle
}

type meta struct {
	Oracle common.Address
}

// Deploy creates a Consumer bound to the PayPerUseOracle at oracleAddr.
func Deploy(ctx context.Context, h *exec.Host, deployer, oracleAddr common.Address) (*Consumer, error) {
	o, err := resolveOracle(h, oracleAddr)
	if err != nil {
		return nil, err
	}
	return exec.Deploy(ctx, h, deployer, func(ctx context.Context, f *exec.Frame) (*Consumer, error) {
		c := &Consumer{host: h, addr: f.Self(), oracle: o}
		if err := f.Put(c.key("meta"), meta{Oracle: oracleAddr}); err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Attach binds to a Consumer previously deployed at addr.
func Attach(ctx context.Context, h *exec.Host, addr common.Address) (*Consumer, error) {
	if existing, ok := h.Lookup(addr); ok {
		c, ok := existing.(*Consumer)
		if !ok {
			return nil, ErrNotConsumer
		}
		return c, nil
	}
	c := &Consumer{host: h, addr: addr}
	var m meta
	err := h.View(ctx, common.Address{}, addr, func(ctx context.Context, f *exec.Frame) error {
		ok, err := f.Get(c.key("meta"), &m)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotConsumer, addr.Hex())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.oracle, err = resolveOracle(h, m.Oracle); err != nil {
		return nil, err
	}
	h.Register(addr, c)
	return c, nil
}

func resolveOracle(h *exec.Host, addr common.Address) (*oracle.PayPerUseOracle, error) {
	component, ok := h.Lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOracleMissing, addr.Hex())
	}
	o, ok := component.(*oracle.PayPerUseOracle)
	if !ok {
		return nil, fmt.Errorf("%w: %s", oracle.ErrNotOracle, addr.Hex())
	}
	return o, nil
}

// Address returns the component address.
func (c *Consumer) Address() common.Address { return c.addr }

// Oracle returns the address of the bound oracle.
func (c *Consumer) Oracle() common.Address { return c.oracle.Address() }

func (c *Consumer) key(name string) []byte {
	return []byte(name)
}

// forward is the call the consumer makes on the oracle: from itself, passing
// on the payment it was given.
func forward(f *exec.Frame) exec.Call {
	return exec.Call{From: f.Self(), Value: f.Value()}
}

func (c *Consumer) setValue(f *exec.Frame, feedID uint32, value *big.Int) error {
	if err := f.Put(c.key("value"), feed.Int256Bytes(value)); err != nil {
		return err
	}
	f.Emit(newUpdatedEvent(c.addr, feedID, "value", value.String()))
	return nil
}

func (c *Consumer) setPack(f *exec.Frame, feedID uint32, value []byte) error {
	if err := f.Put(c.key("pack"), value); err != nil {
		return err
	}
	f.Emit(newUpdatedEvent(c.addr, feedID, "pack", fmt.Sprintf("0x%x", value)))
	return nil
}

// Get pays for and caches the numeric value of feedID.
func (c *Consumer) Get(ctx context.Context, call exec.Call, feedID uint32) error {
	return c.host.Invoke(ctx, call, c.addr, func(ctx context.Context, f *exec.Frame) error {
		value, err := c.oracle.GetValue(ctx, forward(f), feedID)
		if err != nil {
			return err
		}
		return c.setValue(f, feedID, value)
	})
}

// GetPack pays for and caches the packed value of feedID.
func (c *Consumer) GetPack(ctx context.Context, call exec.Call, feedID uint32) error {
	return c.host.Invoke(ctx, call, c.addr, func(ctx context.Context, f *exec.Frame) error {
		value, err := c.oracle.GetPackValue(ctx, forward(f), feedID)
		if err != nil {
			return err
		}
		return c.setPack(f, feedID, value)
	})
}

// Verify pays for a signature check of rec and caches its value when the
// record is authentic.
func (c *Consumer) Verify(ctx context.Context, call exec.Call, rec *feed.DataFeed) (bool, error) {
	if rec == nil {
		return false, feed.ErrInvalidRecord
	}
	var ok bool
	err := c.host.Invoke(ctx, call, c.addr, func(ctx context.Context, f *exec.Frame) error {
		var err error
		if ok, err = c.oracle.Verify(ctx, forward(f), rec); err != nil || !ok {
			return err
		}
		return c.setValue(f, rec.FeedID, rec.IntValue())
	})
	return ok, err
}

// VerifyPack is Verify for packed records.
func (c *Consumer) VerifyPack(ctx context.Context, call exec.Call, rec *feed.PackedDataFeed) (bool, error) {
	if rec == nil {
		return false, feed.ErrInvalidRecord
	}
	var ok bool
	err := c.host.Invoke(ctx, call, c.addr, func(ctx context.Context, f *exec.Frame) error {
		var err error
		if ok, err = c.oracle.VerifyPack(ctx, forward(f), rec); err != nil || !ok {
			return err
		}
		return c.setPack(f, rec.FeedID, rec.Value)
	})
	return ok, err
}

// Request pays for an asynchronous delivery of feedID. The value arrives later
// through OnOracleResponse.
func (c *Consumer) Request(ctx context.Context, call exec.Call, feedID uint32) (*oracle.PendingRequest, error) {
	var req *oracle.PendingRequest
	err := c.host.Invoke(ctx, call, c.addr, func(ctx context.Context, f *exec.Frame) error {
		var err error
		req, err = c.oracle.Request(ctx, forward(f), feedID)
		return err
	})
	return req, err
}

// OnOracleResponse accepts a delivered value. Only the bound oracle may call
// it.
func (c *Consumer) OnOracleResponse(ctx context.Context, from common.Address, feedID uint32, value *big.Int) error {
	return c.host.Invoke(ctx, exec.Call{From: from}, c.addr, func(ctx context.Context, f *exec.Frame) error {
		if f.Caller() != c.oracle.Address() {
			return fmt.Errorf("%w: %s", ErrUnauthorized, f.Caller().Hex())
		}
		return c.setValue(f, feedID, value)
	})
}

// Reset clears the cached numeric and packed values.
func (c *Consumer) Reset(ctx context.Context, from common.Address) error {
	return c.host.Invoke(ctx, exec.Call{From: from}, c.addr, func(ctx context.Context, f *exec.Frame) error {
		if err := f.Delete(c.key("value")); err != nil {
			return err
		}
		if err := f.Delete(c.key("pack")); err != nil {
			return err
		}
		f.Emit(newUpdatedEvent(c.addr, 0, "reset", ""))
		return nil
	})
}

// Value returns the cached numeric value, zero when unset.
func (c *Consumer) Value(ctx context.Context) (*big.Int, error) {
	var raw []byte
	err := c.host.View(ctx, exec.SelfFrom(ctx), c.addr, func(ctx context.Context, f *exec.Frame) error {
		_, err := f.Get(c.key("value"), &raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return new(big.Int), nil
	}
	return feed.Int256FromBytes(raw), nil
}

// ValuePack returns the cached packed value, empty when unset.
func (c *Consumer) ValuePack(ctx context.Context) ([]byte, error) {
	var raw []byte
	err := c.host.View(ctx, exec.SelfFrom(ctx), c.addr, func(ctx context.Context, f *exec.Frame) error {
		_, err := f.Get(c.key("pack"), &raw)
		return err
	})
	return raw, err
}

func newUpdatedEvent(consumer common.Address, feedID uint32, field, value string) *types.Event {
	attrs := map[string]string{
		"consumer": strings.ToLower(consumer.Hex()),
		"field":    field,
	}
	if feedID != 0 {
		attrs["feedId"] = strconv.FormatUint(uint64(feedID), 10)
	}
	if value != "" {
		attrs["value"] = value
	}
	return &types.Event{Type: EventTypeUpdated, Attributes: attrs}
}

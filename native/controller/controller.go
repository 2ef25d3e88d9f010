package controller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"feedoracle/core/exec"
)

// InitialSignerID is the signer id the constructor-supplied signer address is
// registered under.
const InitialSignerID uint32 = 0

var (
	ErrUnauthorized   = errors.New("controller: unauthorized")
	ErrNodeExists     = errors.New("controller: node already registered")
	ErrNodeNotFound   = errors.New("controller: node not found")
	ErrSignerExists   = errors.New("controller: signer already registered")
	ErrSignerNotFound = errors.New("controller: signer not found")
	ErrOracleNotFound = errors.New("controller: oracle not registered")
	ErrInvalidAddress = errors.New("controller: zero address")
	ErrInvalidPrice   = errors.New("controller: invalid price")
	ErrInvalidModule  = errors.New("controller: module name required")
	ErrNotController  = errors.New("controller: address is not a controller")
)

// Controller is the central registry of roles, feed routing, trusted signers
// and licenses. All mutations run as calls on the host so they are ordered and
// atomic with every other component call.
type Controller struct {
	host  *exec.Host
	addr  common.Address
	owner common.Address
	seed  uint16
}

type meta struct {
	Owner common.Address
	Seed  uint16
}

// Deploy creates a Controller owned by owner. The initial signer is registered
// under InitialSignerID.
func Deploy(ctx context.Context, h *exec.Host, deployer, owner common.Address, seed uint16, initialSigner common.Address) (*Controller, error) {
	if owner == (common.Address{}) || initialSigner == (common.Address{}) {
		return nil, ErrInvalidAddress
	}
	return exec.Deploy(ctx, h, deployer, func(ctx context.Context, f *exec.Frame) (*Controller, error) {
		c := &Controller{host: h, addr: f.Self(), owner: owner, seed: seed}
		if err := f.Put(c.key("meta"), meta{Owner: owner, Seed: seed}); err != nil {
			return nil, err
		}
		if err := f.Put(c.key("signer", formatID(InitialSignerID)), initialSigner); err != nil {
			return nil, err
		}
		f.Emit(NewSignerEvent(EventTypeSignerAdded, c.addr, InitialSignerID, initialSigner))
		return c, nil
	})
}

// Attach binds to a Controller previously deployed at addr, for example after
// reopening a persistent database.
func Attach(ctx context.Context, h *exec.Host, addr common.Address) (*Controller, error) {
	if existing, ok := h.Lookup(addr); ok {
		c, ok := existing.(*Controller)
		if !ok {
			return nil, ErrNotController
		}
		return c, nil
	}
	c := &Controller{host: h, addr: addr}
	err := h.View(ctx, common.Address{}, addr, func(ctx context.Context, f *exec.Frame) error {
		var m meta
		ok, err := f.Get(c.key("meta"), &m)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotController, addr.Hex())
		}
		c.owner = m.Owner
		c.seed = m.Seed
		return nil
	})
	if err != nil {
		return nil, err
	}
	h.Register(addr, c)
	return c, nil
}

// Address returns the component address.
func (c *Controller) Address() common.Address { return c.addr }

// Owner returns the immutable owner set at construction.
func (c *Controller) Owner() common.Address { return c.owner }

// Seed returns the replay-protection seed mixed into every message digest.
func (c *Controller) Seed() uint16 { return c.seed }

func (c *Controller) key(table string, parts ...string) []byte {
	var b strings.Builder
	b.WriteString(table)
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(p)
	}
	return []byte(b.String())
}

func formatID(id uint32) string { return strconv.FormatUint(uint64(id), 10) }

func addrKey(addr common.Address) string { return strings.ToLower(addr.Hex()) }

// mutate runs fn as a state-changing call from `from` after checking that the
// caller is the owner or a manager.
func (c *Controller) mutate(ctx context.Context, from common.Address, fn func(*exec.Frame) error) error {
	return c.host.Invoke(ctx, exec.Call{From: from}, c.addr, func(ctx context.Context, f *exec.Frame) error {
		ok, err := c.isManager(f, f.Caller())
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnauthorized
		}
		return fn(f)
	})
}

func (c *Controller) view(ctx context.Context, fn func(*exec.Frame) error) error {
	return c.host.View(ctx, exec.SelfFrom(ctx), c.addr, func(ctx context.Context, f *exec.Frame) error {
		return fn(f)
	})
}

// isManager treats the owner as an implicit manager.
func (c *Controller) isManager(f *exec.Frame, addr common.Address) (bool, error) {
	if addr == c.owner {
		return true, nil
	}
	var flag bool
	ok, err := f.Get(c.key("manager", addrKey(addr)), &flag)
	if err != nil {
		return false, err
	}
	return ok && flag, nil
}

// AddManager grants manager rights to addr. Re-adding an existing manager is a
// no-op.
func (c *Controller) AddManager(ctx context.Context, from, addr common.Address) error {
	if addr == (common.Address{}) {
		return ErrInvalidAddress
	}
	return c.mutate(ctx, from, func(f *exec.Frame) error {
		if err := f.Put(c.key("manager", addrKey(addr)), true); err != nil {
			return err
		}
		f.Emit(NewManagerEvent(EventTypeManagerAdded, c.addr, addr))
		return nil
	})
}

// DropManager revokes manager rights from addr. The owner cannot be dropped.
func (c *Controller) DropManager(ctx context.Context, from, addr common.Address) error {
	return c.mutate(ctx, from, func(f *exec.Frame) error {
		if addr == c.owner {
			return fmt.Errorf("%w: owner cannot be dropped", ErrUnauthorized)
		}
		if err := f.Delete(c.key("manager", addrKey(addr))); err != nil {
			return err
		}
		f.Emit(NewManagerEvent(EventTypeManagerDropped, c.addr, addr))
		return nil
	})
}

// IsManager reports whether addr is the owner or a manager.
func (c *Controller) IsManager(ctx context.Context, addr common.Address) (bool, error) {
	var out bool
	err := c.view(ctx, func(f *exec.Frame) error {
		ok, err := c.isManager(f, addr)
		out = ok
		return err
	})
	return out, err
}

// IsWriter reports whether addr may store feed values on a DataNode bound to
// this controller.
func (c *Controller) IsWriter(ctx context.Context, addr common.Address) (bool, error) {
	return c.IsManager(ctx, addr)
}

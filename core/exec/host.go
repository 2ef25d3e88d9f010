package exec

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"feedoracle/core/events"
	"feedoracle/core/state"
	"feedoracle/storage"
)

// MaxCallDepth bounds nested component calls within one transaction.
const MaxCallDepth = 64

var (
	// ErrNotContract is returned when a call targets an address that has no
	// deployed component behind it.
	ErrNotContract = errors.New("exec: call to a non-contract account")
	// ErrReadOnly marks state writes or payments attempted inside a view call.
	ErrReadOnly = errors.New("exec: state modification in read-only call")
	// ErrCallDepth marks call chains deeper than MaxCallDepth.
	ErrCallDepth = errors.New("exec: max call depth exceeded")
	// ErrNegativeValue rejects negative payments.
	ErrNegativeValue = errors.New("exec: negative call value")
)

// Call describes the caller side of an invocation: who is calling and how much
// native currency is attached.
type Call struct {
	From  common.Address
	Value *big.Int
}

// Host is the execution substrate shared by every registry component. Every
// top-level call runs to completion under a single lock inside one state
// transaction: it either commits entirely or leaves no trace. Calls made from
// one component to another reuse the caller's transaction through the frame
// carried in the context, so components must always forward the ctx they were
// handed.
type Host struct {
	mu      sync.Mutex
	state   *state.Manager
	emitter events.Emitter
	nowFn   func() int64

	cmu       sync.RWMutex
	contracts map[common.Address]any
}

// NewHost constructs a host over the provided database.
func NewHost(db storage.Database) *Host {
	return &Host{
		state:     state.NewManager(db),
		emitter:   events.NoopEmitter{},
		nowFn:     func() int64 { return time.Now().Unix() },
		contracts: make(map[common.Address]any),
	}
}

// SetEmitter configures where committed events are published. Passing nil
// resets the emitter to a no-op implementation.
func (h *Host) SetEmitter(emitter events.Emitter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if emitter == nil {
		h.emitter = events.NoopEmitter{}
		return
	}
	h.emitter = emitter
}

// SetNowFunc overrides the clock exposed to components through Frame.Now.
func (h *Host) SetNowFunc(now func() int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if now == nil {
		h.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	h.nowFn = now
}

// Lookup resolves a deployed component by address.
func (h *Host) Lookup(addr common.Address) (any, bool) {
	h.cmu.RLock()
	defer h.cmu.RUnlock()
	c, ok := h.contracts[addr]
	return c, ok
}

// Register binds an already-deployed component (for example one re-attached
// after a restart) to its address.
func (h *Host) Register(addr common.Address, component any) {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	h.contracts[addr] = component
}

// Invoke runs fn as a call from call.From to the component at to. Attached
// value is moved from the caller to the callee before fn runs.
func (h *Host) Invoke(ctx context.Context, call Call, to common.Address, fn func(context.Context, *Frame) error) error {
	return h.call(ctx, call, to, false, fn)
}

// View runs fn as a read-only call. Any write attempted by fn fails with
// ErrReadOnly and the transaction backing a top-level view is always
// discarded.
func (h *Host) View(ctx context.Context, from, to common.Address, fn func(context.Context, *Frame) error) error {
	return h.call(ctx, Call{From: from}, to, true, fn)
}

func (h *Host) call(ctx context.Context, call Call, to common.Address, readOnly bool, fn func(context.Context, *Frame) error) error {
	if parent, ok := FrameFrom(ctx); ok && parent.host == h {
		return h.nested(ctx, parent, call, to, readOnly || parent.readOnly, fn)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	tx := h.state.Begin()
	frame := &Frame{
		host:     h,
		tx:       tx,
		caller:   call.From,
		self:     to,
		value:    cloneValue(call.Value),
		readOnly: readOnly,
		now:      h.nowFn(),
		pending:  &pending{},
	}
	if err := frame.enter(ctx, fn); err != nil {
		tx.Discard()
		return err
	}
	if readOnly {
		tx.Discard()
		return nil
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("exec: commit: %w", err)
	}
	h.publish(frame.pending)
	return nil
}

func (h *Host) nested(ctx context.Context, parent *Frame, call Call, to common.Address, readOnly bool, fn func(context.Context, *Frame) error) error {
	if parent.depth+1 >= MaxCallDepth {
		return ErrCallDepth
	}
	frame := &Frame{
		host:     h,
		tx:       parent.tx,
		caller:   call.From,
		self:     to,
		value:    cloneValue(call.Value),
		readOnly: readOnly,
		now:      parent.now,
		depth:    parent.depth + 1,
		pending:  parent.pending,
	}
	snapshot := parent.tx.Snapshot()
	mark := frame.pending.mark()
	if err := frame.enter(ctx, fn); err != nil {
		parent.tx.RevertToSnapshot(snapshot)
		frame.pending.rewind(mark)
		return err
	}
	return nil
}

func (h *Host) publish(p *pending) {
	if len(p.deploys) > 0 {
		h.cmu.Lock()
		for _, d := range p.deploys {
			h.contracts[d.addr] = d.component
		}
		h.cmu.Unlock()
	}
	for _, evt := range p.events {
		h.emitter.Emit(evt)
	}
	for _, fn := range p.hooks {
		fn()
	}
}

// Deploy creates a new component owned by deployer. The component address is
// derived from the deployer and its deployment nonce exactly like contract
// creation addresses, so a replayed deployment sequence yields the same
// addresses. init runs with a frame whose Self is the new address and may
// write the component's initial state.
func Deploy[T any](ctx context.Context, h *Host, deployer common.Address, init func(context.Context, *Frame) (T, error)) (T, error) {
	var component T
	err := h.call(ctx, Call{From: deployer}, common.Address{}, false, func(ctx context.Context, f *Frame) error {
		nonce, err := f.tx.Nonce(deployer)
		if err != nil {
			return err
		}
		addr := ethcrypto.CreateAddress(deployer, nonce)
		if err := f.tx.SetNonce(deployer, nonce+1); err != nil {
			return err
		}
		if _, taken := h.Lookup(addr); taken {
			return fmt.Errorf("exec: address %s already deployed", addr.Hex())
		}
		f.self = addr
		c, err := init(ctx, f)
		if err != nil {
			return err
		}
		component = c
		f.pending.deploys = append(f.pending.deploys, deployment{addr: addr, component: c})
		return nil
	})
	return component, err
}

// Fund credits amount to addr outside of any component call. It is intended
// for genesis allocations and tests.
func (h *Host) Fund(addr common.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	tx := h.state.Begin()
	if err := tx.AddBalance(addr, value); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

// Balance reports the committed native-currency balance of addr.
func (h *Host) Balance(addr common.Address) (*big.Int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tx := h.state.Begin()
	defer tx.Discard()
	bal, err := tx.Balance(addr)
	if err != nil {
		return nil, err
	}
	return bal.ToBig(), nil
}

// Nonce reports how many components deployer has created.
func (h *Host) Nonce(deployer common.Address) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tx := h.state.Begin()
	defer tx.Discard()
	return tx.Nonce(deployer)
}

func cloneValue(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, ErrNegativeValue
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, state.ErrBalanceOverflow
	}
	return out, nil
}

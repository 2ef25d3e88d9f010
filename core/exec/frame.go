package exec

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"feedoracle/core/events"
	"feedoracle/core/state"
	"feedoracle/core/types"
)

type frameKey struct{}

type deployment struct {
	addr      common.Address
	component any
}

// pending collects side effects that only become visible once the top-level
// transaction commits.
type pending struct {
	events  []events.Event
	deploys []deployment
	hooks   []func()
}

type pendingMark struct {
	events  int
	deploys int
	hooks   int
}

func (p *pending) mark() pendingMark {
	return pendingMark{events: len(p.events), deploys: len(p.deploys), hooks: len(p.hooks)}
}

func (p *pending) rewind(m pendingMark) {
	p.events = p.events[:m.events]
	p.deploys = p.deploys[:m.deploys]
	p.hooks = p.hooks[:m.hooks]
}

// Frame is the view a component gets of the call it is executing: who called
// it, which address it runs as, the attached value and transactional access to
// state.
type Frame struct {
	host     *Host
	tx       *state.Tx
	caller   common.Address
	self     common.Address
	value    *big.Int
	readOnly bool
	now      int64
	depth    int
	pending  *pending
}

// FrameFrom returns the active frame carried by ctx.
func FrameFrom(ctx context.Context) (*Frame, bool) {
	if ctx == nil {
		return nil, false
	}
	f, ok := ctx.Value(frameKey{}).(*Frame)
	return f, ok && f != nil
}

// SelfFrom returns the address of the component running in ctx, or the zero
// address when ctx carries no frame. Components use it as the caller identity
// for views they issue on other components.
func SelfFrom(ctx context.Context) common.Address {
	if f, ok := FrameFrom(ctx); ok {
		return f.self
	}
	return common.Address{}
}

func (f *Frame) enter(ctx context.Context, fn func(context.Context, *Frame) error) error {
	if f.value.Sign() < 0 {
		return ErrNegativeValue
	}
	if f.value.Sign() > 0 {
		if f.readOnly {
			return ErrReadOnly
		}
		amount, err := toUint256(f.value)
		if err != nil {
			return err
		}
		if err := f.tx.Transfer(f.caller, f.self, amount); err != nil {
			return err
		}
		f.pending.events = append(f.pending.events, events.Transfer{
			Asset:  events.NativeAsset,
			From:   f.caller,
			To:     f.self,
			Amount: new(big.Int).Set(f.value),
		})
	}
	if fn == nil {
		return nil
	}
	return fn(context.WithValue(ctx, frameKey{}, f), f)
}

// Host returns the host executing the frame.
func (f *Frame) Host() *Host { return f.host }

// Caller returns the immediate caller of the running component.
func (f *Frame) Caller() common.Address { return f.caller }

// Self returns the address the running component executes as.
func (f *Frame) Self() common.Address { return f.self }

// Value returns a copy of the native currency attached to the call.
func (f *Frame) Value() *big.Int { return new(big.Int).Set(f.value) }

// Now returns the timestamp of the enclosing top-level transaction.
func (f *Frame) Now() int64 { return f.now }

// ReadOnly reports whether the frame forbids state modification.
func (f *Frame) ReadOnly() bool { return f.readOnly }

// storagePrefix namespaces component storage away from balances and nonces.
const storagePrefix = "contract/"

// scoped maps key into the storage of the running component. Two components
// using the same key never see each other's value.
func (f *Frame) scoped(key []byte) []byte {
	out := make([]byte, 0, len(storagePrefix)+common.AddressLength+1+len(key))
	out = append(out, storagePrefix...)
	out = append(out, f.self.Bytes()...)
	out = append(out, '/')
	return append(out, key...)
}

// Get decodes the value the running component stored under key into out.
func (f *Frame) Get(key []byte, out interface{}) (bool, error) {
	return f.tx.KVGet(f.scoped(key), out)
}

// Put stores value under key in the running component's storage.
func (f *Frame) Put(key []byte, value interface{}) error {
	if f.readOnly {
		return ErrReadOnly
	}
	return f.tx.KVPut(f.scoped(key), value)
}

// Delete removes key.
func (f *Frame) Delete(key []byte) error {
	if f.readOnly {
		return ErrReadOnly
	}
	return f.tx.KVDelete(f.scoped(key))
}

// Balance returns the balance of addr as seen by the transaction.
func (f *Frame) Balance(addr common.Address) (*big.Int, error) {
	bal, err := f.tx.Balance(addr)
	if err != nil {
		return nil, err
	}
	return bal.ToBig(), nil
}

// Transfer moves amount from the running component to addr.
func (f *Frame) Transfer(to common.Address, amount *big.Int) error {
	if f.readOnly {
		return ErrReadOnly
	}
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	if err := f.tx.Transfer(f.self, to, value); err != nil {
		return err
	}
	f.pending.events = append(f.pending.events, events.Transfer{
		Asset:  events.NativeAsset,
		From:   f.self,
		To:     to,
		Amount: new(big.Int).Set(amount),
	})
	return nil
}

// Emit queues evt for publication once the transaction commits. Events queued
// by a nested call that later fails are dropped together with its writes.
func (f *Frame) Emit(evt *types.Event) {
	if evt == nil || f.readOnly {
		return
	}
	f.pending.events = append(f.pending.events, events.Typed{Evt: evt})
}

// OnCommit registers fn to run once the top-level transaction has committed.
// Like events, hooks of a nested call that fails are dropped.
func (f *Frame) OnCommit(fn func()) {
	if fn == nil || f.readOnly {
		return
	}
	f.pending.hooks = append(f.pending.hooks, fn)
}

package datanode

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"feedoracle/core/exec"
	nativecommon "feedoracle/native/common"
	"feedoracle/native/controller"
	"feedoracle/native/feed"
)

var (
	ErrUnauthorized      = errors.New("datanode: unauthorized writer")
	ErrNotOracle         = errors.New("datanode: caller is not a registered oracle")
	ErrFeedNotAssigned   = errors.New("datanode: feed not assigned to this node")
	ErrNotDataNode       = errors.New("datanode: address is not a data node")
	ErrControllerMissing = errors.New("datanode: controller not deployed")
)

// DataNode keeps the latest value of every feed routed to it, once as a
// numeric record and once as an opaque packed record.
type DataNode struct {
	host       *exec.Host
	addr       common.Address
	controller *controller.Controller
}

type storedFeed struct {
	SignerID   uint32
	LastUpdate uint64
	Value      []byte
	Decimal    uint8
	MsgHash    []byte
}

type meta struct {
	Controller common.Address
}

// Deploy creates a DataNode bound to the controller at controllerAddr.
func Deploy(ctx context.Context, h *exec.Host, deployer, controllerAddr common.Address) (*DataNode, error) {
	ctrl, err := resolveController(h, controllerAddr)
	if err != nil {
		return nil, err
	}
	return exec.Deploy(ctx, h, deployer, func(ctx context.Context, f *exec.Frame) (*DataNode, error) {
		n := &DataNode{host: h, addr: f.Self(), controller: ctrl}
		if err := f.Put(n.key("meta"), meta{Controller: controllerAddr}); err != nil {
			return nil, err
		}
		return n, nil
	})
}

// Attach binds to a DataNode previously deployed at addr. Its controller must
// already be attached to h.
func Attach(ctx context.Context, h *exec.Host, addr common.Address) (*DataNode, error) {
	if existing, ok := h.Lookup(addr); ok {
		n, ok := existing.(*DataNode)
		if !ok {
			return nil, ErrNotDataNode
		}
		return n, nil
	}
	n := &DataNode{host: h, addr: addr}
	var m meta
	err := h.View(ctx, common.Address{}, addr, func(ctx context.Context, f *exec.Frame) error {
		ok, err := f.Get(n.key("meta"), &m)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotDataNode, addr.Hex())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ctrl, err := resolveController(h, m.Controller)
	if err != nil {
		return nil, err
	}
	n.controller = ctrl
	h.Register(addr, n)
	return n, nil
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
func (n *DataNode) Address() common.Address { return n.addr }

// Controller returns the controller the node consults for authorization.
func (n *DataNode) Controller() *controller.Controller { return n.controller }

func (n *DataNode) key(table string, parts ...string) []byte {
	var b strings.Builder
	b.WriteString(table)
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(p)
	}
	return []byte(b.String())
}

func feedKey(feedID uint32) string { return strconv.FormatUint(uint64(feedID), 10) }

func (n *DataNode) authorizeWrite(ctx context.Context, f *exec.Frame, feedID uint32) error {
	if err := nativecommon.Guard(n.controller.PauseView(ctx), nativecommon.ModuleDataNode); err != nil {
		return err
	}
	ok, err := n.controller.IsWriter(ctx, f.Caller())
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}
	serving, err := n.controller.GetDataNodeFeed(ctx, feedID)
	if err != nil {
		return err
	}
	if serving != n.addr {
		return fmt.Errorf("%w: feed %d", ErrFeedNotAssigned, feedID)
	}
	return nil
}

// Store records rec as the latest numeric value of its feed. Values are
// last-write-wins; no signature check happens here.
func (n *DataNode) Store(ctx context.Context, from common.Address, rec *feed.DataFeed) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	return n.host.Invoke(ctx, exec.Call{From: from}, n.addr, func(ctx context.Context, f *exec.Frame) error {
		if err := n.authorizeWrite(ctx, f, rec.FeedID); err != nil {
			return err
		}
		stored := storedFeed{
			SignerID:   rec.SignerID,
			LastUpdate: rec.LastUpdate,
			Value:      feed.Int256Bytes(rec.Value),
			Decimal:    rec.Decimal,
			MsgHash:    append([]byte(nil), rec.MsgHash...),
		}
		if err := f.Put(n.key("int", feedKey(rec.FeedID)), stored); err != nil {
			return err
		}
		f.Emit(NewStoredEvent(n.addr, rec))
		return nil
	})
}

// StorePack records rec as the latest packed value of its feed.
func (n *DataNode) StorePack(ctx context.Context, from common.Address, rec *feed.PackedDataFeed) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	return n.host.Invoke(ctx, exec.Call{From: from}, n.addr, func(ctx context.Context, f *exec.Frame) error {
		if err := n.authorizeWrite(ctx, f, rec.FeedID); err != nil {
			return err
		}
		stored := storedFeed{
			SignerID:   rec.SignerID,
			LastUpdate: rec.LastUpdate,
			Value:      append([]byte(nil), rec.Value...),
			Decimal:    rec.Decimal,
			MsgHash:    append([]byte(nil), rec.MsgHash...),
		}
		if err := f.Put(n.key("pack", feedKey(rec.FeedID)), stored); err != nil {
			return err
		}
		f.Emit(NewPackedStoredEvent(n.addr, rec))
		return nil
	})
}

// read runs a guarded read on behalf of from, which must be a registered
// oracle. Unset feeds decode as the zero record.
func (n *DataNode) read(ctx context.Context, from common.Address, table string, feedID uint32) (storedFeed, error) {
	var out storedFeed
	err := n.host.View(ctx, from, n.addr, func(ctx context.Context, f *exec.Frame) error {
		ok, err := n.controller.IsOracle(ctx, f.Caller())
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotOracle
		}
		_, err = f.Get(n.key(table, feedKey(feedID)), &out)
		return err
	})
	return out, err
}

// ReadInt returns the last update time and numeric value of feedID.
func (n *DataNode) ReadInt(ctx context.Context, from common.Address, feedID uint32) (uint64, *big.Int, error) {
	rec, err := n.ReadFeed(ctx, from, feedID)
	if err != nil {
		return 0, nil, err
	}
	return rec.LastUpdate, rec.Value, nil
}

// ReadPack returns the last update time and packed value of feedID.
func (n *DataNode) ReadPack(ctx context.Context, from common.Address, feedID uint32) (uint64, []byte, error) {
	rec, err := n.ReadPackFeed(ctx, from, feedID)
	if err != nil {
		return 0, nil, err
	}
	return rec.LastUpdate, rec.Value, nil
}

// ReadFeed returns the full numeric record stored for feedID.
func (n *DataNode) ReadFeed(ctx context.Context, from common.Address, feedID uint32) (*feed.DataFeed, error) {
	stored, err := n.read(ctx, from, "int", feedID)
	if err != nil {
		return nil, err
	}
	value := new(big.Int)
	if len(stored.Value) > 0 {
		value = feed.Int256FromBytes(stored.Value)
	}
	return &feed.DataFeed{
		FeedID:     feedID,
		SignerID:   stored.SignerID,
		LastUpdate: stored.LastUpdate,
		Value:      value,
		Decimal:    stored.Decimal,
		MsgHash:    stored.MsgHash,
	}, nil
}

// ReadPackFeed returns the full packed record stored for feedID.
func (n *DataNode) ReadPackFeed(ctx context.Context, from common.Address, feedID uint32) (*feed.PackedDataFeed, error) {
	stored, err := n.read(ctx, from, "pack", feedID)
	if err != nil {
		return nil, err
	}
	return &feed.PackedDataFeed{
		FeedID:     feedID,
		SignerID:   stored.SignerID,
		LastUpdate: stored.LastUpdate,
		Value:      stored.Value,
		Decimal:    stored.Decimal,
		MsgHash:    stored.MsgHash,
	}, nil
}

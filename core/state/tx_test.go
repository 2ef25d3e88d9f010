package state

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"feedoracle/storage"
)

type record struct {
	FeedID uint32
	Value  []byte
}

func seed(t *testing.T, mgr *Manager, key string, value interface{}) {
	t.Helper()
	tx := mgr.Begin()
	if err := tx.KVPut([]byte(key), value); err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}
}

func committed(t *testing.T, mgr *Manager, key string, out interface{}) bool {
	t.Helper()
	tx := mgr.Begin()
	defer tx.Discard()
	ok, err := tx.KVGet([]byte(key), out)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	return ok
}

func TestTxWritesVisibleBeforeCommit(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())

	tx := mgr.Begin()
	if err := tx.KVPut([]byte("feed/123"), &record{FeedID: 123, Value: []byte{1}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	var got record
	ok, err := tx.KVGet([]byte("feed/123"), &got)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || got.FeedID != 123 {
		t.Fatalf("expected feed 123 inside tx, got %v %+v", ok, got)
	}
	if committed(t, mgr, "feed/123", nil) {
		t.Fatalf("uncommitted writes must not reach the database")
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !committed(t, mgr, "feed/123", &got) {
		t.Fatalf("committed write not visible")
	}
	if err := tx.Commit(); !errors.Is(err, ErrTxClosed) {
		t.Fatalf("expected ErrTxClosed, got %v", err)
	}
}

func TestTxDiscardLeavesDatabaseUntouched(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	seed(t, mgr, "manager/a", true)

	tx := mgr.Begin()
	if err := tx.KVDelete([]byte("manager/a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tx.KVPut([]byte("manager/b"), true); err != nil {
		t.Fatalf("put: %v", err)
	}
	ok, err := tx.KVGet([]byte("manager/a"), nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("deleted key still visible inside tx")
	}
	tx.Discard()

	if !committed(t, mgr, "manager/a", nil) {
		t.Fatalf("discarded delete removed manager/a")
	}
	if committed(t, mgr, "manager/b", nil) {
		t.Fatalf("discarded put reached the database")
	}
}

func TestTxRevertToSnapshot(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	seed(t, mgr, "k", uint64(1))

	tx := mgr.Begin()
	defer tx.Discard()
	if err := tx.KVPut([]byte("k"), uint64(2)); err != nil {
		t.Fatalf("put: %v", err)
	}
	snap := tx.Snapshot()
	if err := tx.KVPut([]byte("k"), uint64(3)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tx.KVDelete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tx.KVPut([]byte("other"), uint64(9)); err != nil {
		t.Fatalf("put: %v", err)
	}

	tx.RevertToSnapshot(snap)

	var v uint64
	ok, err := tx.KVGet([]byte("k"), &v)
	if err != nil || !ok || v != 2 {
		t.Fatalf("after revert: ok=%v v=%d err=%v, want 2", ok, v, err)
	}
	ok, err = tx.KVGet([]byte("other"), nil)
	if err != nil || ok {
		t.Fatalf("reverted key still present: ok=%v err=%v", ok, err)
	}

	tx.RevertToSnapshot(0)
	ok, err = tx.KVGet([]byte("k"), &v)
	if err != nil || !ok || v != 1 {
		t.Fatalf("after full revert: ok=%v v=%d err=%v, want 1", ok, v, err)
	}
}

func TestBalancesTransfer(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	alice := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob := common.HexToAddress("0x0000000000000000000000000000000000000b0b")

	tx := mgr.Begin()
	if err := tx.AddBalance(alice, uint256.NewInt(100)); err != nil {
		t.Fatalf("add balance: %v", err)
	}
	if err := tx.Transfer(alice, bob, uint256.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := tx.Transfer(alice, bob, uint256.NewInt(61)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	aliceBal, err := tx.Balance(alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if aliceBal.Uint64() != 60 {
		t.Fatalf("alice balance: got %d want 60", aliceBal.Uint64())
	}
	bobBal, err := tx.Balance(bob)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bobBal.Uint64() != 40 {
		t.Fatalf("bob balance: got %d want 40", bobBal.Uint64())
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestBalanceOverflow(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	addr := common.HexToAddress("0x01")
	max := new(uint256.Int).SetAllOne()

	tx := mgr.Begin()
	defer tx.Discard()
	if err := tx.AddBalance(addr, max); err != nil {
		t.Fatalf("add balance: %v", err)
	}
	if err := tx.AddBalance(addr, uint256.NewInt(1)); !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("expected ErrBalanceOverflow, got %v", err)
	}
}

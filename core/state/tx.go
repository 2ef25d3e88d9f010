package state

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// ErrTxClosed is returned when a committed or discarded transaction is reused.
var ErrTxClosed = errors.New("state: transaction closed")

type journalEntry struct {
	key     string
	prev    []byte
	existed bool
}

// Tx buffers mutations on top of a Manager. Writes are visible to subsequent
// reads through the same Tx immediately and reach the database only on Commit.
// Every write is journaled so nested calls can roll back to a snapshot without
// discarding the whole transaction.
//
// Tx is not safe for concurrent use.
type Tx struct {
	base    *Manager
	dirty   map[string][]byte
	journal []journalEntry
	closed  bool
}

func (tx *Tx) set(hashed string, value []byte) {
	prev, existed := tx.dirty[hashed]
	tx.journal = append(tx.journal, journalEntry{key: hashed, prev: prev, existed: existed})
	tx.dirty[hashed] = value
}

func (tx *Tx) raw(hashed string) ([]byte, bool, error) {
	if value, ok := tx.dirty[hashed]; ok {
		if value == nil {
			return nil, false, nil
		}
		return value, true, nil
	}
	return tx.base.raw(hashed)
}

// KVPut stores value under key using RLP encoding.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if tx.closed {
		return ErrTxClosed
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	tx.set(kvKey(key), encoded)
	return nil
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key exists.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if tx.closed {
		return false, ErrTxClosed
	}
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := tx.raw(kvKey(key))
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes key. Deleting a missing key is a no-op.
func (tx *Tx) KVDelete(key []byte) error {
	if tx.closed {
		return ErrTxClosed
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	tx.set(kvKey(key), nil)
	return nil
}

// Snapshot returns an identifier for the current journal position.
func (tx *Tx) Snapshot() int {
	return len(tx.journal)
}

// RevertToSnapshot undoes every write recorded after the snapshot was taken.
func (tx *Tx) RevertToSnapshot(id int) {
	if id < 0 || id > len(tx.journal) {
		return
	}
	for i := len(tx.journal) - 1; i >= id; i-- {
		entry := tx.journal[i]
		if entry.existed {
			tx.dirty[entry.key] = entry.prev
		} else {
			delete(tx.dirty, entry.key)
		}
	}
	tx.journal = tx.journal[:id]
}

// Commit writes the buffered mutations to the database atomically.
func (tx *Tx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.closed = true
	if len(tx.dirty) == 0 {
		return nil
	}
	return tx.base.db.Write(tx.dirty)
}

// Discard drops every buffered mutation.
func (tx *Tx) Discard() {
	tx.closed = true
	tx.dirty = nil
	tx.journal = nil
}

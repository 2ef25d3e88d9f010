package state

import (
	"errors"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"feedoracle/storage"
)

// Manager provides RLP-encoded key/value access to the registry state. Keys are
// hashed with keccak256 before they reach the backing database so that callers
// can use readable, namespaced keys without worrying about their length.
//
// All access goes through a Tx so that a failing call leaves no partial state
// behind.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func kvKey(key []byte) string {
	return string(ethcrypto.Keccak256(key))
}

func (m *Manager) raw(hashed string) ([]byte, bool, error) {
	data, err := m.db.Get([]byte(hashed))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	return data, true, nil
}

// Begin opens a journaled transaction over the manager.
func (m *Manager) Begin() *Tx {
	return &Tx{base: m, dirty: make(map[string][]byte)}
}

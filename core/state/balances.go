package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrInsufficientBalance marks transfers exceeding the sender's balance.
	ErrInsufficientBalance = errors.New("state: insufficient balance")
	// ErrBalanceOverflow marks credits that would exceed 2^256-1.
	ErrBalanceOverflow = errors.New("state: balance overflow")
)

func balanceKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("balance/%x", addr))
}

func nonceKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("nonce/%x", addr))
}

// Balance returns the native-currency balance of addr.
func (tx *Tx) Balance(addr common.Address) (*uint256.Int, error) {
	var stored big.Int
	ok, err := tx.KVGet(balanceKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	balance, overflow := uint256.FromBig(&stored)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return balance, nil
}

func (tx *Tx) setBalance(addr common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return tx.KVDelete(balanceKey(addr))
	}
	return tx.KVPut(balanceKey(addr), amount.ToBig())
}

// AddBalance credits amount to addr.
func (tx *Tx) AddBalance(addr common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	current, err := tx.Balance(addr)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(current, amount)
	if overflow {
		return ErrBalanceOverflow
	}
	return tx.setBalance(addr, next)
}

// SubBalance debits amount from addr.
func (tx *Tx) SubBalance(addr common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	current, err := tx.Balance(addr)
	if err != nil {
		return err
	}
	if current.Lt(amount) {
		return fmt.Errorf("%w: have %s want %s", ErrInsufficientBalance, current.Dec(), amount.Dec())
	}
	return tx.setBalance(addr, new(uint256.Int).Sub(current, amount))
}

// Transfer moves amount from one account to another.
func (tx *Tx) Transfer(from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	if err := tx.SubBalance(from, amount); err != nil {
		return err
	}
	return tx.AddBalance(to, amount)
}

// Nonce returns the deployment nonce of addr.
func (tx *Tx) Nonce(addr common.Address) (uint64, error) {
	var nonce uint64
	if _, err := tx.KVGet(nonceKey(addr), &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// SetNonce stores the deployment nonce of addr.
func (tx *Tx) SetNonce(addr common.Address, nonce uint64) error {
	return tx.KVPut(nonceKey(addr), nonce)
}

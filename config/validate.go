package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"feedoracle/crypto"
)

// Validate checks the fields that Load cannot default.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if _, err := cfg.InitialSignerAddress(); err != nil {
		return err
	}
	if _, err := cfg.GenesisAllocations(); err != nil {
		return err
	}
	if cfg.RequestQuota.MaxRequestsPerEpoch == 0 && cfg.RequestQuota.EpochSeconds != 0 {
		return fmt.Errorf("request quota: EpochSeconds set without MaxRequestsPerEpoch")
	}
	return nil
}

// InitialSignerAddress parses InitialSigner. An empty value yields the zero
// address, meaning the owner key signs.
func (c *Config) InitialSignerAddress() (common.Address, error) {
	if strings.TrimSpace(c.InitialSigner) == "" {
		return common.Address{}, nil
	}
	addr, err := crypto.ParseAddress(c.InitialSigner)
	if err != nil {
		return common.Address{}, fmt.Errorf("InitialSigner: %w", err)
	}
	return addr, nil
}

// GenesisAllocations parses the configured balances. Repeated addresses are
// summed.
func (c *Config) GenesisAllocations() (map[common.Address]*big.Int, error) {
	out := make(map[common.Address]*big.Int, len(c.Allocations))
	for i, alloc := range c.Allocations {
		addr, err := crypto.ParseAddress(alloc.Address)
		if err != nil {
			return nil, fmt.Errorf("Allocations[%d]: %w", i, err)
		}
		amount, err := parseUintAmount(alloc.Amount)
		if err != nil {
			return nil, fmt.Errorf("Allocations[%d]: %w", i, err)
		}
		if prev, ok := out[addr]; ok {
			amount = new(big.Int).Add(prev, amount)
		}
		out[addr] = amount
	}
	return out, nil
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(raw), "_", "")
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return amount, nil
}

package config

import nativecommon "feedoracle/native/common"

// Pauses lists the modules that start paused. Operators flip them at runtime
// through the controller.
type Pauses struct {
	OpenOracle         bool `toml:"OpenOracle"`
	SubscriptionOracle bool `toml:"SubscriptionOracle"`
	PayPerUseOracle    bool `toml:"PayPerUseOracle"`
	DataNode           bool `toml:"DataNode"`
}

// Modules maps the flags onto pause-guard module names.
func (p Pauses) Modules() map[string]bool {
	return map[string]bool{
		nativecommon.ModuleOpenOracle:         p.OpenOracle,
		nativecommon.ModuleSubscriptionOracle: p.SubscriptionOracle,
		nativecommon.ModulePayPerUseOracle:    p.PayPerUseOracle,
		nativecommon.ModuleDataNode:           p.DataNode,
	}
}

// Quota limits asynchronous pay-per-use requests per consumer.
type Quota struct {
	MaxRequestsPerEpoch uint32 `toml:"MaxRequestsPerEpoch"`
	EpochSeconds        uint32 `toml:"EpochSeconds"`
}

// Native converts the quota into the form enforced by the oracle.
func (q Quota) Native() nativecommon.Quota {
	return nativecommon.Quota{MaxRequestsPerEpoch: q.MaxRequestsPerEpoch, EpochSeconds: q.EpochSeconds}
}

// Allocation credits a genesis balance to an account.
type Allocation struct {
	Address string `toml:"Address"`
	Amount  string `toml:"Amount"`
}

// Logging configures the daemon log sink.
type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

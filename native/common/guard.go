package common

import (
	"errors"
	"fmt"
)

// Module names understood by the pause guard.
const (
	ModuleOpenOracle         = "oracle.open"
	ModuleSubscriptionOracle = "oracle.subscription"
	ModulePayPerUseOracle    = "oracle.payperuse"
	ModuleDataNode           = "datanode"
)

var ErrModulePaused = errors.New("module paused")

// PauseView answers whether a named module is currently paused.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard fails with ErrModulePaused when module is paused in p. A nil view or
// an empty module name never blocks.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return fmt.Errorf("%w: %s", ErrModulePaused, module)
	}
	return nil
}

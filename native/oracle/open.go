package oracle

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"feedoracle/core/exec"
	"feedoracle/native/feed"
)

// OpenOracle serves feed values without payment.
type OpenOracle struct {
	*reader
}

// DeployOpen creates an OpenOracle. license must be feed.LicenseOpen.
func DeployOpen(ctx context.Context, h *exec.Host, deployer, controllerAddr common.Address, license feed.LicenseType) (*OpenOracle, error) {
	return deployReader(ctx, h, deployer, controllerAddr, feed.LicenseOpen, license, func(r *reader) *OpenOracle {
		return &OpenOracle{reader: r}
	})
}

// AttachOpen binds to an OpenOracle previously deployed at addr.
func AttachOpen(ctx context.Context, h *exec.Host, addr common.Address) (*OpenOracle, error) {
	if existing, ok := h.Lookup(addr); ok {
		o, ok := existing.(*OpenOracle)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotOracle, addr.Hex())
		}
		return o, nil
	}
	r, err := attachReader(ctx, h, addr, feed.LicenseOpen)
	if err != nil {
		return nil, err
	}
	o := &OpenOracle{reader: r}
	h.Register(addr, o)
	return o, nil
}

package common

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestCheckQuotaRequestLimit(t *testing.T) {
	q := Quota{MaxRequestsPerEpoch: 10}
	prev := QuotaNow{EpochID: 1}

	next, err := CheckQuota(q, 1, prev, 10)
	if err != nil {
		t.Fatalf("check quota: %v", err)
	}
	if next.ReqCount != 10 {
		t.Fatalf("expected 10 requests, got %d", next.ReqCount)
	}

	denied, err := CheckQuota(q, 1, next, 1)
	if !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected ErrQuotaRequestsExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("counters changed on denial: %+v", denied)
	}

	rollover, err := CheckQuota(q, 2, next, 1)
	if err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if want := (QuotaNow{EpochID: 2, ReqCount: 1}); rollover != want {
		t.Fatalf("rollover: got %+v want %+v", rollover, want)
	}
}

func TestCheckQuotaOverflow(t *testing.T) {
	prev := QuotaNow{EpochID: 3, ReqCount: math.MaxUint32}
	if _, err := CheckQuota(Quota{}, 3, prev, 1); !errors.Is(err, ErrQuotaCounterOverflow) {
		t.Fatalf("expected ErrQuotaCounterOverflow, got %v", err)
	}
}

func TestQuotaEpoch(t *testing.T) {
	if got := (Quota{}).Epoch(120); got != 2 {
		t.Fatalf("default epoch: got %d want 2", got)
	}
	if got := (Quota{EpochSeconds: 10}).Epoch(125); got != 12 {
		t.Fatalf("10s epoch: got %d want 12", got)
	}
	if got := (Quota{EpochSeconds: 10}).Epoch(-5); got != 0 {
		t.Fatalf("negative time: got %d want 0", got)
	}
	if (Quota{}).Enabled() {
		t.Fatalf("zero quota reported enabled")
	}
}

type pauses map[string]bool

func (p pauses) IsPaused(module string) bool { return p[module] }

func TestGuard(t *testing.T) {
	if err := Guard(nil, ModuleOpenOracle); err != nil {
		t.Fatalf("nil pauser: %v", err)
	}
	if err := Guard(pauses{}, ""); err != nil {
		t.Fatalf("empty module: %v", err)
	}
	if err := Guard(pauses{ModuleDataNode: true}, ModuleOpenOracle); err != nil {
		t.Fatalf("unrelated pause: %v", err)
	}
	err := Guard(pauses{ModulePayPerUseOracle: true}, ModulePayPerUseOracle)
	if !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if !strings.Contains(err.Error(), ModulePayPerUseOracle) {
		t.Fatalf("error does not name the module: %v", err)
	}
}

package deploy

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"feedoracle/core/exec"
	nativecommon "feedoracle/native/common"
	"feedoracle/native/feed"
	"feedoracle/storage"
)

const testKeyHex = "0123456789012345678901234567890123456789012345678901234567890123"

var (
	owner = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	payer = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func testPlan() Plan {
	plan := DefaultPlan()
	plan.Warmup[0].Value = "9800000000"
	plan.Warmup[1].Value = "9800000000"
	return plan
}

func newHost() *exec.Host {
	h := exec.NewHost(storage.NewMemDB())
	h.SetNowFunc(func() int64 { return 1700000000 })
	return h
}

func TestRunMirrorsReferenceDeployment(t *testing.T) {
	ctx := context.Background()
	key, err := ethcrypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	h := newHost()

	d, err := Run(ctx, h, owner, testPlan(), Options{
		SignerKey:   key,
		Allocations: map[common.Address]*big.Int{payer: big.NewInt(1e18)},
		Now:         func() int64 { return 1700000000 },
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if want := ethcrypto.CreateAddress(owner, 0); d.Controller.Address() != want {
		t.Fatalf("controller address: got %s want %s", d.Controller.Address().Hex(), want.Hex())
	}
	if want := ethcrypto.CreateAddress(owner, 4); d.PayPerUse.Address() != want {
		t.Fatalf("payperuse address: got %s want %s", d.PayPerUse.Address().Hex(), want.Hex())
	}
	for _, addr := range d.OracleAddresses() {
		ok, err := d.Controller.IsOracle(ctx, addr)
		if err != nil || !ok {
			t.Fatalf("oracle %s not registered: %v", addr.Hex(), err)
		}
	}

	node, err := d.Controller.GetDataNodeFeed(ctx, 123)
	if err != nil {
		t.Fatalf("data node: %v", err)
	}
	if node != d.DataNode.Address() {
		t.Fatalf("feed 123 routed to %s", node.Hex())
	}

	ok, price, err := d.Controller.VerifyLicense(ctx, 123, feed.LicensePayPerUse)
	if err != nil {
		t.Fatalf("verify license: %v", err)
	}
	if !ok || price.String() != "10864251000000000" {
		t.Fatalf("payperuse license: ok=%v price=%s", ok, price)
	}

	rec, err := d.DataNode.ReadFeed(ctx, d.Open.Address(), 123)
	if err != nil {
		t.Fatalf("read feed: %v", err)
	}
	if rec.Value.String() != "9800000000" || rec.LastUpdate != 1700000000 {
		t.Fatalf("warmup record: value=%s lastUpdate=%d", rec.Value, rec.LastUpdate)
	}

	valid, err := d.Open.Verify(ctx, payer, rec)
	if err != nil || !valid {
		t.Fatalf("warmup signature: valid=%v err=%v", valid, err)
	}

	value, err := d.PayPerUse.GetValue(ctx, exec.Call{From: payer, Value: price}, 123)
	if err != nil {
		t.Fatalf("paid read: %v", err)
	}
	if value.String() != "9800000000" {
		t.Fatalf("paid read value %s", value)
	}

	value, err = d.Subscription.GetValue(ctx, exec.Call{From: payer}, 123)
	if err != nil {
		t.Fatalf("subscription read at zero price: %v", err)
	}
	if value.String() != "9800000000" {
		t.Fatalf("subscription read value %s", value)
	}
}

func TestRunAppliesPausesAndQuota(t *testing.T) {
	ctx := context.Background()
	h := newHost()

	d, err := Run(ctx, h, owner, testPlan(), Options{
		Pauses: map[string]bool{nativecommon.ModuleOpenOracle: true, nativecommon.ModuleDataNode: false},
		Quota:  nativecommon.Quota{MaxRequestsPerEpoch: 1, EpochSeconds: 60},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	paused, err := d.Controller.Paused(ctx, nativecommon.ModuleOpenOracle)
	if err != nil || !paused {
		t.Fatalf("open oracle paused=%v err=%v", paused, err)
	}
	paused, err = d.Controller.Paused(ctx, nativecommon.ModuleDataNode)
	if err != nil || paused {
		t.Fatalf("data node paused=%v err=%v", paused, err)
	}

	if _, err := d.Open.GetValue(ctx, payer, 123); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}

func TestRunRejectsSecondDeployment(t *testing.T) {
	ctx := context.Background()
	h := newHost()
	if _, err := Run(ctx, h, owner, testPlan(), Options{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := Run(ctx, h, owner, testPlan(), Options{}); !errors.Is(err, ErrAlreadyDeployed) {
		t.Fatalf("expected ErrAlreadyDeployed, got %v", err)
	}
}

func TestValidateRejectsDanglingReferences(t *testing.T) {
	cases := map[string]func(*Plan){
		"unknown node":     func(p *Plan) { p.Feeds[0].Node = 7 },
		"unknown feed":     func(p *Plan) { p.Warmup[0].FeedID = 5 },
		"bad license":      func(p *Plan) { p.Feeds[0].Licenses = append(p.Feeds[0].Licenses, License{Type: "premium"}) },
		"bad signature":    func(p *Plan) { p.Warmup[0].Signature = "0xzz" },
		"duplicated feeds": func(p *Plan) { p.Feeds = append(p.Feeds, p.Feeds[0]) },
	}
	for name, mutate := range cases {
		plan := testPlan()
		mutate(&plan)
		if err := plan.Validate(); !errors.Is(err, ErrInvalidPlan) {
			t.Fatalf("%s: expected ErrInvalidPlan, got %v", name, err)
		}
	}
}

func TestValidateAcceptsFeedZero(t *testing.T) {
	plan := testPlan()
	plan.Feeds = append(plan.Feeds, Feed{ID: 0, Node: 123, Licenses: []License{{Type: "open"}}})
	plan.Warmup = append(plan.Warmup, Record{FeedID: 0, SignerID: 100, Value: "1", Decimal: 8})
	if err := plan.Validate(); err != nil {
		t.Fatalf("feed 0 plan: %v", err)
	}
}

func TestEnsureReattachesAfterRestart(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()
	h := exec.NewHost(db)

	first, created, err := Ensure(ctx, h, owner, testPlan(), Options{})
	if err != nil || !created {
		t.Fatalf("first ensure: created=%v err=%v", created, err)
	}
	c, err := first.DeployConsumer(ctx)
	if err != nil {
		t.Fatalf("deploy consumer: %v", err)
	}

	restarted := exec.NewHost(db)
	second, created, err := Ensure(ctx, restarted, owner, testPlan(), Options{})
	if err != nil || created {
		t.Fatalf("second ensure: created=%v err=%v", created, err)
	}
	if second.Controller.Address() != first.Controller.Address() || second.PayPerUse.Address() != first.PayPerUse.Address() {
		t.Fatalf("reattached deployment moved")
	}
	if second.Controller.Seed() != 1568 {
		t.Fatalf("seed: got %d want 1568", second.Controller.Seed())
	}

	reattached, ok := second.Consumer(c.Address())
	if !ok {
		t.Fatalf("consumer %s not reattached", c.Address().Hex())
	}
	if reattached.Oracle() != second.PayPerUse.Address() {
		t.Fatalf("consumer oracle: got %s", reattached.Oracle().Hex())
	}
	if n := len(second.Consumers()); n != 1 {
		t.Fatalf("expected 1 consumer, got %d", n)
	}
}

func TestAttachWithoutDeployment(t *testing.T) {
	if _, err := Attach(context.Background(), newHost(), owner); !errors.Is(err, ErrNotDeployed) {
		t.Fatalf("expected ErrNotDeployed, got %v", err)
	}
}

package controller

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"feedoracle/core/events"
	"feedoracle/core/exec"
	nativecommon "feedoracle/native/common"
	"feedoracle/native/feed"
	"feedoracle/storage"
)

const (
	testSeed     = uint16(1568)
	testFeedID   = uint32(123)
	testNodeID   = uint32(123)
	testSignerID = uint32(100)
	testKeyHex   = "0123456789012345678901234567890123456789012345678901234567890123"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	dataNode = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	price    = big.NewInt(10864251000000000)
)

type recorder struct {
	types []string
}

func (r *recorder) Emit(evt events.Event) { r.types = append(r.types, evt.EventType()) }

func (r *recorder) saw(typ string) bool {
	for _, got := range r.types {
		if got == typ {
			return true
		}
	}
	return false
}

func setup(t *testing.T) (*exec.Host, *Controller, *recorder) {
	t.Helper()
	key, err := ethcrypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	h := exec.NewHost(storage.NewMemDB())
	rec := &recorder{}
	h.SetEmitter(rec)
	c, err := Deploy(context.Background(), h, owner, owner, testSeed, ethcrypto.PubkeyToAddress(key.PublicKey))
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	return h, c, rec
}

func isManager(t *testing.T, c *Controller, addr common.Address) bool {
	t.Helper()
	ok, err := c.IsManager(context.Background(), addr)
	if err != nil {
		t.Fatalf("is manager: %v", err)
	}
	return ok
}

func feedNode(t *testing.T, c *Controller, feedID uint32) common.Address {
	t.Helper()
	addr, err := c.GetDataNodeFeed(context.Background(), feedID)
	if err != nil {
		t.Fatalf("get data node: %v", err)
	}
	return addr
}

func TestManagers(t *testing.T) {
	_, c, rec := setup(t)
	ctx := context.Background()

	if !isManager(t, c, owner) {
		t.Fatalf("owner is an implicit manager")
	}
	if err := c.AddManager(ctx, stranger, stranger); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if err := c.AddManager(ctx, owner, dataNode); err != nil {
		t.Fatalf("add manager: %v", err)
	}
	if !isManager(t, c, dataNode) {
		t.Fatalf("added manager not recognised")
	}

	// an existing manager may add further managers
	if err := c.AddManager(ctx, dataNode, stranger); err != nil {
		t.Fatalf("manager adds manager: %v", err)
	}
	if err := c.DropManager(ctx, owner, stranger); err != nil {
		t.Fatalf("drop manager: %v", err)
	}
	if err := c.DropManager(ctx, owner, dataNode); err != nil {
		t.Fatalf("drop manager: %v", err)
	}
	if isManager(t, c, dataNode) {
		t.Fatalf("dropped manager still recognised")
	}

	if err := c.DropManager(ctx, owner, owner); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized dropping owner, got %v", err)
	}
	if !rec.saw(EventTypeManagerAdded) || !rec.saw(EventTypeManagerDropped) {
		t.Fatalf("missing manager events: %v", rec.types)
	}
}

func TestNodesAndFeedRouting(t *testing.T) {
	_, c, _ := setup(t)
	ctx := context.Background()

	if err := c.AddNode(ctx, stranger, testNodeID, dataNode); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := c.AssignFeedNode(ctx, owner, testFeedID, testNodeID); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}

	if err := c.AddNode(ctx, owner, testNodeID, dataNode); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if err := c.AddNode(ctx, owner, testNodeID, stranger); !errors.Is(err, ErrNodeExists) {
		t.Fatalf("expected ErrNodeExists, got %v", err)
	}

	if err := c.AssignFeedNode(ctx, owner, testFeedID, testNodeID); err != nil {
		t.Fatalf("assign feed: %v", err)
	}
	if got := feedNode(t, c, testFeedID); got != dataNode {
		t.Fatalf("feed node: got %s want %s", got.Hex(), dataNode.Hex())
	}

	if err := c.UnlinkFeedNode(ctx, owner, testFeedID); err != nil {
		t.Fatalf("unlink feed: %v", err)
	}
	if got := feedNode(t, c, testFeedID); got == dataNode {
		t.Fatalf("feed still routed after unlink")
	}

	if err := c.AssignFeedNode(ctx, owner, testFeedID, testNodeID); err != nil {
		t.Fatalf("reassign feed: %v", err)
	}
	if err := c.DropNode(ctx, owner, testNodeID); err != nil {
		t.Fatalf("drop node: %v", err)
	}
	addr, err := c.GetNode(ctx, testNodeID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if addr != (common.Address{}) {
		t.Fatalf("dropped node still registered at %s", addr.Hex())
	}
	if got := feedNode(t, c, testFeedID); got != (common.Address{}) {
		t.Fatalf("feed routed to dropped node %s", got.Hex())
	}
	if err := c.DropNode(ctx, owner, testNodeID); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestVerifyHash(t *testing.T) {
	_, c, _ := setup(t)
	ctx := context.Background()

	initialKey, err := ethcrypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	otherKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	value := new(big.Int).Mul(big.NewInt(98), big.NewInt(100_000_000))
	msg := feed.Digest(testFeedID, value, 1700000000, c.Seed()).Bytes()
	initialSig, err := feed.Sign(msg, initialKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	otherSig, err := feed.Sign(msg, otherKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	verify := func(sig []byte) bool {
		ok, err := c.VerifyHash(ctx, testFeedID, msg, sig)
		if err != nil {
			t.Fatalf("verify hash: %v", err)
		}
		return ok
	}

	if !verify(initialSig) {
		t.Fatalf("ungranted feeds trust the initial signer")
	}
	if verify(otherSig) || verify([]byte("garbage")) {
		t.Fatalf("untrusted signature verified")
	}

	if err := c.GrantFeedSigner(ctx, owner, testFeedID, testSignerID); !errors.Is(err, ErrSignerNotFound) {
		t.Fatalf("expected ErrSignerNotFound, got %v", err)
	}
	if err := c.AddSignerPubKey(ctx, owner, testSignerID, ethcrypto.PubkeyToAddress(otherKey.PublicKey)); err != nil {
		t.Fatalf("add signer: %v", err)
	}
	if err := c.AddSignerPubKey(ctx, owner, testSignerID, stranger); !errors.Is(err, ErrSignerExists) {
		t.Fatalf("expected ErrSignerExists, got %v", err)
	}
	if err := c.GrantFeedSigner(ctx, owner, testFeedID, testSignerID); err != nil {
		t.Fatalf("grant signer: %v", err)
	}

	if !verify(otherSig) {
		t.Fatalf("granted signer rejected")
	}
	if verify(initialSig) {
		t.Fatalf("only the granted signer is trusted")
	}

	if err := c.RevokeSignerPubKey(ctx, owner, testSignerID); err != nil {
		t.Fatalf("revoke signer: %v", err)
	}
	if verify(otherSig) {
		t.Fatalf("revoked signer still trusted")
	}

	if err := c.RevokeFeedSigner(ctx, owner, testFeedID); err != nil {
		t.Fatalf("revoke feed signer: %v", err)
	}
	if !verify(initialSig) {
		t.Fatalf("initial signer not trusted after grant revoked")
	}
	if err := c.RevokeSignerPubKey(ctx, owner, InitialSignerID); err != nil {
		t.Fatalf("revoke initial signer: %v", err)
	}
	if verify(initialSig) {
		t.Fatalf("revoked initial signer still trusted")
	}
}

func TestInitialSignerRegistered(t *testing.T) {
	_, c, rec := setup(t)
	ctx := context.Background()

	signer, err := c.GetSigner(ctx, InitialSignerID)
	if err != nil {
		t.Fatalf("get signer: %v", err)
	}
	if signer == (common.Address{}) {
		t.Fatalf("initial signer not registered")
	}
	if len(rec.types) != 1 || rec.types[0] != EventTypeSignerAdded {
		t.Fatalf("deploy events: got %v want [%s]", rec.types, EventTypeSignerAdded)
	}

	if err := c.RevokeSignerPubKey(ctx, owner, InitialSignerID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := c.RevokeSignerPubKey(ctx, owner, InitialSignerID); !errors.Is(err, ErrSignerNotFound) {
		t.Fatalf("expected ErrSignerNotFound, got %v", err)
	}
}

func TestLicenses(t *testing.T) {
	_, c, _ := setup(t)
	ctx := context.Background()

	if err := c.AddLicense(ctx, owner, testFeedID, feed.LicenseType(9), price); !errors.Is(err, feed.ErrInvalidLicense) {
		t.Fatalf("expected ErrInvalidLicense, got %v", err)
	}
	if err := c.AddLicense(ctx, owner, testFeedID, feed.LicenseOpen, big.NewInt(-1)); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	if err := c.AddLicense(ctx, stranger, testFeedID, feed.LicenseOpen, price); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if err := c.AddLicense(ctx, owner, testFeedID, feed.LicenseOpen, price); err != nil {
		t.Fatalf("add license: %v", err)
	}
	ok, got, err := c.VerifyLicense(ctx, testFeedID, feed.LicenseOpen)
	if err != nil {
		t.Fatalf("verify license: %v", err)
	}
	if !ok || got.Cmp(price) != 0 {
		t.Fatalf("license: ok=%v price=%s, want true %s", ok, got, price)
	}

	ok, _, err = c.VerifyLicense(ctx, testFeedID, feed.LicensePayPerUse)
	if err != nil {
		t.Fatalf("verify license: %v", err)
	}
	if ok {
		t.Fatalf("pay-per-use license granted without being added")
	}

	if err := c.DropLicense(ctx, owner, testFeedID, feed.LicenseOpen); err != nil {
		t.Fatalf("drop license: %v", err)
	}
	ok, got, err = c.VerifyLicense(ctx, testFeedID, feed.LicenseOpen)
	if err != nil {
		t.Fatalf("verify license: %v", err)
	}
	if ok || got.Sign() != 0 {
		t.Fatalf("dropped license: ok=%v price=%s", ok, got)
	}
}

func TestFeedZeroIsAddressable(t *testing.T) {
	_, c, _ := setup(t)
	ctx := context.Background()

	if err := c.AddNode(ctx, owner, testNodeID, dataNode); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if err := c.AssignFeedNode(ctx, owner, 0, testNodeID); err != nil {
		t.Fatalf("assign feed 0: %v", err)
	}
	if got := feedNode(t, c, 0); got != dataNode {
		t.Fatalf("feed 0 node: got %s want %s", got.Hex(), dataNode.Hex())
	}
	if err := c.AddLicense(ctx, owner, 0, feed.LicenseOpen, nil); err != nil {
		t.Fatalf("license feed 0: %v", err)
	}
	ok, _, err := c.VerifyLicense(ctx, 0, feed.LicenseOpen)
	if err != nil || !ok {
		t.Fatalf("feed 0 license: ok=%v err=%v", ok, err)
	}
}

func TestOraclesAndPauses(t *testing.T) {
	_, c, _ := setup(t)
	ctx := context.Background()

	if err := c.AddOracle(ctx, stranger, stranger); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := c.AddOracle(ctx, owner, stranger); err != nil {
		t.Fatalf("add oracle: %v", err)
	}
	ok, err := c.IsOracle(ctx, stranger)
	if err != nil || !ok {
		t.Fatalf("is oracle: ok=%v err=%v", ok, err)
	}
	if err := c.DropOracle(ctx, owner, stranger); err != nil {
		t.Fatalf("drop oracle: %v", err)
	}
	ok, err = c.IsOracle(ctx, stranger)
	if err != nil || ok {
		t.Fatalf("dropped oracle: ok=%v err=%v", ok, err)
	}
	if err := c.DropOracle(ctx, owner, stranger); !errors.Is(err, ErrOracleNotFound) {
		t.Fatalf("expected ErrOracleNotFound, got %v", err)
	}

	if err := nativecommon.Guard(c.PauseView(ctx), "oracle.open"); err != nil {
		t.Fatalf("guard before pause: %v", err)
	}
	if err := c.SetPaused(ctx, owner, "Oracle.Open", true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := nativecommon.Guard(c.PauseView(ctx), "oracle.open"); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := c.SetPaused(ctx, owner, "oracle.open", false); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := nativecommon.Guard(c.PauseView(ctx), "oracle.open"); err != nil {
		t.Fatalf("guard after resume: %v", err)
	}
	if err := c.SetPaused(ctx, owner, " ", true); !errors.Is(err, ErrInvalidModule) {
		t.Fatalf("expected ErrInvalidModule, got %v", err)
	}
}

func TestAttachReloadsMeta(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()
	h := exec.NewHost(db)
	c, err := Deploy(ctx, h, owner, owner, testSeed, stranger)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := c.AddManager(ctx, owner, dataNode); err != nil {
		t.Fatalf("add manager: %v", err)
	}

	reopened := exec.NewHost(db)
	again, err := Attach(ctx, reopened, c.Address())
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if again.Owner() != owner || again.Seed() != testSeed {
		t.Fatalf("meta: owner=%s seed=%d", again.Owner().Hex(), again.Seed())
	}
	if !isManager(t, again, dataNode) {
		t.Fatalf("manager lost across attach")
	}

	if _, err := Attach(ctx, reopened, stranger); !errors.Is(err, ErrNotController) {
		t.Fatalf("expected ErrNotController, got %v", err)
	}
}

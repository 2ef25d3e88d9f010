package datanode

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"feedoracle/core/exec"
	nativecommon "feedoracle/native/common"
	"feedoracle/native/controller"
	"feedoracle/native/feed"
	"feedoracle/storage"
)

const (
	testFeedID = uint32(123)
	testNodeID = uint32(123)
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	signer   = common.HexToAddress("0x00000000000000000000000000000000000000dd")
)

func testValue() *big.Int {
	return new(big.Int).Mul(big.NewInt(98), big.NewInt(100_000_000))
}

func setup(t *testing.T) (*controller.Controller, *DataNode) {
	t.Helper()
	ctx := context.Background()
	h := exec.NewHost(storage.NewMemDB())
	ctrl, err := controller.Deploy(ctx, h, owner, owner, 1568, signer)
	if err != nil {
		t.Fatalf("deploy controller: %v", err)
	}
	node, err := Deploy(ctx, h, owner, ctrl.Address())
	if err != nil {
		t.Fatalf("deploy datanode: %v", err)
	}
	if err := ctrl.AddNode(ctx, owner, testNodeID, node.Address()); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if err := ctrl.AssignFeedNode(ctx, owner, testFeedID, testNodeID); err != nil {
		t.Fatalf("assign feed: %v", err)
	}
	return ctrl, node
}

func allowReads(t *testing.T, ctrl *controller.Controller) {
	t.Helper()
	if err := ctrl.AddOracle(context.Background(), owner, owner); err != nil {
		t.Fatalf("add oracle: %v", err)
	}
}

func TestStoreAndReadInt(t *testing.T) {
	ctrl, node := setup(t)
	ctx := context.Background()

	rec := &feed.DataFeed{FeedID: testFeedID, SignerID: 100, LastUpdate: 1700000000, Value: testValue(), Decimal: 8}
	if err := node.Store(ctx, owner, rec); err != nil {
		t.Fatalf("store: %v", err)
	}

	if _, _, err := node.ReadInt(ctx, owner, testFeedID); !errors.Is(err, ErrNotOracle) {
		t.Fatalf("expected ErrNotOracle, got %v", err)
	}

	allowReads(t, ctrl)
	lastUpdate, value, err := node.ReadInt(ctx, owner, testFeedID)
	if err != nil {
		t.Fatalf("read int: %v", err)
	}
	if lastUpdate != 1700000000 {
		t.Fatalf("last update: got %d want 1700000000", lastUpdate)
	}
	if value.Cmp(testValue()) != 0 {
		t.Fatalf("value: got %s want %s", value, testValue())
	}

	full, err := node.ReadFeed(ctx, owner, testFeedID)
	if err != nil {
		t.Fatalf("read feed: %v", err)
	}
	if full.SignerID != 100 || full.Decimal != 8 {
		t.Fatalf("feed metadata: signer=%d decimal=%d", full.SignerID, full.Decimal)
	}
}

func TestStoreNegativeValue(t *testing.T) {
	ctrl, node := setup(t)
	ctx := context.Background()
	allowReads(t, ctrl)

	if err := node.Store(ctx, owner, &feed.DataFeed{FeedID: testFeedID, LastUpdate: 5, Value: big.NewInt(-12345)}); err != nil {
		t.Fatalf("store: %v", err)
	}
	_, value, err := node.ReadInt(ctx, owner, testFeedID)
	if err != nil {
		t.Fatalf("read int: %v", err)
	}
	if value.Int64() != -12345 {
		t.Fatalf("value: got %s want -12345", value)
	}
}

func TestStoreFeedZero(t *testing.T) {
	ctrl, node := setup(t)
	ctx := context.Background()
	allowReads(t, ctrl)
	if err := ctrl.AssignFeedNode(ctx, owner, 0, testNodeID); err != nil {
		t.Fatalf("assign feed 0: %v", err)
	}

	if err := node.Store(ctx, owner, &feed.DataFeed{FeedID: 0, LastUpdate: 3, Value: big.NewInt(11)}); err != nil {
		t.Fatalf("store feed 0: %v", err)
	}
	lastUpdate, value, err := node.ReadInt(ctx, owner, 0)
	if err != nil {
		t.Fatalf("read feed 0: %v", err)
	}
	if lastUpdate != 3 || value.Int64() != 11 {
		t.Fatalf("feed 0: lastUpdate=%d value=%s", lastUpdate, value)
	}
}

func TestStorePackRoundTrip(t *testing.T) {
	ctrl, node := setup(t)
	ctx := context.Background()
	allowReads(t, ctrl)

	packed, err := feed.EncodeInt(testValue())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rec := &feed.PackedDataFeed{FeedID: testFeedID, SignerID: 100, LastUpdate: 9, Value: packed, Decimal: 8}
	if err := node.StorePack(ctx, owner, rec); err != nil {
		t.Fatalf("store pack: %v", err)
	}

	lastUpdate, got, err := node.ReadPack(ctx, owner, testFeedID)
	if err != nil {
		t.Fatalf("read pack: %v", err)
	}
	if lastUpdate != 9 {
		t.Fatalf("last update: got %d want 9", lastUpdate)
	}
	decoded, err := feed.DecodeInt(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Cmp(testValue()) != 0 {
		t.Fatalf("decoded %s want %s", decoded, testValue())
	}
}

func TestUnsetFeedReadsZero(t *testing.T) {
	ctrl, node := setup(t)
	ctx := context.Background()
	allowReads(t, ctrl)

	lastUpdate, value, err := node.ReadInt(ctx, owner, 999)
	if err != nil {
		t.Fatalf("read int: %v", err)
	}
	if lastUpdate != 0 || value.Sign() != 0 {
		t.Fatalf("unset feed: lastUpdate=%d value=%s", lastUpdate, value)
	}

	lastUpdate, packed, err := node.ReadPack(ctx, owner, 999)
	if err != nil {
		t.Fatalf("read pack: %v", err)
	}
	if lastUpdate != 0 || len(packed) != 0 {
		t.Fatalf("unset pack: lastUpdate=%d value=%x", lastUpdate, packed)
	}
}

func TestStoreAuthorization(t *testing.T) {
	ctrl, node := setup(t)
	ctx := context.Background()
	rec := &feed.DataFeed{FeedID: testFeedID, LastUpdate: 1, Value: big.NewInt(1)}

	if err := node.Store(ctx, stranger, rec); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := ctrl.AddManager(ctx, owner, stranger); err != nil {
		t.Fatalf("add manager: %v", err)
	}
	if err := node.Store(ctx, stranger, rec); err != nil {
		t.Fatalf("manager store: %v", err)
	}

	unassigned := &feed.DataFeed{FeedID: 7, LastUpdate: 1, Value: big.NewInt(1)}
	if err := node.Store(ctx, owner, unassigned); !errors.Is(err, ErrFeedNotAssigned) {
		t.Fatalf("expected ErrFeedNotAssigned, got %v", err)
	}

	if err := ctrl.SetPaused(ctx, owner, nativecommon.ModuleDataNode, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := node.Store(ctx, owner, rec); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}

	if err := node.Store(ctx, owner, nil); !errors.Is(err, feed.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestDeployRequiresController(t *testing.T) {
	h := exec.NewHost(storage.NewMemDB())
	if _, err := Deploy(context.Background(), h, owner, stranger); !errors.Is(err, ErrControllerMissing) {
		t.Fatalf("expected ErrControllerMissing, got %v", err)
	}
}

package config

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"

	"feedoracle/crypto"
	nativecommon "feedoracle/native/common"
)

func lightScrypt(t *testing.T) {
	n, p := crypto.ScryptN, crypto.ScryptP
	crypto.ScryptN, crypto.ScryptP = keystore.LightScryptN, keystore.LightScryptP
	t.Cleanup(func() { crypto.ScryptN, crypto.ScryptP = n, p })
}

func mustExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected %s to exist: %v", path, err)
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	lightScrypt(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Seed != DefaultSeed {
		t.Fatalf("seed: got %d want %d", cfg.Seed, DefaultSeed)
	}
	if want := filepath.Join(dir, "owner.keystore"); cfg.OwnerKeystorePath != want {
		t.Fatalf("keystore path: got %s want %s", cfg.OwnerKeystorePath, want)
	}
	mustExist(t, path)
	mustExist(t, cfg.OwnerKeystorePath)

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.OwnerKeystorePath != cfg.OwnerKeystorePath {
		t.Fatalf("keystore path changed on reload: %s", again.OwnerKeystorePath)
	}
}

func TestLoadParsesSettings(t *testing.T) {
	lightScrypt(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "keys", "owner.keystore")
	signer := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	contents := `DataDir = "./state"
Seed = 42
OwnerKeystorePath = "` + keystorePath + `"
InitialSigner = "` + crypto.FromCommon(signer).String() + `"

[[Allocations]]
Address = "0x00000000000000000000000000000000000000cc"
Amount = "1_000"

[[Allocations]]
Address = "0x00000000000000000000000000000000000000cc"
Amount = "24"

[Pauses]
PayPerUseOracle = true

[RequestQuota]
MaxRequestsPerEpoch = 5
EpochSeconds = 3600

[Log]
Level = "debug"
File = "oracled.log"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "./state" || cfg.Seed != 42 {
		t.Fatalf("unexpected base settings: dataDir=%s seed=%d", cfg.DataDir, cfg.Seed)
	}
	mustExist(t, keystorePath)

	got, err := cfg.InitialSignerAddress()
	if err != nil {
		t.Fatalf("initial signer: %v", err)
	}
	if got != signer {
		t.Fatalf("initial signer: got %s want %s", got.Hex(), signer.Hex())
	}

	allocs, err := cfg.GenesisAllocations()
	if err != nil {
		t.Fatalf("allocations: %v", err)
	}
	if len(allocs) != 1 {
		t.Fatalf("expected allocations to merge into 1, got %d", len(allocs))
	}
	if amount := allocs[common.HexToAddress("0xcc")]; amount == nil || amount.Cmp(big.NewInt(1024)) != 0 {
		t.Fatalf("allocation: got %v want 1024", amount)
	}

	modules := cfg.Pauses.Modules()
	if !modules[nativecommon.ModulePayPerUseOracle] || modules[nativecommon.ModuleOpenOracle] {
		t.Fatalf("unexpected pauses: %v", modules)
	}
	if want := (nativecommon.Quota{MaxRequestsPerEpoch: 5, EpochSeconds: 3600}); cfg.RequestQuota.Native() != want {
		t.Fatalf("quota: got %+v want %+v", cfg.RequestQuota.Native(), want)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level: got %s want debug", cfg.Log.Level)
	}
}

func TestLoadRejectsRawOwnerKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(`OwnerKey = "deadbeef"`+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "raw OwnerKey") {
		t.Fatalf("expected raw OwnerKey rejection, got %v", err)
	}
}

func TestValidateRejectsBadAllocations(t *testing.T) {
	if err := Validate(&Config{Allocations: []Allocation{{Address: "0x00000000000000000000000000000000000000cc", Amount: "-1"}}}); err == nil {
		t.Fatalf("expected error for negative allocation")
	}
	if err := Validate(&Config{Allocations: []Allocation{{Address: "nope", Amount: "1"}}}); !errors.Is(err, crypto.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress for allocation, got %v", err)
	}
	if err := Validate(&Config{RequestQuota: Quota{EpochSeconds: 60}}); err == nil {
		t.Fatalf("expected error for quota without a limit")
	}
	if err := Validate(&Config{InitialSigner: "garbage"}); !errors.Is(err, crypto.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress for initial signer, got %v", err)
	}
}

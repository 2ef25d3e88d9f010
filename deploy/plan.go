package deploy

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"feedoracle/crypto"
	"feedoracle/native/feed"
)

var ErrInvalidPlan = errors.New("deploy: invalid plan")

// Plan describes the registry bootstrapped on first start: which nodes, signers
// and feeds exist, how each feed is licensed and which values are stored
// before the daemon starts serving.
type Plan struct {
	Seed          uint16   `yaml:"seed"`
	InitialSigner string   `yaml:"initialSigner"`
	Managers      []string `yaml:"managers"`
	Responders    []string `yaml:"responders"`
	Nodes         []uint32 `yaml:"nodes"`
	Signers       []Signer `yaml:"signers"`
	Feeds         []Feed   `yaml:"feeds"`
	Warmup        []Record `yaml:"warmup"`
}

// Signer whitelists a public key under an id.
type Signer struct {
	ID      uint32 `yaml:"id"`
	Address string `yaml:"address"`
}

// Feed binds a feed to a node, optionally to a signer, and licenses it.
type Feed struct {
	ID       uint32    `yaml:"id"`
	Node     uint32    `yaml:"node"`
	Signer   *uint32   `yaml:"signer,omitempty"`
	Licenses []License `yaml:"licenses"`
}

// License attaches one license model to a feed. Price is in wei and ignored
// for open licenses.
type License struct {
	Type  string `yaml:"type"`
	Price string `yaml:"price"`
}

// Record is a value stored during warmup. An empty Signature is filled in with
// the deployment signer key when one is available.
type Record struct {
	FeedID     uint32 `yaml:"feedId"`
	SignerID   uint32 `yaml:"signerId"`
	Value      string `yaml:"value"`
	Decimal    uint8  `yaml:"decimal"`
	LastUpdate uint64 `yaml:"lastUpdate"`
	Packed     bool   `yaml:"packed"`
	Signature  string `yaml:"signature"`
}

// DefaultPlan mirrors the reference deployment: one node and one feed with id
// 123 served under the pay-per-use license.
func DefaultPlan() Plan {
	return Plan{
		Seed:  1568,
		Nodes: []uint32{123},
		Feeds: []Feed{{
			ID:   123,
			Node: 123,
			Licenses: []License{
				{Type: "open"},
				{Type: "subscription"},
				{Type: "payperuse", Price: "10864251000000000"},
			},
		}},
		Warmup: []Record{
			{FeedID: 123, SignerID: 100, Value: "0", Decimal: 8},
			{FeedID: 123, SignerID: 100, Value: "0", Decimal: 8, Packed: true},
		},
	}
}

// Validate checks the plan without touching state.
func (p Plan) Validate() error {
	if _, err := p.initialSigner(); err != nil {
		return err
	}
	for _, raw := range append(append([]string{}, p.Managers...), p.Responders...) {
		if _, err := crypto.ParseAddress(raw); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
	}
	nodes := make(map[uint32]struct{}, len(p.Nodes))
	for _, id := range p.Nodes {
		nodes[id] = struct{}{}
	}
	for _, s := range p.Signers {
		if _, err := crypto.ParseAddress(s.Address); err != nil {
			return fmt.Errorf("%w: signer %d: %v", ErrInvalidPlan, s.ID, err)
		}
	}
	feeds := make(map[uint32]struct{}, len(p.Feeds))
	for _, f := range p.Feeds {
		if _, dup := feeds[f.ID]; dup {
			return fmt.Errorf("%w: feed %d listed twice", ErrInvalidPlan, f.ID)
		}
		if _, ok := nodes[f.Node]; !ok {
			return fmt.Errorf("%w: feed %d references unknown node %d", ErrInvalidPlan, f.ID, f.Node)
		}
		for _, l := range f.Licenses {
			if _, _, err := l.parse(); err != nil {
				return fmt.Errorf("%w: feed %d: %v", ErrInvalidPlan, f.ID, err)
			}
		}
		feeds[f.ID] = struct{}{}
	}
	for i, r := range p.Warmup {
		if _, ok := feeds[r.FeedID]; !ok {
			return fmt.Errorf("%w: warmup[%d] references unknown feed %d", ErrInvalidPlan, i, r.FeedID)
		}
		if _, err := r.value(); err != nil {
			return fmt.Errorf("%w: warmup[%d]: %v", ErrInvalidPlan, i, err)
		}
		if _, err := r.signature(); err != nil {
			return fmt.Errorf("%w: warmup[%d]: %v", ErrInvalidPlan, i, err)
		}
	}
	return nil
}

func (p Plan) initialSigner() (common.Address, error) {
	if strings.TrimSpace(p.InitialSigner) == "" {
		return common.Address{}, nil
	}
	addr, err := crypto.ParseAddress(p.InitialSigner)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: initialSigner: %v", ErrInvalidPlan, err)
	}
	return addr, nil
}

func (l License) parse() (feed.LicenseType, *big.Int, error) {
	license, err := feed.ParseLicenseType(l.Type)
	if err != nil {
		return feed.LicenseNone, nil, err
	}
	price := new(big.Int)
	if raw := strings.ReplaceAll(strings.TrimSpace(l.Price), "_", ""); raw != "" {
		if _, ok := price.SetString(raw, 10); !ok || price.Sign() < 0 {
			return feed.LicenseNone, nil, fmt.Errorf("invalid price %q", l.Price)
		}
	}
	return license, price, nil
}

func (r Record) value() (*big.Int, error) {
	raw := strings.TrimSpace(r.Value)
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid value %q", r.Value)
	}
	return v, nil
}

func (r Record) signature() ([]byte, error) {
	if strings.TrimSpace(r.Signature) == "" {
		return nil, nil
	}
	return hexutil.Decode(strings.TrimSpace(r.Signature))
}

package deploy

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"feedoracle/core/exec"
	"feedoracle/crypto"
	nativecommon "feedoracle/native/common"
	"feedoracle/native/consumer"
	"feedoracle/native/controller"
	"feedoracle/native/datanode"
	"feedoracle/native/feed"
	"feedoracle/native/oracle"
)

// Deployment nonces of the owner. Consumers created through the deployment
// take the nonces after firstConsumerNonce.
const (
	controllerNonce uint64 = iota
	dataNodeNonce
	openNonce
	subscriptionNonce
	payPerUseNonce
	firstConsumerNonce
)

var (
	ErrAlreadyDeployed = errors.New("deploy: owner already deployed components")
	ErrNotDeployed     = errors.New("deploy: no deployment found for owner")
)

// Options tune Run beyond what the plan describes.
type Options struct {
	// SignerKey signs warmup records that carry no signature. When the plan
	// has no initial signer, its address becomes the initial signer.
	SignerKey   *ecdsa.PrivateKey
	Allocations map[common.Address]*big.Int
	Pauses      map[string]bool
	Quota       nativecommon.Quota
	// Now stamps warmup records without LastUpdate. Defaults to the host
	// clock at store time.
	Now    func() int64
	Logger *slog.Logger
}

// Deployment holds the components of one registry.
type Deployment struct {
	host  *exec.Host
	Owner common.Address

	Controller   *controller.Controller
	DataNode     *datanode.DataNode
	Open         *oracle.OpenOracle
	Subscription *oracle.SubscriptionOracle
	PayPerUse    *oracle.PayPerUseOracle

	mu        sync.RWMutex
	consumers map[common.Address]*consumer.Consumer
}

// Ensure attaches to the deployment of owner if one exists and runs plan
// otherwise. created reports which happened.
func Ensure(ctx context.Context, h *exec.Host, owner common.Address, plan Plan, opts Options) (d *Deployment, created bool, err error) {
	nonce, err := h.Nonce(owner)
	if err != nil {
		return nil, false, err
	}
	if nonce == 0 {
		d, err = Run(ctx, h, owner, plan, opts)
		return d, err == nil, err
	}
	d, err = Attach(ctx, h, owner)
	return d, false, err
}

// Run deploys Controller, DataNode and the three oracles from owner, registers
// the oracles and performs the plan's onboarding and warmup. Genesis
// allocations are credited first.
func Run(ctx context.Context, h *exec.Host, owner common.Address, plan Plan, opts Options) (*Deployment, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	nonce, err := h.Nonce(owner)
	if err != nil {
		return nil, err
	}
	if nonce != 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDeployed, owner.Hex())
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for _, addr := range sortedAddresses(opts.Allocations) {
		if err := h.Fund(addr, opts.Allocations[addr]); err != nil {
			return nil, fmt.Errorf("fund %s: %w", addr.Hex(), err)
		}
	}

	signer, err := plan.initialSigner()
	if err != nil {
		return nil, err
	}
	if signer == (common.Address{}) {
		if opts.SignerKey != nil {
			signer = ethcrypto.PubkeyToAddress(opts.SignerKey.PublicKey)
		} else {
			signer = owner
		}
	}
	seed := plan.Seed
	if seed == 0 {
		seed = DefaultPlan().Seed
	}

	d := &Deployment{host: h, Owner: owner, consumers: make(map[common.Address]*consumer.Consumer)}
	if d.Controller, err = controller.Deploy(ctx, h, owner, owner, seed, signer); err != nil {
		return nil, fmt.Errorf("deploy controller: %w", err)
	}
	logger.Info("controller deployed", "address", crypto.FromCommon(d.Controller.Address()).String(), "seed", seed)
	if d.DataNode, err = datanode.Deploy(ctx, h, owner, d.Controller.Address()); err != nil {
		return nil, fmt.Errorf("deploy data node: %w", err)
	}
	if d.Open, err = oracle.DeployOpen(ctx, h, owner, d.Controller.Address(), feed.LicenseOpen); err != nil {
		return nil, fmt.Errorf("deploy open oracle: %w", err)
	}
	if d.Subscription, err = oracle.DeploySubscription(ctx, h, owner, d.Controller.Address(), feed.LicenseSubscription); err != nil {
		return nil, fmt.Errorf("deploy subscription oracle: %w", err)
	}
	if d.PayPerUse, err = oracle.DeployPayPerUse(ctx, h, owner, d.Controller.Address(), feed.LicensePayPerUse); err != nil {
		return nil, fmt.Errorf("deploy pay-per-use oracle: %w", err)
	}
	for _, addr := range d.OracleAddresses() {
		if err := d.Controller.AddOracle(ctx, owner, addr); err != nil {
			return nil, fmt.Errorf("add oracle %s: %w", addr.Hex(), err)
		}
	}
	logger.Info("components deployed",
		"dataNode", d.DataNode.Address().Hex(),
		"open", d.Open.Address().Hex(),
		"subscription", d.Subscription.Address().Hex(),
		"payPerUse", d.PayPerUse.Address().Hex())

	if err := d.onboard(ctx, plan, opts); err != nil {
		return nil, err
	}
	if err := d.warmup(ctx, plan, opts); err != nil {
		return nil, err
	}
	logger.Info("deployment and setup complete", "feeds", len(plan.Feeds), "warmup", len(plan.Warmup))
	return d, nil
}

func (d *Deployment) onboard(ctx context.Context, plan Plan, opts Options) error {
	owner := d.Owner
	for _, raw := range plan.Managers {
		addr, _ := crypto.ParseAddress(raw)
		if err := d.Controller.AddManager(ctx, owner, addr); err != nil {
			return fmt.Errorf("add manager %s: %w", raw, err)
		}
	}
	for _, s := range plan.Signers {
		addr, _ := crypto.ParseAddress(s.Address)
		if err := d.Controller.AddSignerPubKey(ctx, owner, s.ID, addr); err != nil {
			return fmt.Errorf("add signer %d: %w", s.ID, err)
		}
	}
	for _, id := range plan.Nodes {
		if err := d.Controller.AddNode(ctx, owner, id, d.DataNode.Address()); err != nil {
			return fmt.Errorf("add node %d: %w", id, err)
		}
	}
	for _, f := range plan.Feeds {
		if err := d.Controller.AssignFeedNode(ctx, owner, f.ID, f.Node); err != nil {
			return fmt.Errorf("assign feed %d: %w", f.ID, err)
		}
		if f.Signer != nil {
			if err := d.Controller.GrantFeedSigner(ctx, owner, f.ID, *f.Signer); err != nil {
				return fmt.Errorf("grant signer for feed %d: %w", f.ID, err)
			}
		}
		for _, l := range f.Licenses {
			license, price, _ := l.parse()
			if err := d.Controller.AddLicense(ctx, owner, f.ID, license, price); err != nil {
				return fmt.Errorf("license feed %d: %w", f.ID, err)
			}
		}
	}
	for _, raw := range plan.Responders {
		addr, _ := crypto.ParseAddress(raw)
		if err := d.PayPerUse.AddResponder(ctx, owner, addr); err != nil {
			return fmt.Errorf("add responder %s: %w", raw, err)
		}
	}
	modules := make([]string, 0, len(opts.Pauses))
	for module := range opts.Pauses {
		modules = append(modules, module)
	}
	sort.Strings(modules)
	for _, module := range modules {
		if !opts.Pauses[module] {
			continue
		}
		if err := d.Controller.SetPaused(ctx, owner, module, true); err != nil {
			return fmt.Errorf("pause %s: %w", module, err)
		}
	}
	if opts.Quota.Enabled() {
		if err := d.PayPerUse.SetRequestQuota(ctx, owner, opts.Quota); err != nil {
			return fmt.Errorf("request quota: %w", err)
		}
	}
	return nil
}

func (d *Deployment) warmup(ctx context.Context, plan Plan, opts Options) error {
	for i, r := range plan.Warmup {
		value, _ := r.value()
		sig, _ := r.signature()
		lastUpdate := r.LastUpdate
		if lastUpdate == 0 && opts.Now != nil {
			lastUpdate = uint64(opts.Now())
		}
		if r.Packed {
			packed, err := feed.EncodeInt(value)
			if err != nil {
				return fmt.Errorf("warmup[%d]: %w", i, err)
			}
			rec := &feed.PackedDataFeed{FeedID: r.FeedID, SignerID: r.SignerID, LastUpdate: lastUpdate, Value: packed, Decimal: r.Decimal, MsgHash: sig}
			if rec.MsgHash == nil && opts.SignerKey != nil {
				if rec.MsgHash, err = feed.Sign(rec.Digest(d.Controller.Seed()).Bytes(), opts.SignerKey); err != nil {
					return fmt.Errorf("warmup[%d]: %w", i, err)
				}
			}
			if err := d.DataNode.StorePack(ctx, d.Owner, rec); err != nil {
				return fmt.Errorf("warmup[%d]: %w", i, err)
			}
			continue
		}
		rec := &feed.DataFeed{FeedID: r.FeedID, SignerID: r.SignerID, LastUpdate: lastUpdate, Value: value, Decimal: r.Decimal, MsgHash: sig}
		if rec.MsgHash == nil && opts.SignerKey != nil {
			var err error
			if rec.MsgHash, err = feed.Sign(rec.Digest(d.Controller.Seed()).Bytes(), opts.SignerKey); err != nil {
				return fmt.Errorf("warmup[%d]: %w", i, err)
			}
		}
		if err := d.DataNode.Store(ctx, d.Owner, rec); err != nil {
			return fmt.Errorf("warmup[%d]: %w", i, err)
		}
	}
	return nil
}

// Attach rebinds the components deployed by owner, for example after
// reopening a persistent database.
func Attach(ctx context.Context, h *exec.Host, owner common.Address) (*Deployment, error) {
	nonce, err := h.Nonce(owner)
	if err != nil {
		return nil, err
	}
	if nonce < firstConsumerNonce {
		return nil, fmt.Errorf("%w: %s", ErrNotDeployed, owner.Hex())
	}
	at := func(n uint64) common.Address { return ethcrypto.CreateAddress(owner, n) }

	d := &Deployment{host: h, Owner: owner, consumers: make(map[common.Address]*consumer.Consumer)}
	if d.Controller, err = controller.Attach(ctx, h, at(controllerNonce)); err != nil {
		return nil, err
	}
	if d.DataNode, err = datanode.Attach(ctx, h, at(dataNodeNonce)); err != nil {
		return nil, err
	}
	if d.Open, err = oracle.AttachOpen(ctx, h, at(openNonce)); err != nil {
		return nil, err
	}
	if d.Subscription, err = oracle.AttachSubscription(ctx, h, at(subscriptionNonce)); err != nil {
		return nil, err
	}
	if d.PayPerUse, err = oracle.AttachPayPerUse(ctx, h, at(payPerUseNonce)); err != nil {
		return nil, err
	}
	for n := firstConsumerNonce; n < nonce; n++ {
		c, err := consumer.Attach(ctx, h, at(n))
		if err != nil {
			return nil, fmt.Errorf("attach consumer %d: %w", n, err)
		}
		d.consumers[c.Address()] = c
	}
	return d, nil
}

// Host returns the execution host the deployment lives on.
func (d *Deployment) Host() *exec.Host { return d.host }

// OracleAddresses lists the open, subscription and pay-per-use oracles.
func (d *Deployment) OracleAddresses() []common.Address {
	return []common.Address{d.Open.Address(), d.Subscription.Address(), d.PayPerUse.Address()}
}

// DeployConsumer creates a consumer bound to the pay-per-use oracle. The owner
// is the deployer so the consumer can be found again by Attach.
func (d *Deployment) DeployConsumer(ctx context.Context) (*consumer.Consumer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := consumer.Deploy(ctx, d.host, d.Owner, d.PayPerUse.Address())
	if err != nil {
		return nil, err
	}
	d.consumers[c.Address()] = c
	return c, nil
}

// Consumer returns the consumer deployed at addr.
func (d *Deployment) Consumer(addr common.Address) (*consumer.Consumer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.consumers[addr]
	return c, ok
}

// Consumers lists every consumer of the deployment ordered by address.
func (d *Deployment) Consumers() []*consumer.Consumer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*consumer.Consumer, 0, len(d.consumers))
	for _, c := range d.consumers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address().Cmp(out[j].Address()) < 0
	})
	return out
}

func sortedAddresses(m map[common.Address]*big.Int) []common.Address {
	out := make([]common.Address, 0, len(m))
	for addr := range m {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

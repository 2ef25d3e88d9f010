package controller

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"feedoracle/core/exec"
	"feedoracle/native/feed"
)

// AddNode registers the address serving nodeID.
func (c *Controller) AddNode(ctx context.Context, from common.Address, nodeID uint32, addr common.Address) error {
	if addr == (common.Address{}) {
		return ErrInvalidAddress
	}
	return c.mutate(ctx, from, func(f *exec.Frame) error {
		key := c.key("node", formatID(nodeID))
		var existing common.Address
		ok, err := f.Get(key, &existing)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %d", ErrNodeExists, nodeID)
		}
		if err := f.Put(key, addr); err != nil {
			return err
		}
		f.Emit(NewNodeEvent(EventTypeNodeAdded, c.addr, nodeID, addr))
		return nil
	})
}

// DropNode removes nodeID. Feeds still assigned to it resolve to the zero
// address afterwards.
func (c *Controller) DropNode(ctx context.Context, from common.Address, nodeID uint32) error {
	return c.mutate(ctx, from, func(f *exec.Frame) error {
		addr, ok, err := c.node(f, nodeID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d", ErrNodeNotFound, nodeID)
		}
		if err := f.Delete(c.key("node", formatID(nodeID))); err != nil {
			return err
		}
		f.Emit(NewNodeEvent(EventTypeNodeDropped, c.addr, nodeID, addr))
		return nil
	})
}

// GetNode returns the address registered for nodeID, or the zero address.
func (c *Controller) GetNode(ctx context.Context, nodeID uint32) (common.Address, error) {
	var out common.Address
	err := c.view(ctx, func(f *exec.Frame) error {
		addr, _, err := c.node(f, nodeID)
		out = addr
		return err
	})
	return out, err
}

func (c *Controller) node(f *exec.Frame, nodeID uint32) (common.Address, bool, error) {
	var addr common.Address
	ok, err := f.Get(c.key("node", formatID(nodeID)), &addr)
	if err != nil {
		return common.Address{}, false, err
	}
	return addr, ok, nil
}

// AssignFeedNode routes feedID to nodeID, replacing any prior assignment.
func (c *Controller) AssignFeedNode(ctx context.Context, from common.Address, feedID, nodeID uint32) error {
	return c.mutate(ctx, from, func(f *exec.Frame) error {
		if _, ok, err := c.node(f, nodeID); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: %d", ErrNodeNotFound, nodeID)
		}
		if err := f.Put(c.key("feed_node", formatID(feedID)), nodeID); err != nil {
			return err
		}
		f.Emit(NewFeedNodeEvent(EventTypeFeedAssigned, c.addr, feedID, nodeID))
		return nil
	})
}

// UnlinkFeedNode clears the node assignment of feedID.
func (c *Controller) UnlinkFeedNode(ctx context.Context, from common.Address, feedID uint32) error {
	return c.mutate(ctx, from, func(f *exec.Frame) error {
		key := c.key("feed_node", formatID(feedID))
		var nodeID uint32
		ok, err := f.Get(key, &nodeID)
		if err != nil || !ok {
			return err
		}
		if err := f.Delete(key); err != nil {
			return err
		}
		f.Emit(NewFeedNodeEvent(EventTypeFeedUnlinked, c.addr, feedID, nodeID))
		return nil
	})
}

// GetDataNodeFeed resolves the address of the node currently serving feedID.
// The zero address is returned when the feed is unassigned or its node has
// been dropped.
func (c *Controller) GetDataNodeFeed(ctx context.Context, feedID uint32) (common.Address, error) {
	var out common.Address
	err := c.view(ctx, func(f *exec.Frame) error {
		var nodeID uint32
		ok, err := f.Get(c.key("feed_node", formatID(feedID)), &nodeID)
		if err != nil || !ok {
			return err
		}
		addr, _, err := c.node(f, nodeID)
		out = addr
		return err
	})
	return out, err
}

// AddSignerPubKey registers the address whose signatures signerID stands for.
func (c *Controller) AddSignerPubKey(ctx context.Context, from common.Address, signerID uint32, addr common.Address) error {
	if addr == (common.Address{}) {
		return ErrInvalidAddress
	}
	return c.mutate(ctx, from, func(f *exec.Frame) error {
		if _, ok, err := c.signer(f, signerID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: %d", ErrSignerExists, signerID)
		}
		if err := f.Put(c.key("signer", formatID(signerID)), addr); err != nil {
			return err
		}
		f.Emit(NewSignerEvent(EventTypeSignerAdded, c.addr, signerID, addr))
		return nil
	})
}

// RevokeSignerPubKey removes signerID. Feeds granted to it stop verifying.
func (c *Controller) RevokeSignerPubKey(ctx context.Context, from common.Address, signerID uint32) error {
	return c.mutate(ctx, from, func(f *exec.Frame) error {
		addr, ok, err := c.signer(f, signerID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d", ErrSignerNotFound, signerID)
		}
		if err := f.Delete(c.key("signer", formatID(signerID))); err != nil {
			return err
		}
		f.Emit(NewSignerEvent(EventTypeSignerRevoked, c.addr, signerID, addr))
		return nil
	})
}

// GetSigner returns the address registered for signerID, or the zero address.
func (c *Controller) GetSigner(ctx context.Context, signerID uint32) (common.Address, error) {
	var out common.Address
	err := c.view(ctx, func(f *exec.Frame) error {
		addr, _, err := c.signer(f, signerID)
		out = addr
		return err
	})
	return out, err
}

func (c *Controller) signer(f *exec.Frame, signerID uint32) (common.Address, bool, error) {
	var addr common.Address
	ok, err := f.Get(c.key("signer", formatID(signerID)), &addr)
	if err != nil {
		return common.Address{}, false, err
	}
	return addr, ok, nil
}

// GrantFeedSigner makes signerID the only signer trusted for feedID.
func (c *Controller) GrantFeedSigner(ctx context.Context, from common.Address, feedID, signerID uint32) error {
	return c.mutate(ctx, from, func(f *exec.Frame) error {
		if _, ok, err := c.signer(f, signerID); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: %d", ErrSignerNotFound, signerID)
		}
		if err := f.Put(c.key("feed_signer", formatID(feedID)), signerID); err != nil {
			return err
		}
		f.Emit(NewFeedSignerEvent(EventTypeFeedSignerGranted, c.addr, feedID, signerID))
		return nil
	})
}

// RevokeFeedSigner clears the explicit signer grant of feedID, returning it to
// the initial signer.
func (c *Controller) RevokeFeedSigner(ctx context.Context, from common.Address, feedID uint32) error {
	return c.mutate(ctx, from, func(f *exec.Frame) error {
		key := c.key("feed_signer", formatID(feedID))
		var signerID uint32
		ok, err := f.Get(key, &signerID)
		if err != nil || !ok {
			return err
		}
		if err := f.Delete(key); err != nil {
			return err
		}
		f.Emit(NewFeedSignerEvent(EventTypeFeedSignerRevoked, c.addr, feedID, signerID))
		return nil
	})
}

// FeedSigner returns the address trusted for feedID. The boolean is false when
// the granted signer id has no registered key.
func (c *Controller) FeedSigner(ctx context.Context, feedID uint32) (common.Address, bool, error) {
	var (
		out   common.Address
		found bool
	)
	err := c.view(ctx, func(f *exec.Frame) error {
		addr, ok, err := c.feedSigner(f, feedID)
		out, found = addr, ok
		return err
	})
	return out, found, err
}

// feedSigner resolves the signer trusted for feedID. Feeds without an explicit
// grant fall back to the initial signer.
func (c *Controller) feedSigner(f *exec.Frame, feedID uint32) (common.Address, bool, error) {
	signerID := InitialSignerID
	if _, err := f.Get(c.key("feed_signer", formatID(feedID)), &signerID); err != nil {
		return common.Address{}, false, err
	}
	return c.signer(f, signerID)
}

// VerifyHash recovers the signer of the personal-message signature over
// message and compares it with the signer granted for feedID. Mismatches,
// unregistered signers and malformed signatures all yield false.
func (c *Controller) VerifyHash(ctx context.Context, feedID uint32, message, signature []byte) (bool, error) {
	expected, ok, err := c.FeedSigner(ctx, feedID)
	if err != nil || !ok {
		return false, err
	}
	return feed.VerifySigner(message, signature, expected), nil
}

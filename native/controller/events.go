package controller

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"feedoracle/core/types"
	"feedoracle/native/feed"
)

const (
	EventTypeManagerAdded      = "controller.manager.added"
	EventTypeManagerDropped    = "controller.manager.dropped"
	EventTypeNodeAdded         = "controller.node.added"
	EventTypeNodeDropped       = "controller.node.dropped"
	EventTypeFeedAssigned      = "controller.feed.assigned"
	EventTypeFeedUnlinked      = "controller.feed.unlinked"
	EventTypeSignerAdded       = "controller.signer.added"
	EventTypeSignerRevoked     = "controller.signer.revoked"
	EventTypeFeedSignerGranted = "controller.feed_signer.granted"
	EventTypeFeedSignerRevoked = "controller.feed_signer.revoked"
	EventTypeLicenseAdded      = "controller.license.added"
	EventTypeLicenseDropped    = "controller.license.dropped"
	EventTypeOracleAdded       = "controller.oracle.added"
	EventTypeOracleDropped     = "controller.oracle.dropped"
	// EventTypePauseSet is emitted whenever a module pause flag changes.
	EventTypePauseSet = "controller.pause.set"
)

func hexAddr(addr common.Address) string { return strings.ToLower(addr.Hex()) }

func baseAttrs(controller common.Address) map[string]string {
	return map[string]string{"controller": hexAddr(controller)}
}

// NewManagerEvent describes a manager set change.
func NewManagerEvent(eventType string, controller, manager common.Address) *types.Event {
	attrs := baseAttrs(controller)
	attrs["manager"] = hexAddr(manager)
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewNodeEvent describes a node registration change.
func NewNodeEvent(eventType string, controller common.Address, nodeID uint32, addr common.Address) *types.Event {
	attrs := baseAttrs(controller)
	attrs["nodeId"] = formatID(nodeID)
	attrs["address"] = hexAddr(addr)
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewFeedNodeEvent describes a feed routing change.
func NewFeedNodeEvent(eventType string, controller common.Address, feedID, nodeID uint32) *types.Event {
	attrs := baseAttrs(controller)
	attrs["feedId"] = formatID(feedID)
	attrs["nodeId"] = formatID(nodeID)
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewSignerEvent describes a signer key registration change.
func NewSignerEvent(eventType string, controller common.Address, signerID uint32, addr common.Address) *types.Event {
	attrs := baseAttrs(controller)
	attrs["signerId"] = formatID(signerID)
	attrs["address"] = hexAddr(addr)
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewFeedSignerEvent describes a feed signer grant change.
func NewFeedSignerEvent(eventType string, controller common.Address, feedID, signerID uint32) *types.Event {
	attrs := baseAttrs(controller)
	attrs["feedId"] = formatID(feedID)
	attrs["signerId"] = formatID(signerID)
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewLicenseEvent describes a license table change.
func NewLicenseEvent(eventType string, controller common.Address, feedID uint32, license feed.LicenseType, price *big.Int) *types.Event {
	attrs := baseAttrs(controller)
	attrs["feedId"] = formatID(feedID)
	attrs["license"] = license.String()
	if price != nil {
		attrs["price"] = price.String()
	} else {
		attrs["price"] = "0"
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewOracleEvent describes an oracle registration change.
func NewOracleEvent(eventType string, controller, oracle common.Address, license feed.LicenseType) *types.Event {
	attrs := baseAttrs(controller)
	attrs["oracle"] = hexAddr(oracle)
	attrs["license"] = license.String()
	return &types.Event{Type: eventType, Attributes: attrs}
}

func NewPauseEvent(controller common.Address, module string, paused bool) *types.Event {
	attrs := baseAttrs(controller)
	attrs["module"] = module
	attrs["paused"] = strconv.FormatBool(paused)
	return &types.Event{Type: EventTypePauseSet, Attributes: attrs}
}

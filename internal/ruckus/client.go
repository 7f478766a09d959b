package ruckus

import (
	"context"
)

// Client is the upstream controller surface the workflow phases depend on.
// Long-running operations return an activity ID; callers discover the
// outcome by polling Activities. Implementations must be safe for
// concurrent use.
type Client interface {
	// Inventory
	ListAPs(ctx context.Context, venueID string) ([]AP, error)

	// AP groups
	ListAPGroups(ctx context.Context, venueID string) ([]APGroup, error)
	CreateAPGroup(ctx context.Context, venueID, name string) (*APGroup, error)
	DeleteAPGroup(ctx context.Context, venueID, groupID string) error
	AssignAP(ctx context.Context, venueID, groupID, serial string) (activityID string, err error)

	// Wifi networks
	ListNetworks(ctx context.Context, venueID string) ([]WifiNetwork, error)
	CreateNetwork(ctx context.Context, venueID string, req CreateNetworkRequest) (*WifiNetwork, error)
	DeleteNetwork(ctx context.Context, venueID, networkID string) error
	// ActivateNetwork binds an SSID onto an AP group; asynchronous upstream.
	ActivateNetwork(ctx context.Context, venueID, networkID, groupID string) (activityID string, err error)

	// DPSK pools
	ListDpskPools(ctx context.Context, venueID string) ([]DpskPool, error)
	CreateDpskPool(ctx context.Context, venueID, name, networkID string) (*DpskPool, error)
	CreateDpskPassphrase(ctx context.Context, poolID string, p DpskPassphrase) (*DpskPassphrase, error)

	// VLAN
	SetAPGroupVLAN(ctx context.Context, venueID, groupID string, vlanID int) error

	// Activities returns the status of the given activity IDs in one
	// request where the upstream supports batching.
	Activities(ctx context.Context, ids []string) ([]ActivityStatus, error)
}

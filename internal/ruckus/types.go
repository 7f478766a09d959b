// Package ruckus defines the upstream cloud controller interface used by
// workflow phases, a retrying HTTP implementation, and an in-memory fake
// for tests and dev mode. The engine treats upstream resource IDs as
// references; the controller owns their lifecycle.
package ruckus

// ActivityState is the upstream state of a long-running operation.
type ActivityState string

const (
	ActivityInProgress ActivityState = "INPROGRESS"
	ActivitySuccess    ActivityState = "SUCCESS"
	ActivityFail       ActivityState = "FAIL"
)

// Terminal reports whether the activity has finished upstream.
func (s ActivityState) Terminal() bool {
	return s == ActivitySuccess || s == ActivityFail
}

// ActivityStatus is the polled status of one upstream activity.
type ActivityStatus struct {
	ID    string         `json:"id"`
	State ActivityState  `json:"state"`
	Error string         `json:"error,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// AP is one access point in the venue inventory.
type AP struct {
	Serial    string `json:"serial"`
	Name      string `json:"name,omitempty"`
	Model     string `json:"model,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`
}

// APGroup is a logical grouping of access points.
type APGroup struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	VenueID string `json:"venue_id"`
}

// WifiNetwork is an SSID definition.
type WifiNetwork struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SSID       string `json:"ssid"`
	Type       string `json:"type,omitempty"` // psk, dpsk, open
	VLANID     int    `json:"vlan_id,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// DpskPool is a dynamic-PSK credential pool attached to a network.
type DpskPool struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	NetworkID string `json:"network_id"`
}

// DpskPassphrase is one credential inside a pool.
type DpskPassphrase struct {
	ID         string `json:"id"`
	PoolID     string `json:"pool_id"`
	Username   string `json:"username"`
	Passphrase string `json:"passphrase"`
	VLANID     int    `json:"vlan_id,omitempty"`
}

// CreateNetworkRequest is the payload for creating an SSID.
type CreateNetworkRequest struct {
	Name       string `json:"name"`
	SSID       string `json:"ssid"`
	Type       string `json:"type,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	VLANID     int    `json:"vlan_id,omitempty"`
}

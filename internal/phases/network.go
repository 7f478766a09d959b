package phases

import (
	"context"
	"fmt"

	"github.com/wifientist/rtools2-sub001/internal/job"
	"github.com/wifientist/rtools2-sub001/internal/phase"
	"github.com/wifientist/rtools2-sub001/internal/ruckus"
)

// createWifiNetwork creates the unit's PSK SSID, or reuses an existing
// network whose name and SSID match the plan.
type createWifiNetwork struct{}

func (x *createWifiNetwork) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, error) {
	if id := in.String("network_id"); id != "" {
		return phase.Outputs{"network_id": id}, nil
	}
	name := in.String("network_name")
	ssid := in.String("ssid")
	if name == "" || ssid == "" {
		return nil, phase.Errorf(phase.KindInput, false, "network_name and ssid are required")
	}
	vlan, err := parseVLAN(in["default_vlan"])
	if err != nil {
		return nil, phase.Errorf(phase.KindInput, false, "%v", err)
	}

	req := ruckus.CreateNetworkRequest{
		Name:       name,
		SSID:       ssid,
		Type:       "psk",
		Passphrase: in.String("ssid_password"),
		VLANID:     vlan,
	}
	n, err := pc.Client.CreateNetwork(ctx, pc.VenueID, req)
	if ruckus.IsConflict(err) {
		existing, lookupErr := x.findByName(ctx, pc, name)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing == nil || existing.SSID != ssid {
			return nil, phase.Errorf(phase.KindConflict, false,
				"network %q exists with a different SSID", name)
		}
		return phase.Outputs{"network_id": existing.ID}, nil
	}
	if err != nil {
		return nil, phase.FromUpstream(fmt.Errorf("create network %q: %w", name, err))
	}

	if err := pc.TrackResource(ctx, "wifi_networks", job.CreatedResource{
		ID: n.ID, Name: name, Data: map[string]any{"ssid": ssid},
	}); err != nil {
		pc.Logger.Warn("track wifi network", "name", name, "error", err)
	}
	pc.Emit(fmt.Sprintf("created network %q (ssid %q)", name, ssid), "info", nil)
	return phase.Outputs{"network_id": n.ID}, nil
}

func (x *createWifiNetwork) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (*phase.Validation, error) {
	name := in.String("network_name")
	ssid := in.String("ssid")
	if name == "" || ssid == "" {
		return &phase.Validation{Errors: []string{"network_name and ssid are required"}}, nil
	}
	existing, err := x.findByName(ctx, pc, name)
	if err != nil {
		return nil, err
	}
	v := &phase.Validation{Valid: true}
	switch {
	case existing == nil:
		v.WillCreate = true
		v.EstimatedAPICalls = 1
		v.Actions = []phase.Action{{ResourceType: "wifi_network", Name: name, Action: "create"}}
	case existing.SSID == ssid:
		v.WillReuse = true
		v.ExistingResourceID = existing.ID
		v.Actions = []phase.Action{{ResourceType: "wifi_network", Name: name, Action: "reuse", ExistingID: existing.ID}}
	default:
		v.Valid = false
		v.Errors = []string{fmt.Sprintf("network %q exists with SSID %q", name, existing.SSID)}
	}
	return v, nil
}

func (x *createWifiNetwork) findByName(ctx context.Context, pc *phase.Context, name string) (*ruckus.WifiNetwork, error) {
	networks, err := pc.Client.ListNetworks(ctx, pc.VenueID)
	if err != nil {
		return nil, phase.FromUpstream(fmt.Errorf("list networks: %w", err))
	}
	for _, n := range networks {
		if n.Name == name {
			return &n, nil
		}
	}
	return nil, nil
}

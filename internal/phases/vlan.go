package phases

import (
	"context"
	"fmt"

	"github.com/wifientist/rtools2-sub001/internal/phase"
)

// applyVLAN sets the unit's default VLAN on its AP group. Units without a
// VLAN pass through without an upstream call.
type applyVLAN struct{}

func (x *applyVLAN) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, error) {
	vlan, err := parseVLAN(in["default_vlan"])
	if err != nil {
		return nil, phase.Errorf(phase.KindInput, false, "%v", err)
	}
	if vlan == 0 {
		return phase.Outputs{"vlan_applied": false}, nil
	}
	groupID := in.String("ap_group_id")
	if groupID == "" {
		return nil, phase.Errorf(phase.KindInput, false, "ap_group_id is required")
	}

	if err := pc.Client.SetAPGroupVLAN(ctx, pc.VenueID, groupID, vlan); err != nil {
		return nil, phase.FromUpstream(fmt.Errorf("set vlan %d: %w", vlan, err))
	}
	pc.Emit(fmt.Sprintf("applied VLAN %d", vlan), "info", nil)
	return phase.Outputs{"vlan_applied": true, "vlan_id": vlan}, nil
}

func (x *applyVLAN) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (*phase.Validation, error) {
	vlan, err := parseVLAN(in["default_vlan"])
	if err != nil {
		return &phase.Validation{Errors: []string{err.Error()}}, nil
	}
	v := &phase.Validation{Valid: true}
	if vlan > 0 {
		v.EstimatedAPICalls = 1
	}
	return v, nil
}

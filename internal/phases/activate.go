package phases

import (
	"context"
	"fmt"

	"github.com/wifientist/rtools2-sub001/internal/phase"
)

// activateNetwork binds the unit's SSID onto its AP group. The upstream
// operation is asynchronous; the phase waits for the activity to terminate.
// The scheduler holds an activation slot for the unit from this phase until
// the paired release phase.
type activateNetwork struct{}

func (x *activateNetwork) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, error) {
	networkID := in.String("network_id")
	groupID := in.String("ap_group_id")
	if networkID == "" || groupID == "" {
		return nil, phase.Errorf(phase.KindInput, false, "network_id and ap_group_id are required")
	}

	activityID, err := pc.Client.ActivateNetwork(ctx, pc.VenueID, networkID, groupID)
	if err != nil {
		return nil, phase.FromUpstream(fmt.Errorf("activate network: %w", err))
	}
	if err := pc.AwaitActivity(ctx, activityID, "activate network"); err != nil {
		return nil, err
	}

	pc.Emit("network activated on AP group", "info", nil)
	return phase.Outputs{"network_activated": true}, nil
}

func (x *activateNetwork) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (*phase.Validation, error) {
	return &phase.Validation{Valid: true, WillCreate: true, EstimatedAPICalls: 1}, nil
}

package phases

import (
	"context"
	"fmt"
	"strings"

	"github.com/wifientist/rtools2-sub001/internal/phase"
)

// assignAPs moves the unit's APs into its AP group. Identifiers are matched
// against the venue inventory prefetched by Phase 0 (serial or name);
// unmatched identifiers fail the phase before any upstream mutation. The
// per-AP moves fan out through the bounded parallel map.
type assignAPs struct{}

func (x *assignAPs) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, error) {
	groupID := in.String("ap_group_id")
	if groupID == "" {
		return nil, phase.Errorf(phase.KindInput, false, "ap_group_id is required")
	}
	identifiers := in.StringSlice("ap_identifiers")
	if len(identifiers) == 0 {
		return phase.Outputs{"assigned_aps": []string{}}, nil
	}

	serialByKey := make(map[string]string)
	for _, ap := range decodeAPs(in["venue_aps"]) {
		serialByKey[ap.Serial] = ap.Serial
		if ap.Name != "" {
			serialByKey[ap.Name] = ap.Serial
		}
	}

	var serials, missing []string
	for _, id := range identifiers {
		serial, ok := serialByKey[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		serials = append(serials, serial)
	}
	if len(missing) > 0 {
		return nil, phase.Errorf(phase.KindInput, false,
			"APs not found in venue: %s", strings.Join(missing, ", "))
	}

	result := phase.ParallelMap(ctx, pc, serials, func(ctx context.Context, serial string) error {
		activityID, err := pc.Client.AssignAP(ctx, pc.VenueID, groupID, serial)
		if err != nil {
			return err
		}
		return pc.AwaitActivity(ctx, activityID, "assign ap "+serial)
	}, phase.MapOptions{ItemName: "ap", EmitProgress: true})

	if len(result.Failed) > 0 {
		parts := make([]string, len(result.Failed))
		for i, f := range result.Failed {
			parts[i] = fmt.Sprintf("%s: %s", f.Item, f.Error)
		}
		return nil, phase.Errorf(phase.KindUpstream, false,
			"%d of %d AP assignments failed: %s", len(result.Failed), len(serials), strings.Join(parts, "; "))
	}

	pc.Emit(fmt.Sprintf("assigned %d APs", len(result.Succeeded)), "info", nil)
	return phase.Outputs{"assigned_aps": result.Succeeded}, nil
}

func (x *assignAPs) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (*phase.Validation, error) {
	identifiers := in.StringSlice("ap_identifiers")
	return &phase.Validation{Valid: true, EstimatedAPICalls: len(identifiers)}, nil
}

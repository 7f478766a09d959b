package phases

import (
	"context"
	"fmt"

	"github.com/wifientist/rtools2-sub001/internal/job"
	"github.com/wifientist/rtools2-sub001/internal/phase"
	"github.com/wifientist/rtools2-sub001/internal/ruckus"
)

// createAPGroup creates the unit's AP group, or reuses an existing group
// with the planned name. A resolved ap_group_id from a prior run or from
// Phase 0 short-circuits without any upstream call.
type createAPGroup struct{}

func (x *createAPGroup) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, error) {
	if id := in.String("ap_group_id"); id != "" {
		return phase.Outputs{"ap_group_id": id}, nil
	}
	name := in.String("ap_group_name")
	if name == "" {
		return nil, phase.Errorf(phase.KindInput, false, "ap_group_name is required")
	}

	g, err := pc.Client.CreateAPGroup(ctx, pc.VenueID, name)
	if ruckus.IsConflict(err) {
		// Lost a race or recovering from a crash after the create landed.
		existing, lookupErr := x.findByName(ctx, pc, name)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return phase.Outputs{"ap_group_id": existing.ID}, nil
	}
	if err != nil {
		return nil, phase.FromUpstream(fmt.Errorf("create ap group %q: %w", name, err))
	}

	if err := pc.TrackResource(ctx, "ap_groups", job.CreatedResource{ID: g.ID, Name: name}); err != nil {
		pc.Logger.Warn("track ap group", "name", name, "error", err)
	}
	pc.Emit(fmt.Sprintf("created AP group %q", name), "info", nil)
	return phase.Outputs{"ap_group_id": g.ID}, nil
}

func (x *createAPGroup) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (*phase.Validation, error) {
	name := in.String("ap_group_name")
	if name == "" {
		return &phase.Validation{Errors: []string{"ap_group_name is required"}}, nil
	}
	existing, err := x.findByName(ctx, pc, name)
	if err != nil {
		return nil, err
	}
	v := &phase.Validation{Valid: true}
	if existing != nil {
		v.WillReuse = true
		v.ExistingResourceID = existing.ID
		v.Actions = []phase.Action{{ResourceType: "ap_group", Name: name, Action: "reuse", ExistingID: existing.ID}}
	} else {
		v.WillCreate = true
		v.EstimatedAPICalls = 1
		v.Actions = []phase.Action{{ResourceType: "ap_group", Name: name, Action: "create"}}
	}
	return v, nil
}

func (x *createAPGroup) findByName(ctx context.Context, pc *phase.Context, name string) (*ruckus.APGroup, error) {
	groups, err := pc.Client.ListAPGroups(ctx, pc.VenueID)
	if err != nil {
		return nil, phase.FromUpstream(fmt.Errorf("list ap groups: %w", err))
	}
	for _, g := range groups {
		if g.Name == name {
			return &g, nil
		}
	}
	return nil, nil
}

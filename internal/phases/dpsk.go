package phases

import (
	"context"
	"fmt"

	"github.com/wifientist/rtools2-sub001/internal/job"
	"github.com/wifientist/rtools2-sub001/internal/phase"
	"github.com/wifientist/rtools2-sub001/internal/ruckus"
)

// createDpskPool creates the unit's DPSK pool on its network and seeds it
// with the unit credential.
type createDpskPool struct{}

func (x *createDpskPool) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, error) {
	networkID := in.String("network_id")
	if networkID == "" {
		return nil, phase.Errorf(phase.KindInput, false, "network_id is required")
	}
	name := in.String("dpsk_pool_name")
	if name == "" {
		name = in.String("ssid") + "-dpsk"
	}

	poolID := in.String("dpsk_pool_id")
	if poolID == "" {
		p, err := pc.Client.CreateDpskPool(ctx, pc.VenueID, name, networkID)
		if ruckus.IsConflict(err) {
			existing, lookupErr := x.findByName(ctx, pc, name)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if existing == nil {
				return nil, phase.Errorf(phase.KindConflict, false, "dpsk pool %q exists but was not found", name)
			}
			poolID = existing.ID
		} else if err != nil {
			return nil, phase.FromUpstream(fmt.Errorf("create dpsk pool %q: %w", name, err))
		} else {
			poolID = p.ID
			if err := pc.TrackResource(ctx, "dpsk_pools", job.CreatedResource{ID: p.ID, Name: name}); err != nil {
				pc.Logger.Warn("track dpsk pool", "name", name, "error", err)
			}
		}
	}

	vlan, err := parseVLAN(in["default_vlan"])
	if err != nil {
		return nil, phase.Errorf(phase.KindInput, false, "%v", err)
	}
	cred := ruckus.DpskPassphrase{
		Username:   pc.UnitNumber,
		Passphrase: in.String("ssid_password"),
		VLANID:     vlan,
	}
	if _, err := pc.Client.CreateDpskPassphrase(ctx, poolID, cred); err != nil && !ruckus.IsConflict(err) {
		return nil, phase.FromUpstream(fmt.Errorf("create dpsk passphrase: %w", err))
	}

	pc.Emit(fmt.Sprintf("dpsk pool %q ready", name), "info", nil)
	return phase.Outputs{"dpsk_pool_id": poolID}, nil
}

func (x *createDpskPool) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (*phase.Validation, error) {
	name := in.String("dpsk_pool_name")
	if name == "" {
		return &phase.Validation{Errors: []string{"dpsk_pool_name is required"}}, nil
	}
	existing, err := x.findByName(ctx, pc, name)
	if err != nil {
		return nil, err
	}
	v := &phase.Validation{Valid: true, EstimatedAPICalls: 1}
	if existing != nil {
		v.WillReuse = true
		v.ExistingResourceID = existing.ID
	} else {
		v.WillCreate = true
		v.EstimatedAPICalls = 2
	}
	return v, nil
}

func (x *createDpskPool) findByName(ctx context.Context, pc *phase.Context, name string) (*ruckus.DpskPool, error) {
	pools, err := pc.Client.ListDpskPools(ctx, pc.VenueID)
	if err != nil {
		return nil, phase.FromUpstream(fmt.Errorf("list dpsk pools: %w", err))
	}
	for _, p := range pools {
		if p.Name == name {
			return &p, nil
		}
	}
	return nil, nil
}

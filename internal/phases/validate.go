package phases

import (
	"context"
	"fmt"

	"github.com/wifientist/rtools2-sub001/internal/job"
	"github.com/wifientist/rtools2-sub001/internal/phase"
	"github.com/wifientist/rtools2-sub001/internal/ruckus"
)

// validatePlan is the per_unit_psk Phase 0. It fetches the venue inventory
// once (APs, AP groups, networks, DPSK pools), builds the unit mappings,
// classifies every planned resource as create or reuse, surfaces conflicts,
// and estimates the upstream call budget. It never mutates upstream state.
type validatePlan struct{}

func (x *validatePlan) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, error) {
	aps, err := pc.Client.ListAPs(ctx, pc.VenueID)
	if err != nil {
		return nil, phase.FromUpstream(fmt.Errorf("list aps: %w", err))
	}
	groups, err := pc.Client.ListAPGroups(ctx, pc.VenueID)
	if err != nil {
		return nil, phase.FromUpstream(fmt.Errorf("list ap groups: %w", err))
	}
	networks, err := pc.Client.ListNetworks(ctx, pc.VenueID)
	if err != nil {
		return nil, phase.FromUpstream(fmt.Errorf("list networks: %w", err))
	}
	pools, err := pc.Client.ListDpskPools(ctx, pc.VenueID)
	if err != nil {
		return nil, phase.FromUpstream(fmt.Errorf("list dpsk pools: %w", err))
	}

	groupByName := make(map[string]ruckus.APGroup, len(groups))
	for _, g := range groups {
		groupByName[g.Name] = g
	}
	networkByName := make(map[string]ruckus.WifiNetwork, len(networks))
	for _, n := range networks {
		networkByName[n.Name] = n
	}
	poolByName := make(map[string]ruckus.DpskPool, len(pools))
	for _, p := range pools {
		poolByName[p.Name] = p
	}
	apIndex := make(map[string]bool, len(aps)*2)
	for _, ap := range aps {
		apIndex[ap.Serial] = true
		if ap.Name != "" {
			apIndex[ap.Name] = true
		}
	}

	inputData, _ := in["input_data"].(map[string]any)
	options, _ := in["options"].(map[string]any)
	rawUnits, _ := inputData["units"].([]any)
	skipDpsk := optionSet(options, "skip_dpsk")

	result := &job.ValidationResult{
		Valid:  true,
		Counts: make(map[string]int),
	}
	units := make(map[string]*job.UnitMapping, len(rawUnits))
	seenNumbers := make(map[string]bool, len(rawUnits))
	totalCalls := 4 // the inventory reads above

	for i, raw := range rawUnits {
		cfg, ok := raw.(map[string]any)
		if !ok {
			result.Conflicts = append(result.Conflicts, job.ConflictDetail{
				ResourceType: "unit",
				ResourceName: fmt.Sprintf("index %d", i),
				Description:  "unit entry is not an object",
				Severity:     "error",
			})
			continue
		}
		number := strField(cfg, "unit_number")
		ssidName := strField(cfg, "ssid_name")
		unitRef := number
		if unitRef == "" {
			unitRef = fmt.Sprintf("index %d", i)
		}
		if number == "" || ssidName == "" {
			result.Conflicts = append(result.Conflicts, job.ConflictDetail{
				ResourceType: "unit",
				ResourceName: unitRef,
				Description:  "unit_number and ssid_name are required",
				Severity:     "error",
			})
			continue
		}
		if seenNumbers[number] {
			result.Conflicts = append(result.Conflicts, job.ConflictDetail{
				ResourceType: "unit",
				ResourceName: number,
				Description:  fmt.Sprintf("duplicate unit_number %q", number),
				Severity:     "error",
			})
			continue
		}
		seenNumbers[number] = true
		unitID := "unit-" + number

		if len(strField(cfg, "ssid_password")) < 8 {
			result.Conflicts = append(result.Conflicts, job.ConflictDetail{
				UnitID:       unitID,
				ResourceType: "wifi_network",
				ResourceName: ssidName,
				Description:  "ssid_password must be at least 8 characters",
				Severity:     "error",
			})
		}
		vlan, vlanErr := parseVLAN(cfg["default_vlan"])
		if vlanErr != nil {
			result.Conflicts = append(result.Conflicts, job.ConflictDetail{
				UnitID:       unitID,
				ResourceType: "vlan",
				ResourceName: fmt.Sprint(cfg["default_vlan"]),
				Description:  vlanErr.Error(),
				Severity:     "error",
			})
		}

		plan := map[string]any{
			"ap_group_name":  number,
			"network_name":   ssidName,
			"ssid":           ssidName,
			"dpsk_pool_name": ssidName + "-dpsk",
		}
		resolved := make(map[string]any)

		if g, exists := groupByName[number]; exists {
			plan["ap_group_exists"] = true
			resolved["ap_group_id"] = g.ID
			result.Counts["ap_groups_to_reuse"]++
			result.Actions = append(result.Actions, job.ResourceAction{
				ResourceType: "ap_group", Name: number, Action: "reuse", ExistingID: g.ID,
			})
		} else {
			plan["will_create_ap_group"] = true
			result.Counts["ap_groups_to_create"]++
			totalCalls++
			result.Actions = append(result.Actions, job.ResourceAction{
				ResourceType: "ap_group", Name: number, Action: "create",
			})
		}

		if n, exists := networkByName[ssidName]; exists {
			if n.SSID != ssidName {
				result.Conflicts = append(result.Conflicts, job.ConflictDetail{
					UnitID:       unitID,
					ResourceType: "wifi_network",
					ResourceName: ssidName,
					Description: fmt.Sprintf("network %q already exists with a different SSID %q",
						ssidName, n.SSID),
					Severity: "error",
				})
			} else {
				plan["network_exists"] = true
				resolved["network_id"] = n.ID
				result.Counts["networks_to_reuse"]++
				result.Actions = append(result.Actions, job.ResourceAction{
					ResourceType: "wifi_network", Name: ssidName, Action: "reuse", ExistingID: n.ID,
				})
			}
		} else {
			plan["will_create_network"] = true
			result.Counts["networks_to_create"]++
			totalCalls++
			result.Actions = append(result.Actions, job.ResourceAction{
				ResourceType: "wifi_network", Name: ssidName, Action: "create",
			})
		}

		if !skipDpsk {
			poolName := ssidName + "-dpsk"
			if p, exists := poolByName[poolName]; exists {
				plan["dpsk_pool_exists"] = true
				resolved["dpsk_pool_id"] = p.ID
				result.Counts["dpsk_pools_to_reuse"]++
			} else {
				plan["will_create_dpsk_pool"] = true
				result.Counts["dpsk_pools_to_create"]++
				totalCalls += 2 // pool + credential
			}
		}

		identifiers := stringList(cfg, "ap_identifiers")
		for _, id := range identifiers {
			if !apIndex[id] {
				result.Conflicts = append(result.Conflicts, job.ConflictDetail{
					UnitID:       unitID,
					ResourceType: "ap",
					ResourceName: id,
					Description:  fmt.Sprintf("AP %q not found in venue inventory", id),
					Severity:     "warning",
				})
			}
		}
		// activation + per-AP assignment + optional VLAN
		totalCalls += 1 + len(identifiers)
		if vlan > 0 {
			totalCalls++
		}

		units[unitID] = &job.UnitMapping{
			UnitID:      unitID,
			UnitNumber:  number,
			InputConfig: cfg,
			Plan:        plan,
			Resolved:    resolved,
			Status:      job.UnitPending,
		}
	}

	result.Counts["units"] = len(units)
	result.TotalAPICalls = totalCalls
	result.Valid = len(result.BlockingConflicts()) == 0

	pc.Emit(fmt.Sprintf("validated %d units, %d conflicts, ~%d upstream calls",
		len(units), len(result.Conflicts), totalCalls), "info", result.Counts)

	return phase.Outputs{
		"units":             units,
		"validation_result": result,
		"venue_aps":         aps,
	}, nil
}

func (x *validatePlan) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (*phase.Validation, error) {
	return &phase.Validation{Valid: true, EstimatedAPICalls: 4}, nil
}

var _ phase.Executor = (*validatePlan)(nil)

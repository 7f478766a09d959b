// Package phases implements the built-in provisioning workflows and their
// phase executors. Each executor talks to the upstream controller through
// the client on the phase context and is written to be safely re-runnable:
// it re-checks for its resource first and short-circuits when the resource
// already exists.
package phases

import (
	"github.com/wifientist/rtools2-sub001/internal/phase"
	"github.com/wifientist/rtools2-sub001/internal/workflow"
)

// Phase IDs of the per-unit PSK workflow.
const (
	PhaseValidatePlan      = "validate_plan"
	PhaseCreateAPGroup     = "create_ap_group"
	PhaseCreateWifiNetwork = "create_wifi_network"
	PhaseCreateDpskPool    = "create_dpsk_pool"
	PhaseActivateNetwork   = "activate_network"
	PhaseAssignAPs         = "assign_aps"
	PhaseApplyVLAN         = "apply_vlan"
)

// PerUnitPSK is the bulk per-unit provisioning workflow: one AP group, one
// PSK network, and an optional DPSK pool per unit, with the SSID activated
// onto the unit's AP group and the unit's APs moved into it.
var PerUnitPSK = &workflow.Definition{
	Name:                 "per_unit_psk",
	Description:          "Per-unit AP group, PSK SSID, DPSK pool, AP assignment, and VLAN",
	ValidatePhase:        PhaseValidatePlan,
	MaxActivationSlots:   12,
	RequiresConfirmation: true,
	Phases: []workflow.PhaseDefinition{
		{
			ID:       PhaseValidatePlan,
			Name:     "Validate plan",
			PerUnit:  false,
			Critical: true,
			Contract: workflow.Contract{
				Outputs: []workflow.Field{{Name: "venue_aps", Type: "list"}},
			},
			APICallsPerUnit: 0,
		},
		{
			ID:        PhaseCreateAPGroup,
			Name:      "Create AP group",
			DependsOn: []string{PhaseValidatePlan},
			PerUnit:   true,
			Critical:  true,
			Contract: workflow.Contract{
				Inputs:  []workflow.Field{{Name: "ap_group_name", Type: "string"}},
				Outputs: []workflow.Field{{Name: "ap_group_id", Type: "string"}},
			},
			APICallsPerUnit: 1,
		},
		{
			ID:        PhaseCreateWifiNetwork,
			Name:      "Create wifi network",
			DependsOn: []string{PhaseValidatePlan},
			PerUnit:   true,
			Critical:  true,
			Contract: workflow.Contract{
				Inputs: []workflow.Field{
					{Name: "network_name", Type: "string"},
					{Name: "ssid", Type: "string"},
					{Name: "ssid_password", Type: "string"},
				},
				Outputs: []workflow.Field{{Name: "network_id", Type: "string"}},
			},
			APICallsPerUnit: 1,
		},
		{
			ID:        PhaseCreateDpskPool,
			Name:      "Create DPSK pool",
			DependsOn: []string{PhaseCreateWifiNetwork},
			PerUnit:   true,
			SkipIf:    "options.skip_dpsk",
			Contract: workflow.Contract{
				Inputs: []workflow.Field{
					{Name: "dpsk_pool_name", Type: "string"},
					{Name: "network_id", Type: "string"},
				},
				Outputs: []workflow.Field{{Name: "dpsk_pool_id", Type: "string"}},
			},
			APICallsPerUnit: 2,
		},
		{
			ID:             PhaseActivateNetwork,
			Name:           "Activate network on AP group",
			DependsOn:      []string{PhaseCreateAPGroup, PhaseCreateWifiNetwork},
			PerUnit:        true,
			Critical:       true,
			ActivationSlot: workflow.SlotAcquire,
			Contract: workflow.Contract{
				Inputs: []workflow.Field{
					{Name: "network_id", Type: "string"},
					{Name: "ap_group_id", Type: "string"},
				},
			},
			APICallsPerUnit: 1,
		},
		{
			ID:             PhaseAssignAPs,
			Name:           "Assign APs to group",
			DependsOn:      []string{PhaseActivateNetwork},
			PerUnit:        true,
			ActivationSlot: workflow.SlotRelease,
			Contract: workflow.Contract{
				Inputs: []workflow.Field{
					{Name: "ap_identifiers", Type: "list"},
					{Name: "ap_group_id", Type: "string"},
				},
				Outputs: []workflow.Field{{Name: "assigned_aps", Type: "list"}},
			},
			APICallsPerUnit: workflow.APICallsDynamic,
		},
		{
			ID:        PhaseApplyVLAN,
			Name:      "Apply VLAN",
			DependsOn: []string{PhaseCreateAPGroup, PhaseAssignAPs},
			PerUnit:   true,
			SkipIf:    "options.skip_vlan",
			Contract: workflow.Contract{
				Inputs: []workflow.Field{
					{Name: "default_vlan", Type: "string"},
					{Name: "ap_group_id", Type: "string"},
				},
			},
			APICallsPerUnit: 1,
		},
	},
}

// RegisterAll wires the built-in workflows and executors into the given
// registries. Called once at startup.
func RegisterAll(workflows *workflow.Registry, executors *phase.Registry) {
	workflows.Register(PerUnitPSK)
	executors.Register(PhaseValidatePlan, &validatePlan{})
	executors.Register(PhaseCreateAPGroup, &createAPGroup{})
	executors.Register(PhaseCreateWifiNetwork, &createWifiNetwork{})
	executors.Register(PhaseCreateDpskPool, &createDpskPool{})
	executors.Register(PhaseActivateNetwork, &activateNetwork{})
	executors.Register(PhaseAssignAPs, &assignAPs{})
	executors.Register(PhaseApplyVLAN, &applyVLAN{})
}

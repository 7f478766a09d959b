package phases

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/wifientist/rtools2-sub001/internal/events"
	"github.com/wifientist/rtools2-sub001/internal/job"
	"github.com/wifientist/rtools2-sub001/internal/phase"
	"github.com/wifientist/rtools2-sub001/internal/ruckus"
)

func testPhaseContext(fake *ruckus.Fake, phaseID string) *phase.Context {
	return &phase.Context{
		JobID:     "job-1",
		VenueID:   "venue-1",
		PhaseID:   phaseID,
		Client:    fake,
		Publisher: events.NewMemoryPublisher(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func unitConfig(number, ssid string) map[string]any {
	return map[string]any{
		"unit_number":   number,
		"ssid_name":     ssid,
		"ssid_password": "longenough",
	}
}

func runValidate(t *testing.T, fake *ruckus.Fake, options map[string]any, units ...map[string]any) (map[string]*job.UnitMapping, *job.ValidationResult) {
	t.Helper()
	raw := make([]any, len(units))
	for i, u := range units {
		raw[i] = u
	}
	out, err := (&validatePlan{}).Execute(context.Background(), testPhaseContext(fake, "validate_plan"), phase.Inputs{
		"options":    options,
		"input_data": map[string]any{"units": raw},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	mapped, ok := out["units"].(map[string]*job.UnitMapping)
	if !ok {
		t.Fatalf("units output has type %T", out["units"])
	}
	result, ok := out["validation_result"].(*job.ValidationResult)
	if !ok {
		t.Fatalf("validation_result output has type %T", out["validation_result"])
	}
	return mapped, result
}

func TestValidatePlan_ClassifiesCreateAndReuse(t *testing.T) {
	t.Parallel()

	fake := ruckus.NewFake()
	fake.SeedAPGroup("venue-1", ruckus.APGroup{ID: "grp-101", Name: "101"})
	fake.SeedNetwork("venue-1", ruckus.WifiNetwork{ID: "net-101", Name: "Unit101", SSID: "Unit101"})

	units, result := runValidate(t, fake, nil,
		unitConfig("101", "Unit101"),
		unitConfig("102", "Unit102"),
	)

	if !result.Valid {
		t.Fatalf("plan should be valid, conflicts: %+v", result.Conflicts)
	}
	if len(units) != 2 {
		t.Fatalf("mapped %d units, want 2", len(units))
	}

	wantCounts := map[string]int{
		"ap_groups_to_reuse":   1,
		"ap_groups_to_create":  1,
		"networks_to_reuse":    1,
		"networks_to_create":   1,
		"dpsk_pools_to_create": 2,
		"units":                2,
	}
	for k, want := range wantCounts {
		if result.Counts[k] != want {
			t.Errorf("Counts[%q] = %d, want %d", k, result.Counts[k], want)
		}
	}

	reused := units["unit-101"]
	if reused.Resolved["ap_group_id"] != "grp-101" || reused.Resolved["network_id"] != "net-101" {
		t.Errorf("unit-101 resolved = %v, want pre-seeded IDs", reused.Resolved)
	}
	fresh := units["unit-102"]
	if fresh.Plan["will_create_ap_group"] != true || fresh.Plan["will_create_network"] != true {
		t.Errorf("unit-102 plan = %v", fresh.Plan)
	}
	if result.TotalAPICalls == 0 {
		t.Error("TotalAPICalls should be estimated")
	}
}

func TestValidatePlan_SSIDMismatchBlocks(t *testing.T) {
	t.Parallel()

	fake := ruckus.NewFake()
	fake.SeedNetwork("venue-1", ruckus.WifiNetwork{Name: "Unit101", SSID: "SomethingElse"})

	_, result := runValidate(t, fake, nil, unitConfig("101", "Unit101"))

	if result.Valid {
		t.Fatal("SSID mismatch must invalidate the plan")
	}
	blocking := result.BlockingConflicts()
	if len(blocking) != 1 || blocking[0].ResourceType != "wifi_network" {
		t.Errorf("blocking conflicts = %+v", blocking)
	}
}

func TestValidatePlan_MissingAPIsWarning(t *testing.T) {
	t.Parallel()

	fake := ruckus.NewFake()
	fake.SeedAPs("venue-1", ruckus.AP{Serial: "SN-1", Name: "Lobby"})

	cfg := unitConfig("101", "Unit101")
	cfg["ap_identifiers"] = []any{"SN-1", "SN-ghost"}
	_, result := runValidate(t, fake, nil, cfg)

	if !result.Valid {
		t.Fatal("a missing AP is a warning, not a blocker")
	}
	var found bool
	for _, c := range result.Conflicts {
		if c.ResourceType == "ap" && c.ResourceName == "SN-ghost" && c.Severity == "warning" {
			found = true
		}
	}
	if !found {
		t.Errorf("no warning for the unknown AP, conflicts: %+v", result.Conflicts)
	}
}

func TestValidatePlan_RejectsBadUnits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"short password", func(cfg map[string]any) { cfg["ssid_password"] = "short" }},
		{"missing ssid_name", func(cfg map[string]any) { delete(cfg, "ssid_name") }},
		{"vlan out of range", func(cfg map[string]any) { cfg["default_vlan"] = float64(5000) }},
		{"vlan not a number", func(cfg map[string]any) { cfg["default_vlan"] = "abc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := unitConfig("101", "Unit101")
			tt.mutate(cfg)
			_, result := runValidate(t, ruckus.NewFake(), nil, cfg)
			if result.Valid {
				t.Errorf("plan accepted, conflicts: %+v", result.Conflicts)
			}
		})
	}
}

func TestValidatePlan_DuplicateUnitNumber(t *testing.T) {
	t.Parallel()

	units, result := runValidate(t, ruckus.NewFake(), nil,
		unitConfig("101", "Unit101"),
		unitConfig("101", "Unit101-again"),
	)

	if result.Valid {
		t.Fatal("duplicate unit_number must block")
	}
	if len(units) != 1 {
		t.Errorf("mapped %d units, want the first occurrence only", len(units))
	}
}

func TestValidatePlan_SkipDpskOption(t *testing.T) {
	t.Parallel()

	_, result := runValidate(t, ruckus.NewFake(),
		map[string]any{"skip_dpsk": true},
		unitConfig("101", "Unit101"),
	)

	if result.Counts["dpsk_pools_to_create"] != 0 || result.Counts["dpsk_pools_to_reuse"] != 0 {
		t.Errorf("dpsk counted despite skip_dpsk: %v", result.Counts)
	}
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wifientist/rtools2-sub001/internal/phase"
	"github.com/wifientist/rtools2-sub001/internal/phases"
	"github.com/wifientist/rtools2-sub001/internal/workflow"
)

// newWorkflowsCmd lists the registered workflows and their phases.
func newWorkflowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List registered workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			workflows := workflow.Default()
			phases.RegisterAll(workflows, phase.DefaultRegistry())

			for _, name := range workflows.Names() {
				def, err := workflows.Get(name)
				if err != nil {
					return err
				}
				fmt.Printf("%s\n", def.Name)
				if def.Description != "" {
					fmt.Printf("  %s\n", def.Description)
				}
				fmt.Printf("  validate phase: %s  activation slots: %d  confirmation: %v\n",
					def.ValidatePhase, def.MaxActivationSlots, def.RequiresConfirmation)
				for _, p := range def.Phases {
					scope := "global"
					if p.PerUnit {
						scope = "per-unit"
					}
					fmt.Printf("    %-22s %-8s deps=%v\n", p.ID, scope, p.DependsOn)
				}
			}
			return nil
		},
	}
}

package commands

import (
	"fmt"

	"github.com/openfroyo/guestinit/pkg/goalstate"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newGoalStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "goalstate",
		Short: "Talk to the hypervisor goal state endpoint",
	}
	cmd.AddCommand(newGoalStateShowCommand())
	cmd.AddCommand(newGoalStateReportCommand())
	return cmd
}

func newGoalStateClient() (*goalstate.Client, error) {
	transport, err := newTransport(log.Logger)
	if err != nil {
		return nil, err
	}
	return goalstate.NewClient(transport, cfg.GoalStateConfig(), log.Logger), nil
}

func printGoalState(gs *goalstate.GoalState) error {
	if jsonOutput {
		return printJSON(gs)
	}
	fmt.Printf("Incarnation: %s\n", gs.Incarnation)
	fmt.Printf("Container:   %s\n", gs.ContainerID)
	fmt.Printf("Instance:    %s\n", gs.InstanceID)
	return nil
}

func newGoalStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Fetch and print the current goal state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newGoalStateClient()
			if err != nil {
				return err
			}
			gs, err := client.GetGoalState(cmd.Context())
			if err != nil {
				return err
			}
			return printGoalState(gs)
		},
	}
}

func newGoalStateReportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Report the instance ready for the current goal state",
		Long: `Fetch the current goal state and post a Ready health report for it.

This repeats the final step of provisioning on its own, for example when a
run failed only at the report.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newGoalStateClient()
			if err != nil {
				return err
			}
			gs, err := client.GetGoalState(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.ReportHealth(cmd.Context(), gs); err != nil {
				return err
			}
			log.Info().Str("incarnation", gs.Incarnation).Msg("Reported ready")
			return printGoalState(gs)
		},
	}
}

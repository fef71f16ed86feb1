package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/backkem/trustagent/pkg/trust"
)

func unlockCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Unlock an agent this companion is enrolled with",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := state.FindEnrollment(agent)
			if err != nil {
				return err
			}
			enr, err := rec.Enrollment()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			central, _, err := dial(ctx, trust.DefaultUnlockService.Service)
			if err != nil {
				return err
			}
			client, err := newClient(central)
			if err != nil {
				return err
			}
			if err := client.Unlock(ctx, enr); err != nil {
				return err
			}
			fmt.Printf("Unlocked agent %s\n", rec.AgentID)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "agent id (default: the only enrollment)")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List enrollments",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := state.Enrollments()
			if err != nil {
				return err
			}
			for _, r := range records {
				fmt.Printf("%s  handle=%d  enrolled=%s\n", r.AgentID, r.Handle, r.EnrolledAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

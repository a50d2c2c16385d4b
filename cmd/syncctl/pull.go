package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPullCmd() *cobra.Command {
	var userID, dataDir string
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Reconcile local state with the remote once",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, engine, err := openEngine(dataDir, userID)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := engine.Reconcile(cmd.Context()); err != nil {
				return fmt.Errorf("pull: %w", err)
			}
			fmt.Println("pull complete")
			return nil
		},
	}
	addCommonFlags(cmd, &userID)
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "engine data directory (default: ~/.config/goal-planner)")
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPushCmd() *cobra.Command {
	var userID, dataDir string
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Compact and push the local outbox once",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, engine, err := openEngine(dataDir, userID)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := engine.Drain(cmd.Context()); err != nil {
				return fmt.Errorf("push: %w", err)
			}
			fmt.Println("push complete")
			return nil
		},
	}
	addCommonFlags(cmd, &userID)
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "engine data directory (default: ~/.config/goal-planner)")
	return cmd
}

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/prabhask5/goal-planner/internal/engineconfig"
	"github.com/prabhask5/goal-planner/internal/outbox"
	"github.com/prabhask5/goal-planner/internal/store"
)

func newStatusCmd() *cobra.Command {
	var dataDir string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pending outbox count and last pull cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := engineconfig.Load(dataDir)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := store.Open(filepath.Join(cfg.DataDir, "local.db"))
			if err != nil {
				return fmt.Errorf("open local store: %w", err)
			}
			defer st.Close()

			ctx := context.Background()
			pending, err := outbox.Count(ctx, st.DB())
			if err != nil {
				return err
			}

			var cursor sql.NullString // NULL until the first pull
			if err := st.DB().QueryRowContext(ctx, `SELECT last_pulled_cursor FROM sync_state WHERE id = 1`).Scan(&cursor); err != nil {
				return fmt.Errorf("read sync state: %w", err)
			}

			if asJSON {
				b, _ := json.Marshal(map[string]any{"pending": pending, "last_pulled_cursor": cursor.String})
				fmt.Println(string(b))
				return nil
			}
			fmt.Printf("pending operations: %d\nlast pulled cursor:  %s\n", pending, cursor.String)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "engine data directory (default: ~/.config/goal-planner)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

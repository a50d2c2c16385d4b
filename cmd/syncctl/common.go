package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/prabhask5/goal-planner/internal/device"
	"github.com/prabhask5/goal-planner/internal/engineconfig"
	"github.com/prabhask5/goal-planner/internal/remoteclient"
	"github.com/prabhask5/goal-planner/internal/store"
	"github.com/prabhask5/goal-planner/internal/syncengine"
	"github.com/prabhask5/goal-planner/internal/syncstatus"
)

func addCommonFlags(cmd *cobra.Command, userID *string) {
	cmd.Flags().StringVar(userID, "user-id", "", "user id to sync (required)")
	_ = cmd.MarkFlagRequired("user-id")
}

func openEngine(dataDir, userID string) (*store.Store, *syncengine.Engine, error) {
	cfg, err := engineconfig.Load(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.RemoteURL == "" {
		return nil, nil, fmt.Errorf("remote_url is not configured")
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "local.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open local store: %w", err)
	}

	id, err := device.Load(cfg.DataDir)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("load device identity: %w", err)
	}

	client := remoteclient.New(cfg.RemoteURL, cfg.APIKey, userID)
	engine := syncengine.New(st, client, id.ID(), syncstatus.New())
	return st, engine, nil
}

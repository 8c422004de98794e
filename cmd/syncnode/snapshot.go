package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xelth-com/eckmesh/internal/database"
	"github.com/xelth-com/eckmesh/internal/sync"
)

func newSnapshotCmd() *cobra.Command {
	var tables []string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Record row counts and checksums of the core tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := openDatabase(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			store := database.NewLoadStore(db)
			loads, err := sync.NewInitialLoadManager(sync.LoadConfig{
				NodeID:     cfg.Node.ID,
				CoreTables: cfg.Node.CoreTables,
				Defaults:   loadOptions(cfg.InitialLoad),
				Source:     database.NewTableStore(db),
				Store:      store,
				Transport:  sync.NewPeerClient(cfg.Node.ID, nil, cfg.InitialLoad.ChunkTimeout),
				Logger:     log,
			})
			if err != nil {
				return err
			}
			defer loads.Close()

			snap, err := loads.CreateDataSnapshot(ctx, tables)
			if err != nil {
				return err
			}
			if err := store.SaveSnapshot(ctx, *snap); err != nil {
				return fmt.Errorf("save snapshot: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
	cmd.Flags().StringSliceVarP(&tables, "tables", "t", nil, "tables to include (default: all core tables)")
	return cmd
}

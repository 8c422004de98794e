package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xelth-com/eckmesh/internal/schema"
)

func newSchemaCmd() *cobra.Command {
	var canonical bool

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Show the local schema version and fingerprint",
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

			src := schemaSource(cfg, db)
			if canonical {
				text, err := src.CanonicalSchema(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), schema.Normalize(text))
				return nil
			}

			versions := schema.NewVersionManager(schema.ManagerConfig{
				NodeID:          cfg.Node.ID,
				Source:          src,
				Ledger:          db,
				VersionOverride: cfg.Schema.VersionOverride,
				Policy:          schema.Policy(cfg.Schema.Policy),
				Logger:          log,
			})
			v, err := versions.Initialize(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Version:   %s\n", v.Version)
			fmt.Fprintf(out, "Hash:      %s\n", v.Hash)
			if v.MigrationName != "" {
				fmt.Fprintf(out, "Migration: %s\n", v.MigrationName)
			}
			fmt.Fprintf(out, "Policy:    %s\n", cfg.Schema.Policy)
			return nil
		},
	}
	cmd.Flags().BoolVar(&canonical, "canonical", false, "print the normalized schema text that is hashed")
	return cmd
}

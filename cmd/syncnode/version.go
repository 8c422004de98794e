package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/xelth-com/eckmesh/internal/buildinfo"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := buildinfo.Get()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "syncnode %s\n", info.Version)
			if info.CommitHash != "" {
				fmt.Fprintf(out, "  commit: %s\n", info.CommitHash)
			}
			if info.BuildTime != "" {
				fmt.Fprintf(out, "  built:  %s\n", info.BuildTime)
			}
			fmt.Fprintf(out, "  go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"bookfetch/internal/config"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bookfetch %s (%s, %s/%s)\n",
				config.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

package main

import (
	"fmt"
	"strings"

	"github.com/aretw0/draftkeeper"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of draftkeeper",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "draftkeeper version %s\n", strings.TrimSpace(draftkeeper.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

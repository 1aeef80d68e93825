package main

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/openmined/syftvolume/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print SyftVolume version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout())(json.Marshal(version.Current()))
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.DetailedWithApp())
			return err
		},
	}
}

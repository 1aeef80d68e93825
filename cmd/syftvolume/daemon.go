package main

import (
	"log/slog"

	"github.com/openmined/syftvolume/internal/version"
	"github.com/spf13/cobra"
)

func newDaemonCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Serve the container: keep the index fresh, push local edits, fetch on demand",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Info("syftvolume", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)
			slog.Info("daemon using config", "path", a.cfg.Path, "container", a.cfg.ContainerID, "root", a.cfg.RootDir, "backend", a.cfg.Backend)

			d, err := a.startDaemon(cmd.Context(), a.cfg.Transfer.Watch)
			if err != nil {
				return err
			}
			defer slog.Info("Bye!")
			defer d.Stop()

			<-cmd.Context().Done()
			return nil
		},
	}
}

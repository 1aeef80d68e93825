package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/openmined/syftvolume/internal/config"
	"github.com/openmined/syftvolume/internal/utils"
	"github.com/openmined/syftvolume/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	red    = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
)

// app is the state shared by the commands of one invocation.
type app struct {
	v        *viper.Viper
	cfg      *config.Config
	jsonOut  bool
	closeLog func()
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "syftvolume",
		Short:         "SyftVolume, a remote backed volume with lazy local copies",
		Version:       version.Detailed(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.closeLog != nil {
				a.closeLog()
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("config", "c", "", "config file (default "+config.DefaultConfigPath+")")
	flags.String("container", "", "container id")
	flags.StringP("root", "r", "", "local replica directory")
	flags.String("backend", "", "blob backend: s3 or memory")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.BoolVar(&a.jsonOut, "json", false, "print results and progress as JSON")

	rootCmd.AddCommand(
		newDaemonCmd(a),
		newLsCmd(a),
		newStatCmd(a),
		newExistsCmd(a),
		newGetCmd(a),
		newPutCmd(a),
		newCatCmd(a),
		newMvCmd(a),
		newCpCmd(a),
		newRmCmd(a),
		newWatchCmd(a),
		newVersionsCmd(a),
		newResolveCmd(a),
		newVersionCmd(a),
	)
	return rootCmd
}

// load binds the global flags, reads the config and installs the logger.
func (a *app) load(cmd *cobra.Command) error {
	flags := cmd.Flags()
	a.v.BindPFlag("container_id", flags.Lookup("container"))
	a.v.BindPFlag("root_dir", flags.Lookup("root"))
	a.v.BindPFlag("backend", flags.Lookup("backend"))
	a.v.BindPFlag("log.level", flags.Lookup("log-level"))

	path, _ := flags.GetString("config")
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "_CONFIG_PATH")
	}

	cfg, err := config.Load(a.v, path)
	if err != nil {
		return err
	}
	if cfg.RootDir, err = utils.ResolvePath(cfg.RootDir); err != nil {
		return fmt.Errorf("root dir: %w", err)
	}
	a.cfg = cfg

	closeLog, err := setupLogging(cfg, cmd.ErrOrStderr(), cmd.Name() == "daemon")
	if err != nil {
		return err
	}
	a.closeLog = closeLog
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		stop()
		os.Exit(exitCode(err))
	}
}

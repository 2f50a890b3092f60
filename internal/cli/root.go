// Package cli implements the ot2ctl command line.
package cli

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"ot2-driver/internal/robot/application"
)

// Execute runs the root command.
func Execute() {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, newStyles(os.Stderr).errorText.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

// NewRootCommand builds the ot2ctl command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ot2ctl",
		Short: "Drive an Opentrons OT-2 over its HTTP API",
		Long: `ot2ctl uploads protocols, starts and watches runs, and issues single
commands against an OT-2 robot server.

Connection settings come from OT2_HOST, OT2_PORT, OT2_RETRIES,
OT2_BACKOFF_FACTOR, OT2_POLL_INTERVAL_S, OT2_PROTOCOL_DIR and the
optional OT2_CONFIG yaml file. Flags override both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.HiddenDefaultCmd = true

	flags := root.PersistentFlags()
	flags.String("host", "", "Robot IP or hostname")
	flags.Int("port", 0, "Robot API port")
	flags.Int("retries", -1, "Retry budget per request")
	flags.Float64("backoff", -1, "Retry backoff factor in seconds")
	flags.Float64("poll", 0, "Run poll interval in seconds")
	flags.String("protocol-dir", "", "Directory searched for named protocols")
	flags.Bool("verbose", false, "Log driver activity to stderr")

	root.AddCommand(
		newDiscoverCmd(),
		newHealthCmd(),
		newLightsCmd(),
		newHomeCmd(),
		newPositionsCmd(),
		newRobotStatusCmd(),
		newResetCmd(),
		newUploadCmd(),
		newRunCmd(),
		newStatusCmd(),
		newActionCmd("pause", "Pause a run"),
		newActionCmd("resume", "Resume a paused run"),
		newActionCmd("stop", "Stop a run"),
		newStreamCmd(),
		newReportCmd(),
	)
	return root
}

// loadConfig merges env, yaml and flag settings.
func loadConfig(cmd *cobra.Command) (application.Config, error) {
	cfg, err := application.LoadConfigUnvalidated()
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if host, _ := flags.GetString("host"); host != "" {
		cfg.IP = host
	}
	if port, _ := flags.GetInt("port"); port > 0 {
		cfg.Port = port
	}
	if retries, _ := flags.GetInt("retries"); retries >= 0 {
		cfg.Retries = retries
	}
	if backoff, _ := flags.GetFloat64("backoff"); backoff >= 0 {
		cfg.BackoffFactor = backoff
	}
	if poll, _ := flags.GetFloat64("poll"); poll > 0 {
		cfg.PollIntervalSeconds = poll
	}
	if dir, _ := flags.GetString("protocol-dir"); dir != "" {
		cfg.ProtocolDir = dir
	}
	return cfg, cfg.Validate()
}

func newDriver(cmd *cobra.Command) (*application.Driver, application.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, cfg, err
	}
	driver, err := application.NewDriverFromConfig(cfg, commandLogger(cmd))
	return driver, cfg, err
}

func commandLogger(cmd *cobra.Command) *log.Logger {
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		return log.New(cmd.ErrOrStderr(), "", log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

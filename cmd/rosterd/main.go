package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mkock/roster"
	"github.com/mkock/roster/internal/config"
	"github.com/mkock/roster/internal/daemon"
	"github.com/mkock/roster/internal/logging"
	"github.com/mkock/roster/internal/program"
)

const defaultConfigPath = "/etc/roster/roster.yaml"

func main() {
	if err := logging.Configure(logging.LevelInfo, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		debug     bool
		logFormat string
	)

	cmd := &cobra.Command{
		Use:           "rosterd",
		Short:         "Supervise a roster of programs in rank order",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level, logFormat)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatText, "Log format (text or json)")
	cmd.AddCommand(runCmd(), checkCmd())
	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			d, err := daemon.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath, "Path to the configuration file")
	return cmd
}

func checkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the phase order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath, "Path to the configuration file")
	return cmd
}

// printPlan writes the phases that start, stop and restart sequences run through.
func printPlan(w io.Writer, cfg *config.Config) error {
	seq := roster.NewSequence()
	for _, pc := range cfg.Programs {
		p, err := program.New(pc)
		if err != nil {
			return err
		}
		seq.Add(p)
	}

	_, err := fmt.Fprintf(w, "%d programs in %d phases\n%s\n", seq.Len(), seq.Phases(), seq)
	return err
}

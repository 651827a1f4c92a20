package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mattjoyce/pwgo-agent/internal/agent"
	"github.com/mattjoyce/pwgo-agent/internal/config"
	"github.com/mattjoyce/pwgo-agent/internal/doctor"
	"github.com/mattjoyce/pwgo-agent/internal/lock"
	"github.com/mattjoyce/pwgo-agent/internal/log"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pwgo-agent",
		Short:         "Automation agent reacting to Piwigo gallery database changes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newAgentCmd(), newConfigCmd(), newVersionCmd())
	return root
}

// agentOptions holds the flags of the agent command.
type agentOptions struct {
	configPath string
	cfg        *config.Config
}

func (o *agentOptions) addFlags(cmd *cobra.Command) {
	d := config.Defaults()
	o.cfg = d
	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "path to config.yaml (or a directory holding it)")
	cmd.Flags().IntVarP(&d.Dispatcher.Workers, "workers", "w", d.Dispatcher.Workers, "number of dispatcher workers")
	cmd.Flags().IntVar(&d.Dispatcher.WorkerErrorLimit, "error-limit", d.Dispatcher.WorkerErrorLimit, "worker faults tolerated before the agent stops")
	cmd.Flags().DurationVar(&d.Dispatcher.Debounce, "debounce", d.Dispatcher.Debounce, "delay before an image task runs, restarted by each related change")
	cmd.Flags().BoolVar(&d.Service.DryRun, "dry-run", d.Service.DryRun, "log intended changes without making them")
	cmd.Flags().StringVar(&d.Service.LogLevel, "log-level", d.Service.LogLevel, "log level (debug|info|warn|error)")
	cmd.Flags().StringVar(&d.Gallery.Host, "db-host", d.Gallery.Host, "gallery MySQL host")
	cmd.Flags().IntVar(&d.Gallery.Port, "db-port", d.Gallery.Port, "gallery MySQL port")
	cmd.Flags().StringVar(&d.Gallery.User, "db-user", d.Gallery.User, "gallery MySQL user")
	cmd.Flags().StringVar(&d.Gallery.Password, "db-password", d.Gallery.Password, "gallery MySQL password")
}

// complete loads the config file and applies the flags that were set on top.
func (o *agentOptions) complete(cmd *cobra.Command) error {
	cfg := config.Defaults()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	var unknown error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "config":
		case "workers":
			cfg.Dispatcher.Workers = o.cfg.Dispatcher.Workers
		case "error-limit":
			cfg.Dispatcher.WorkerErrorLimit = o.cfg.Dispatcher.WorkerErrorLimit
		case "debounce":
			cfg.Dispatcher.Debounce = o.cfg.Dispatcher.Debounce
		case "dry-run":
			cfg.Service.DryRun = o.cfg.Service.DryRun
		case "log-level":
			cfg.Service.LogLevel = o.cfg.Service.LogLevel
		case "db-host":
			cfg.Gallery.Host = o.cfg.Gallery.Host
		case "db-port":
			cfg.Gallery.Port = o.cfg.Gallery.Port
		case "db-user":
			cfg.Gallery.User = o.cfg.Gallery.User
		case "db-password":
			cfg.Gallery.Password = o.cfg.Gallery.Password
		default:
			unknown = fmt.Errorf("unhandled flag %q", f.Name)
		}
	})
	if unknown != nil {
		return unknown
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	o.cfg = cfg
	return nil
}

func (o *agentOptions) run(cmd *cobra.Command) error {
	cfg := o.cfg
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	attrs := []any{"version", version, "commit", gitCommit}
	if o.configPath != "" {
		if fp, err := config.Fingerprint(o.configPath); err == nil {
			attrs = append(attrs, "config", o.configPath, "config_fingerprint", fp)
		}
	}
	if fp, err := config.EffectiveFingerprint(cfg); err == nil {
		attrs = append(attrs, "effective_fingerprint", fp)
	}
	logger.Info("pwgo-agent starting", attrs...)

	pidLock, err := lock.AcquirePIDLock(cfg.LockPath)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			logger.Error("another agent is already running", "path", cfg.LockPath, "error", err)
		}
		return err
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	ctx := cmd.Context()
	a, err := agent.New(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to release agent resources", "error", err)
		}
	}()
	return a.Run(ctx, signals)
}

func newAgentCmd() *cobra.Command {
	o := &agentOptions{}
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the agent until SIGQUIT (drain) or SIGINT/SIGTERM (abort)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := o.complete(cmd); err != nil {
				return err
			}
			return o.run(cmd)
		},
	}
	o.addFlags(cmd)
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect agent configuration",
	}

	var configPath string
	check := &cobra.Command{
		Use:   "check",
		Short: "Validate a config file and print its fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fp, err := config.Fingerprint(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration valid: %s\n", configPath)
			fmt.Fprintf(out, "  source:      %s\n", cfg.Source.Kind)
			fmt.Fprintf(out, "  workers:     %d (error limit %d)\n", cfg.Dispatcher.Workers, cfg.Dispatcher.WorkerErrorLimit)
			fmt.Fprintf(out, "  debounce:    %s\n", cfg.Dispatcher.Debounce.Round(time.Millisecond))
			fmt.Fprintf(out, "  dry run:     %t\n", cfg.Service.DryRun)
			fmt.Fprintf(out, "  fingerprint: %s\n", fp)
			return nil
		},
	}
	check.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config.yaml (or a directory holding it)")

	var asJSON bool
	doc := &cobra.Command{
		Use:   "doctor",
		Short: "Check the host against a config file: directories, exiftool, lock and audit paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			result := doctor.New(cfg).Validate()
			if asJSON {
				out, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
			} else {
				fmt.Fprint(cmd.OutOrStdout(), doctor.FormatHuman(result))
			}
			if !result.Valid {
				return fmt.Errorf("%d host check(s) failed", len(result.Errors))
			}
			return nil
		},
	}
	doc.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config.yaml (or a directory holding it)")
	doc.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")

	cmd.AddCommand(check, doc)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pwgo-agent %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", gitCommit)
			fmt.Fprintf(out, "  built:  %s\n", buildDate)
			if info, ok := debug.ReadBuildInfo(); ok {
				fmt.Fprintf(out, "  go:     %s\n", info.GoVersion)
			}
		},
	}
}

// Package main is the entry point for the stageflow binary.
// It compiles, runs and serves dependency-driven pipelines.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/polisai/stageflow/pkg/config"
	"github.com/polisai/stageflow/pkg/domain"
	"github.com/polisai/stageflow/pkg/facade"
	"github.com/polisai/stageflow/pkg/logging"
	"github.com/polisai/stageflow/pkg/telemetry"
)

const defaultLogLevel = "info"

// CLIConfig holds the persistent flags shared by every subcommand.
type CLIConfig struct {
	Config      string
	Pipelines   string
	LogLevel    string
	LogFormat   string
	TraceStdout bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for stageflow.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stageflow",
		Short: "Dependency-driven pipeline compiler and engine",
		Long: `stageflow compiles pipelines of stages that exchange named slots into
execution plans and runs them.

Example:
  stageflow plan totals --pipelines pipelines.yaml
  stageflow run totals --input x=3
  stageflow serve --config stageflow.yaml`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to configuration file (YAML)")
	flags.StringP("pipelines", "p", "", "Path to pipeline definition file, overrides pipeline.file")
	flags.StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.String("log-format", "", "Log format (text, json)")
	flags.Bool("trace-stdout", false, "Print spans to stderr instead of exporting them")

	rootCmd.AddCommand(newPlanCmd(), newRunCmd(), newReplayCmd(), newServeCmd())
	return rootCmd
}

// parseCLIConfig reads the persistent flags.
func parseCLIConfig(cmd *cobra.Command) (*CLIConfig, error) {
	flags := cmd.Flags()
	cli := &CLIConfig{}
	var err error
	if cli.Config, err = flags.GetString("config"); err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	if cli.Pipelines, err = flags.GetString("pipelines"); err != nil {
		return nil, fmt.Errorf("failed to get pipelines flag: %w", err)
	}
	if cli.LogLevel, err = flags.GetString("log-level"); err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	if cli.LogFormat, err = flags.GetString("log-format"); err != nil {
		return nil, fmt.Errorf("failed to get log-format flag: %w", err)
	}
	if cli.TraceStdout, err = flags.GetBool("trace-stdout"); err != nil {
		return nil, fmt.Errorf("failed to get trace-stdout flag: %w", err)
	}
	return cli, nil
}

// loadConfig loads the configuration file and lets flags override it.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.Pipelines != "" {
		cfg.Pipeline.File = cli.Pipelines
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Logging.Format = cli.LogFormat
	}
	if cli.TraceStdout {
		cfg.Telemetry.Stdout = true
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}
	return cfg, nil
}

// bootstrap loads configuration, installs the logger and the tracer
// provider, and builds the application.
func bootstrap(cmd *cobra.Command) (*app, func(), error) {
	cli, err := parseCLIConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loadConfig(cli)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.SetupLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})

	telemetryCfg := telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	}
	if cfg.Telemetry.Stdout {
		telemetryCfg.Stdout = cmd.ErrOrStderr()
	}
	shutdownTracing, err := telemetry.SetupProvider(cmd.Context(), telemetryCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		_ = shutdownTracing(context.Background())
		return nil, nil, err
	}

	cleanup := func() {
		if err := a.Close(); err != nil {
			logger.Error("Failed to close application", "error", err)
		}
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("Failed to flush spans", "error", err)
		}
	}
	return a, cleanup, nil
}

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <pipeline>",
		Short: "Compile a pipeline and print its execution plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			resp, err := a.dispatcher.Dispatch(cmd.Context(), facade.Command{
				Type:     facade.CommandCompile,
				Pipeline: args[0],
			})
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), describePlan(resp.Pipeline, resp.Plan))
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Run a pipeline once and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			rawInputs, err := cmd.Flags().GetStringArray("input")
			if err != nil {
				return fmt.Errorf("failed to get input flag: %w", err)
			}
			inputs, err := parseInputs(rawInputs)
			if err != nil {
				return err
			}
			principal, _ := cmd.Flags().GetString("principal")
			key, _ := cmd.Flags().GetString("key")

			resp, err := a.dispatcher.Dispatch(cmd.Context(), facade.Command{
				Type:      facade.CommandExecute,
				Pipeline:  args[0],
				Key:       key,
				Principal: principal,
				Inputs:    inputs,
			})
			if err != nil {
				return err
			}
			if err := writeYAML(cmd.OutOrStdout(), describeResponse(resp)); err != nil {
				return err
			}
			if !resp.Result.OK {
				return resp.Result.Err()
			}
			return nil
		},
	}
	cmd.Flags().StringArrayP("input", "i", nil, "Initial slot as name=value; values are parsed as YAML scalars")
	cmd.Flags().String("principal", "", "Principal passed to the policy")
	cmd.Flags().String("key", "", "Rollout key for feature-flagged pipelines")
	return cmd
}

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <record-id>",
		Short: "Replay a captured run against the current plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := a.dispatcher.ReplayByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := writeYAML(cmd.OutOrStdout(), describeReplay(report)); err != nil {
				return err
			}
			if report.Drifted() {
				return errors.New("replay drifted from the recording")
			}
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the command API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if a.cfg.Pipeline.Watch {
				if err := a.watchPipelines(cmd.Context()); err != nil {
					return err
				}
			}
			return serve(cmd.Context(), a)
		},
	}
}

// parseInputs turns name=value pairs into slots.
func parseInputs(raw []string) (domain.Slots, error) {
	inputs := make(domain.Slots, len(raw))
	for _, pair := range raw {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid input %q, want name=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(value), &v); err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		inputs[domain.SlotID(strings.TrimSpace(name))] = v
	}
	return inputs, nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}

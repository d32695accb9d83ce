// Package cmd implements the interruptgraph command line.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/interruptgraph/config"
	"github.com/dshills/interruptgraph/graph"
	"github.com/dshills/interruptgraph/internal/app"
	"github.com/dshills/interruptgraph/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
	workflow   string
}

// Workflows selectable with --workflow.
const (
	workflowQuery  = "query"
	workflowEnrich = "enrich"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "interruptgraph",
		Short: "Run and resume interruptible query assistant workflows",
		Long: `interruptgraph runs the query assistant workflow against a checkpoint store.
With --workflow enrich the run commands drive the metadata enrichment workflow
instead, which needs enrich.tables in the config.

A run that needs the user's input suspends and prints a ticket. Resume it
later, from any process sharing the store, with the ticket and a JSON response.

Runs only outlive a single command with a durable store:

  INTERRUPTGRAPH_STORE_DRIVER=sqlite INTERRUPTGRAPH_STORE_DSN=runs.db interruptgraph start r1 "Show me revenue by region"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("interruptgraph {{.Version}}\n")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.workflow, "workflow", workflowQuery, "workflow the run commands act on (query, enrich)")

	root.AddCommand(
		newStartCmd(opts),
		newResumeCmd(opts),
		newContinueCmd(opts),
		newInspectCmd(opts),
		newHistoryCmd(opts),
		newCancelCmd(opts),
		newRetryCmd(opts),
		newListCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// loadConfig applies the --log-level override on top of the loaded config.
func (o *rootOptions) loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// withApp builds the application for the duration of fn.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(context.Context, *app.App) error) error {
	cfg, logger, err := o.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		in, out := a.Costs.TokenUsage()
		logger.Debug("model usage",
			"calls", a.Costs.CallCount(),
			"input_tokens", in,
			"output_tokens", out,
			"cost_usd", a.Costs.TotalCost(),
		)
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("shutdown", "error", cerr)
		}
	}()
	return fn(ctx, a)
}

// withEngine runs fn against the engine of the selected workflow.
func (o *rootOptions) withEngine(cmd *cobra.Command, fn func(context.Context, *graph.Engine) error) error {
	switch o.workflow {
	case workflowQuery, workflowEnrich:
	default:
		return fmt.Errorf("unknown workflow %q (want %s or %s)", o.workflow, workflowQuery, workflowEnrich)
	}
	return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
		if o.workflow == workflowQuery {
			return fn(ctx, a.Engine)
		}
		if a.Enrich == nil {
			return errors.New("the enrich workflow is not configured, set enrich.tables")
		}
		return fn(ctx, a.Enrich)
	})
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

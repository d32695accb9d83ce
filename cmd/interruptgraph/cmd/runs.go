package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/interruptgraph/graph"
	"github.com/dshills/interruptgraph/graph/store"
)

// printResult prints res. A run that failed inside a step is printed and
// reported as an error so the exit status reflects it.
func printResult(cmd *cobra.Command, res graph.RunResult, err error) error {
	if err != nil && res.Outcome != graph.OutcomeFailed {
		return err
	}
	if perr := printJSON(cmd, res); perr != nil {
		return perr
	}
	if res.Outcome == graph.OutcomeFailed {
		code := "INTERNAL"
		if res.Error != nil {
			code = res.Error.Code
		}
		return fmt.Errorf("run %s failed: %s", res.RunID, code)
	}
	return nil
}

func newStartCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start <run-id> <question>",
		Short: "Start a run, or continue it if it already exists",
		Long: `Start a run with the user's question. If the run already exists its
current position is reported; a suspended run keeps its outstanding ticket.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, e *graph.Engine) error {
				res, err := e.StartOrResume(ctx, args[0], args[1])
				return printResult(cmd, res, err)
			})
		},
	}
}

func newContinueCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "continue <run-id> <question>",
		Short: "Ask a follow-up question on a completed run",
		Long: `Start a new turn on a completed run. The run keeps what it learned,
such as the loaded catalog and the chosen explore, so the question can refine
the previous answer.

Example:
  interruptgraph continue r1 "filter that to EMEA"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, e *graph.Engine) error {
				res, err := e.Continue(ctx, args[0], args[1])
				return printResult(cmd, res, err)
			})
		},
	}
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	var (
		response string
		answer   string
		option   int
	)
	cmd := &cobra.Command{
		Use:   "resume <run-id> <ticket-id>",
		Short: "Answer a suspended run",
		Long: `Deliver a response to a suspended run. Give the raw JSON with --response,
or use --answer and --option for the clarification step.

Examples:
  interruptgraph resume r1 3f2a... --answer net_revenue
  interruptgraph resume r1 3f2a... --option 2
  interruptgraph resume r1 3f2a... --response '{"answer":"ecommerce.orders"}'
  interruptgraph --workflow enrich resume e1 9c1d... --response '{"accept_all":true}'
  interruptgraph --workflow enrich resume e1 77ab... --response '{"state":"merged"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := resumePayload(response, answer, option, cmd.Flags().Changed("option"))
			if err != nil {
				return err
			}
			return opts.withEngine(cmd, func(ctx context.Context, e *graph.Engine) error {
				res, err := e.Resume(ctx, args[0], args[1], payload)
				return printResult(cmd, res, err)
			})
		},
	}
	cmd.Flags().StringVar(&response, "response", "", "raw JSON response")
	cmd.Flags().StringVar(&answer, "answer", "", "free-text answer")
	cmd.Flags().IntVar(&option, "option", 0, "1-based index of an offered option")
	cmd.MarkFlagsMutuallyExclusive("response", "answer")
	cmd.MarkFlagsMutuallyExclusive("response", "option")
	return cmd
}

func resumePayload(response, answer string, option int, optionSet bool) ([]byte, error) {
	if response != "" {
		if !json.Valid([]byte(response)) {
			return nil, errors.New("--response is not valid JSON")
		}
		return []byte(response), nil
	}
	body := map[string]any{}
	if answer != "" {
		body["answer"] = answer
	}
	if optionSet {
		body["option"] = option
	}
	if len(body) == 0 {
		return nil, errors.New("one of --response, --answer or --option is required")
	}
	return json.Marshal(body)
}

func newInspectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <run-id>",
		Short: "Show the latest checkpoint of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, e *graph.Engine) error {
				run, err := e.Inspect(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, run)
			})
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <run-id>",
		Short: "Show every checkpoint of a run, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, e *graph.Engine) error {
				runs, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, runs)
			})
		},
	}
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run and invalidate its ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, e *graph.Engine) error {
				run, err := e.Cancel(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSON(cmd, run)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the run was cancelled")
	return cmd
}

func newRetryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Restart a failed run at the step that failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, e *graph.Engine) error {
				res, err := e.Retry(ctx, args[0])
				return printResult(cmd, res, err)
			})
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var q store.Query
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if q.Limit < 0 {
				return errors.New("--limit cannot be negative")
			}
			return opts.withEngine(cmd, func(ctx context.Context, e *graph.Engine) error {
				runs, err := e.List(ctx, q)
				if err != nil {
					return err
				}
				return printJSON(cmd, runs)
			})
		},
	}
	cmd.Flags().StringVar(&q.Status, "status", "", "only runs in this status")
	cmd.Flags().IntVar(&q.Limit, "limit", 20, "maximum number of runs (0 for all)")
	return cmd
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	dispatch "github.com/ZanzyTHEbar/dragonscale-dispatch"
)

func newTaskCmd(opts *rootOptions) *cobra.Command {
	var (
		planFile string
		trace    bool
	)
	cmd := &cobra.Command{
		Use:   "task [query]",
		Short: "Plan, execute and synthesize an answer for a task",
		Example: `  dispatch task "calculate 25×4 then explain what AI is"
  dispatch task --plan plan.yaml "what should I wear in Paris"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				coord, err := a.coordinatorFor(planFile)
				if err != nil {
					return err
				}
				result, err := coord.ProcessTask(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if trace {
					return writeJSON(cmd.ErrOrStderr(), a.trail(ctx, result.TaskID))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&planFile, "plan", "", "Run a YAML plan file instead of asking the planner")
	cmd.Flags().BoolVar(&trace, "trace", false, "Print the task's event trail to stderr")
	return cmd
}

func newPlanCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan [query]",
		Short: "Show the plan for a task without executing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				task := dispatch.Task{ID: uuid.New().String(), RawQuery: strings.Join(args, " "), CreatedAt: time.Now()}
				return writeJSON(cmd.OutOrStdout(), a.planner.Plan(ctx, task))
			})
		},
	}
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	var (
		tier    string
		noCache bool
	)
	cmd := &cobra.Command{
		Use:   "ask [query]",
		Short: "Answer a single query through the selector and cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			override, err := dispatch.ParseTier(tier)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				resp, err := a.executor.Respond(ctx, dispatch.Request{
					Query:   strings.Join(args, " "),
					Tier:    override,
					NoCache: noCache,
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "", "Force a tier: fast or accurate")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Bypass the response cache")
	return cmd
}

// batchItemOutput adds the error text that BatchItem keeps out of JSON.
type batchItemOutput struct {
	dispatch.BatchItem
	Error string `json:"error,omitempty"`
}

type batchOutput struct {
	Items          []batchItemOutput `json:"items"`
	Succeeded      int               `json:"succeeded"`
	Failed         int               `json:"failed"`
	TotalDuration  time.Duration     `json:"total_time"`
	AverageLatency time.Duration     `json:"average_latency"`
}

func newBatchCmd(opts *rootOptions) *cobra.Command {
	var (
		file    string
		tier    string
		noCache bool
	)
	cmd := &cobra.Command{
		Use:   "batch [query...]",
		Short: "Answer independent queries concurrently, preserving order",
		Example: `  dispatch batch "what is Go" "what is Rust"
  dispatch batch --file queries.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			queries := args
			if file != "" {
				fromFile, err := readQueries(file, cmd.InOrStdin())
				if err != nil {
					return err
				}
				queries = append(queries, fromFile...)
			}
			if len(queries) == 0 {
				return fmt.Errorf("no queries given")
			}
			override, err := dispatch.ParseTier(tier)
			if err != nil {
				return err
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				res := a.dispatcher.DispatchBatch(ctx, queries, dispatch.BatchOptions{Tier: override, NoCache: noCache})
				return writeJSON(cmd.OutOrStdout(), toBatchOutput(res))
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read one query per line from a file, or - for stdin")
	cmd.Flags().StringVar(&tier, "tier", "", "Force a tier for every query: fast or accurate")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Bypass the response cache")
	return cmd
}

func toBatchOutput(res *dispatch.BatchResult) batchOutput {
	out := batchOutput{
		Items:          make([]batchItemOutput, len(res.Items)),
		Succeeded:      res.Succeeded,
		Failed:         res.Failed,
		TotalDuration:  res.TotalDuration,
		AverageLatency: res.AverageLatency,
	}
	for i, item := range res.Items {
		out.Items[i] = batchItemOutput{BatchItem: item}
		if item.Err != nil {
			out.Items[i].Error = item.Err.Error()
		}
	}
	return out
}

// readQueries returns the non-blank lines of path; "-" reads stdin.
func readQueries(path string, stdin io.Reader) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open query file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var queries []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			queries = append(queries, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queries: %w", err)
	}
	return queries, nil
}

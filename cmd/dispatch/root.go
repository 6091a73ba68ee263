package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	verbose    bool
	stats      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Plan, execute and answer tasks with tiered language models",
		Long: `dispatch decomposes a task into subtasks, runs each through a tool or a
language model on a fast or accurate tier, caches repeated generations and
synthesizes a final answer.

Configuration is read from ./dispatch.yaml (or --config), a .env file and
DISPATCH_* environment variables.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log at debug level and trace events")
	cmd.PersistentFlags().BoolVar(&opts.stats, "stats", false, "Print cache and executor statistics to stderr")

	cmd.AddCommand(newTaskCmd(opts))
	cmd.AddCommand(newPlanCmd(opts))
	cmd.AddCommand(newAskCmd(opts))
	cmd.AddCommand(newBatchCmd(opts))
	return cmd
}

// withApp builds the app, runs fn and tears everything down.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		return err
	}
	if opts.stats {
		return writeJSON(cmd.ErrOrStderr(), a.stats(ctx))
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

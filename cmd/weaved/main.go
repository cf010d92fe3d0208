// Command weaved runs the agent orchestration layer for the artisan
// marketplace. It exits 0 on graceful shutdown and non-zero on an
// unrecoverable startup error.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crafthaven/weave"
	"github.com/crafthaven/weave/config"
)

func main() {
	root := &cobra.Command{
		Use:          "weaved",
		Short:        "Agent orchestration layer for the artisan marketplace",
		Version:      weave.Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	w, err := weave.New(func(o *weave.Options) {
		o.Config = cfg
	})
	if err != nil {
		return fmt.Errorf("wire orchestration layer: %w", err)
	}

	return w.Run(ctx)
}

// Command fulfillmentctl runs operator tasks against the fulfilment ledger: expiring unpaid
// transactions, recomputing parent statuses and importing legacy subscriptions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/genfity/fulfillment/internal/di"
)

type app struct {
	out       io.Writer
	runtime   *di.Runtime
	container *di.Container
}

func main() {
	a := &app{out: os.Stdout}
	if err := newRootCommand(a).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "fulfillmentctl",
		Short:         "Operator tooling for the fulfilment ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	root.AddCommand(
		newSweepCommand(a),
		newRecomputeCommand(a),
		newImportSubscriptionsCommand(a),
	)
	return root
}

// open builds the runtime from the environment unless a container was injected.
func (a *app) open(ctx context.Context) error {
	if a.container != nil {
		return nil
	}
	rt, err := di.Bootstrap(ctx, "fulfillmentctl")
	if err != nil {
		return err
	}
	// Activations triggered from the CLI never leave the process.
	cfg := rt.Config
	cfg.Queue.Inline = true

	container, err := di.NewContainer(ctx, cfg, di.WithLogger(rt.Logger))
	if err != nil {
		rt.Close()
		return fmt.Errorf("initialise dependencies: %w", err)
	}
	a.runtime = rt
	a.container = container
	return nil
}

func (a *app) close() error {
	if a.runtime == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.container.Close(ctx)
	if err != nil {
		a.runtime.Logger.Warn("dependency close error", zap.Error(err))
	}
	a.runtime.Close()
	a.runtime, a.container = nil, nil
	return err
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Command thesisctl runs operator tasks against the thesis API's backends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"thesis/api/internal/bootstrap"
	"thesis/api/internal/config"
	"thesis/api/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:           "thesisctl",
	Short:         "Operator tasks for the thesis submission service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		logger.Init(cfg.LogLevel, cfg.LogFormat)
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withRuntime opens every backend for the duration of fn.
func withRuntime(ctx context.Context, fn func(rt *bootstrap.Runtime) error) error {
	rt, err := bootstrap.Open(ctx, config.Load())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

// Taskbridge drives a coding agent through evaluate/work iterations from a
// chat.
//
// The communication node (serve) talks to Telegram and runs the task loop.
// The engine runs in the same process, or on an execution node (exec)
// reached over HTTP.
//
// Usage:
//
//	# single process
//	TASKBRIDGE_TELEGRAM_TOKEN=... taskbridge serve
//
//	# split deployment
//	taskbridge exec --config exec.yaml
//	taskbridge serve --config comm.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "received signal %v, shutting down\n", sig)
		cancel()
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskbridge",
		Short: "Chat-driven evaluate/work loop for a coding agent",
		Long: `taskbridge accepts tasks from a Telegram chat, turns them into a plan and
drives a coding agent through evaluator and worker turns until the task is
complete, needs input or runs out of iterations.`,
		Version:       version,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (.yaml, .yml or .toml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newExecCmd())
	root.AddCommand(newPlanCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("taskbridge by Fyrsmith Labs\n")
			cmd.Printf("Version:    %s\n", version)
			cmd.Printf("Commit:     %s\n", gitCommit)
			cmd.Printf("Build Date: %s\n", buildDate)
		},
	}
}

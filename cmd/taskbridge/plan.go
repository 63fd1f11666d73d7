package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskbridge/internal/plan"
)

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan [file]",
		Short: "Extract a task plan from text and print it as JSON",
		Long: `Extract a task plan (title, milestones, description) from a file or
stdin, the same way /task does, and print it as JSON.

Examples:
  # From a file
  taskbridge plan task.md

  # From stdin
  echo "# Fix login" | taskbridge plan -`,
		Args: cobra.MaximumNArgs(1),
		RunE: runPlan,
	}
}

func runPlan(cmd *cobra.Command, args []string) error {
	var (
		content []byte
		err     error
	)
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}

	text := strings.TrimSpace(string(content))
	if text == "" {
		return fmt.Errorf("no content to plan")
	}

	p := plan.NewExtractor().Extract(text, text)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

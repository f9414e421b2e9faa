package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := newRootCommand().Execute(); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fmt.Fprintln(os.Stderr, renderError(err.Error()))
		os.Exit(code)
	}
}

type globalFlags struct {
	configPath string
	jsonOut    bool
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "opflow",
		Short: "opflow - durable workflow execution engine",
		Long: `opflow runs graph workflows of code, LLM, question, conditional, loop and
nested steps. Sessions are checkpointed after every step, can pause on a
question and resume later, and can be handed to a remote worker.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "path to settings file (default: ~/.opflow/settings.{json,yaml})")
	cmd.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "print machine-readable JSON")

	cmd.AddCommand(
		newServeCommand(g),
		newRunCommand(g),
		newValidateCommand(g),
		newGraphCommand(g),
		newStateCommand(g),
		newEventsCommand(g),
		newMCPCommand(g),
		newVersionCommand(),
	)
	return cmd
}

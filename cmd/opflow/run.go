package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/opflow/internal/catalog"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

type runFlags struct {
	inputs    []string
	inputJSON string
	with      []string
	session   string
	persist   bool
	noPrompt  bool
}

func newRunCommand(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Execute a workflow file to completion, answering questions on the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runWorkflow(ctx, cmd, g, f, args[0])
		},
	}
	cmd.Flags().StringArrayVarP(&f.inputs, "input", "i", nil, "input value as key=value (repeatable); JSON values are decoded")
	cmd.Flags().StringVar(&f.inputJSON, "input-json", "", "input object as JSON")
	cmd.Flags().StringArrayVar(&f.with, "with", nil, "additional workflow file available to nested steps (repeatable)")
	cmd.Flags().StringVar(&f.session, "session", "", "session id (generated when empty)")
	cmd.Flags().BoolVar(&f.persist, "persist", false, "store the session in the configured database")
	cmd.Flags().BoolVar(&f.noPrompt, "no-prompt", false, "stop at the first question instead of prompting")
	return cmd
}

func runWorkflow(ctx context.Context, cmd *cobra.Command, g *globalFlags, f *runFlags, path string) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	input, err := parseInputs(f.inputJSON, f.inputs)
	if err != nil {
		return err
	}

	def, err := catalog.LoadFile(path)
	if err != nil {
		return err
	}
	defs := []*schema.WorkflowDefinition{def}
	for _, p := range f.with {
		d, err := catalog.LoadFile(p)
		if err != nil {
			return err
		}
		defs = append(defs, d)
	}

	a, err := newApp(ctx, cfg, newLogger(cfg), appOptions{
		memoryStore: !f.persist,
		catalog:     catalog.NewMemoryCatalog(defs...),
	})
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	out := cmd.OutOrStdout()
	res := a.validator.ValidateCatalog(defs)
	printIssues(cmd.ErrOrStderr(), res)
	if !res.Valid() {
		return &exitError{code: 2, err: res.ToError()}
	}

	st, err := a.engine.Execute(ctx, engine.ExecuteRequest{
		WorkflowID: def.ID,
		SessionID:  f.session,
		Input:      input,
	})
	if err != nil {
		return err
	}
	reader := bufio.NewReader(cmd.InOrStdin())
	for {
		st, err = a.engine.Await(ctx, st.ID)
		if err != nil {
			return err
		}
		if st.Status != schema.StatusPaused || f.noPrompt || st.PendingQuestion == nil {
			break
		}
		answer, err := ask(out, reader, st.PendingQuestion)
		if err != nil {
			return err
		}
		if st, err = a.engine.Resume(ctx, st.ID, engine.WithAnswer(answer)); err != nil {
			return err
		}
	}

	if g.jsonOut {
		if err := writeJSON(out, st); err != nil {
			return err
		}
	} else {
		printState(out, st)
	}
	if st.Status == schema.StatusFailed {
		return &exitError{code: 1, err: fmt.Errorf("session %s failed: %s", st.ID, st.LastError)}
	}
	return nil
}

// ask prints the pending question and reads one line. A numeric reply picks
// an option by position.
func ask(w io.Writer, r *bufio.Reader, q *store.PendingQuestion) (any, error) {
	fmt.Fprintln(w, styleBold.Render("? ")+q.Prompt)
	for i, o := range q.Options {
		label := o.Label
		if label == "" {
			label = o.ID
		}
		fmt.Fprintf(w, "  %d) %s\n", i+1, label)
	}
	fmt.Fprint(w, styleMuted.Render("> "))
	line, err := r.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return nil, fmt.Errorf("read answer: %w", err)
	}
	line = strings.TrimSpace(line)
	var n int
	if _, err := fmt.Sscanf(line, "%d", &n); err == nil && fmt.Sprint(n) == line && n >= 1 && n <= len(q.Options) {
		return q.Options[n-1].ID, nil
	}
	return decodeValue(line), nil
}

func parseInputs(raw string, pairs []string) (map[string]any, error) {
	input := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			return nil, fmt.Errorf("--input-json: %w", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--input %q: want key=value", p)
		}
		input[k] = decodeValue(v)
	}
	return input, nil
}

// decodeValue returns v as JSON when it parses, else the raw string.
func decodeValue(v string) any {
	var out any
	if err := json.Unmarshal([]byte(v), &out); err == nil {
		return out
	}
	return v
}

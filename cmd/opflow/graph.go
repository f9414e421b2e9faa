package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/opflow/internal/catalog"
	"github.com/rendis/opflow/internal/diagram"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

func newGraphCommand(g *globalFlags) *cobra.Command {
	var format, session string
	cmd := &cobra.Command{
		Use:   "graph <workflow-file>",
		Short: "Render a workflow as a Mermaid flowchart or ASCII diagram",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := catalog.LoadFile(args[0])
			if err != nil {
				return err
			}
			var state *store.ExecutionState
			if session != "" {
				if state, err = loadSession(cmd.Context(), g, session); err != nil {
					return err
				}
				if state.WorkflowID != def.ID {
					return fmt.Errorf("session %s runs workflow %q, not %q", session, state.WorkflowID, def.ID)
				}
			}
			model, err := diagram.Build(def, state)
			if err != nil {
				return err
			}
			switch format {
			case "mermaid":
				fmt.Fprint(cmd.OutOrStdout(), diagram.RenderMermaid(model))
			case "ascii":
				fmt.Fprint(cmd.OutOrStdout(), diagram.RenderASCII(model))
			default:
				return fmt.Errorf("unknown format %q (want mermaid or ascii)", format)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "output format: mermaid or ascii")
	cmd.Flags().StringVar(&session, "session", "", "overlay the status of a stored session")
	return cmd
}

// loadSession reads one session from the configured database.
func loadSession(ctx context.Context, g *globalFlags, id string) (*store.ExecutionState, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	state, err := st.LoadState(ctx, id)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, &exitError{code: 3, err: fmt.Errorf("session %s not found", id)}
	}
	return state, err
}

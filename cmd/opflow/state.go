package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStateCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "state <session-id>",
		Short: "Show a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadSession(cmd.Context(), g, args[0])
			if err != nil {
				return err
			}
			if g.jsonOut {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			printState(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newEventsCommand(g *globalFlags) *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "events <session-id>",
		Short: "List the persisted events of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			events, err := st.ListEvents(cmd.Context(), args[0], since)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.jsonOut {
				return writeJSON(out, events)
			}
			for _, e := range events {
				line := fmt.Sprintf("%4d %s %s", e.Sequence,
					styleMuted.Render(e.Timestamp.Format(time.RFC3339)), styleInfo.Render(e.Type))
				if e.StepID != "" {
					line += " " + e.StepID
				}
				if len(e.Payload) > 0 {
					line += " " + styleMuted.Render(string(e.Payload))
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "only events with a greater sequence")
	return cmd
}

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/rendis/opflow/internal/catalog"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

func newValidateCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|glob>...",
		Short: "Validate workflow files, including nested references between them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := expandPaths(args)
			if err != nil {
				return err
			}
			var defs []*schema.WorkflowDefinition
			res := &schema.ValidationResult{}
			for _, p := range paths {
				def, err := catalog.LoadFile(p)
				if err != nil {
					res.AddError(p, schema.ErrCodeValidation, err.Error())
					continue
				}
				defs = append(defs, def)
			}
			res.Merge(validation.New().ValidateCatalog(defs))

			out := cmd.OutOrStdout()
			if g.jsonOut {
				if err := writeJSON(out, res); err != nil {
					return err
				}
			} else {
				printIssues(out, res)
				if res.Valid() {
					fmt.Fprintln(out, renderOK(fmt.Sprintf("%d workflow(s) valid", len(defs))))
				}
			}
			if !res.Valid() {
				return &exitError{code: 2, err: fmt.Errorf("%d error(s) in %d file(s)", len(res.Errors), len(paths))}
			}
			return nil
		},
	}
}

// expandPaths resolves doublestar globs; plain paths pass through.
func expandPaths(args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		if !doublestar.ValidatePattern(a) || !hasMeta(a) {
			out = append(out, a)
			continue
		}
		base, pattern := doublestar.SplitPattern(filepath.ToSlash(a))
		matches, err := doublestar.Glob(os.DirFS(base), pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", a, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", a)
		}
		for _, m := range matches {
			out = append(out, filepath.Join(base, filepath.FromSlash(m)))
		}
	}
	return out, nil
}

func hasMeta(p string) bool {
	for _, c := range p {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

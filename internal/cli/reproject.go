package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/canon/internal/model"
	"github.com/roach88/canon/internal/runtime"
)

// NewReprojectCommand creates the reproject subcommand: schedule a fresh
// projection of one reference at its current head version.
func NewReprojectCommand(opts *RootOptions) *cobra.Command {
	var view string
	var strict bool

	cmd := &cobra.Command{
		Use:   "reproject <reference-id>",
		Short: "Schedule a fresh projection for one reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := &OutputFormatter{
				Format:    opts.Format,
				Writer:    cmd.OutOrStdout(),
				ErrWriter: cmd.ErrOrStderr(),
				Verbose:   opts.Verbose,
			}

			var rtOpts []runtime.Option
			if strict {
				rtOpts = append(rtOpts, runtime.WithStrictReproject())
			}
			a, err := openApp(ctx, opts, rtOpts...)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			task, created, err := a.runtime.Reproject(ctx, args[0], view)
			if err != nil {
				_ = out.Error(string(model.CodeOf(err)), err.Error(), nil)
				return NewExitError(ExitFailure, "reproject failed")
			}

			if task.ID == "" {
				// lenient skip of an unknown reference
				if opts.Format == "json" {
					return out.Success(map[string]any{"skipped": true, "reference_id": args[0]})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reference %s not found, skipped\n", args[0])
				return nil
			}

			if opts.Format == "json" {
				return out.Success(map[string]any{
					"task_id":      task.ID,
					"reference_id": task.ReferenceID,
					"version":      task.Version,
					"view":         task.View,
					"created":      created,
				})
			}

			verb := "already scheduled"
			if created {
				verb = "scheduled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s %s for %s v%d (%s)\n",
				task.ID, verb, task.ReferenceID, task.Version, task.View)
			return nil
		},
	}

	cmd.Flags().StringVar(&view, "view", "", "view name (defaults to the model's default view)")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail on unknown references instead of skipping")
	return cmd
}

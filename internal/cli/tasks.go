package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/canon/internal/model"
)

var taskStatuses = []string{
	string(model.TaskPending),
	string(model.TaskProcessing),
	string(model.TaskCompleted),
	string(model.TaskFailed),
}

// NewTasksCommand creates the tasks subcommand: page through projection
// tasks by status.
func NewTasksCommand(opts *RootOptions) *cobra.Command {
	var status, after string
	var limit int

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List projection tasks by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := &OutputFormatter{
				Format:    opts.Format,
				Writer:    cmd.OutOrStdout(),
				ErrWriter: cmd.ErrOrStderr(),
				Verbose:   opts.Verbose,
			}

			if !slices.Contains(taskStatuses, status) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid status %q: must be one of %v", status, taskStatuses))
			}

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			tasks, err := a.scheduler.Tasks(ctx, model.TaskStatus(status), after, limit)
			if err != nil {
				return WrapExitError(ExitFailure, "scan tasks", err)
			}

			if opts.Format == "json" {
				return out.Success(tasks)
			}

			if len(tasks) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no %s tasks\n", status)
				return nil
			}
			for _, task := range tasks {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s v%d (%s)\n",
					task.ID, task.ReferenceID, task.Version, task.View)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d task(s); continue with --after %s\n",
				len(tasks), tasks[len(tasks)-1].ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", string(model.TaskPending), "task status to list")
	cmd.Flags().StringVar(&after, "after", "", "resume after this task id")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	return cmd
}

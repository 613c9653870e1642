package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/canon/internal/registry"
)

// NewValidateCommand creates the validate subcommand. It compiles a CUE
// model file without touching the database, so configuration mistakes are
// caught before any ingest runs.
func NewValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <models.cue>",
		Short: "Compile and validate CUE model declarations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{
				Format:    opts.Format,
				Writer:    cmd.OutOrStdout(),
				ErrWriter: cmd.ErrOrStderr(),
				Verbose:   opts.Verbose,
			}

			specs, err := registry.CompileFile(args[0])
			if err != nil {
				_ = out.Error("CONFIGURATION_ERROR", err.Error(), nil)
				return NewExitError(ExitFailure, "model validation failed")
			}

			if opts.Format == "json" {
				type modelInfo struct {
					Name        string `json:"name"`
					DefaultView string `json:"default_view"`
					ExternalID  string `json:"external_id"`
					Fields      int    `json:"fields"`
				}
				infos := make([]modelInfo, len(specs))
				for i, spec := range specs {
					infos[i] = modelInfo{
						Name:        spec.Name,
						DefaultView: spec.DefaultView,
						ExternalID:  string(spec.EffectiveExternalID()),
						Fields:      len(spec.Fields),
					}
				}
				return out.Success(infos)
			}

			for _, spec := range specs {
				fmt.Fprintf(cmd.OutOrStdout(), "model %s: default view %q, external id %s, %d field specs\n",
					spec.Name, spec.DefaultView, spec.EffectiveExternalID(), len(spec.Fields))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d model(s) valid\n", len(specs))
			return nil
		},
	}
}

package cli

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/canon/internal/model"
	"github.com/roach88/canon/internal/pipeline"
)

// ingestFile is the YAML shape `canon ingest` reads.
type ingestFile struct {
	Records []ingestRecord `yaml:"records"`
}

type ingestRecord struct {
	Source      string         `yaml:"source"`
	Model       string         `yaml:"model"`
	ReferenceID string         `yaml:"reference_id,omitempty"`
	Fields      map[string]any `yaml:"fields"`
}

// ingestSummary is what the command reports.
type ingestSummary struct {
	Processed    int            `json:"processed"`
	Advanced     int            `json:"advanced"`
	TasksCreated int            `json:"tasks_created"`
	Failures     []ingestResult `json:"failures,omitempty"`
}

type ingestResult struct {
	Record int    `json:"record"`
	Code   string `json:"code"`
	Error  string `json:"error"`
}

// NewIngestCommand creates the ingest subcommand: feed a batch of records
// from a YAML file through the full pipeline.
func NewIngestCommand(opts *RootOptions) *cobra.Command {
	var failFast bool

	cmd := &cobra.Command{
		Use:   "ingest <records.yaml>",
		Short: "Ingest source records through the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := &OutputFormatter{
				Format:    opts.Format,
				Writer:    cmd.OutOrStdout(),
				ErrWriter: cmd.ErrOrStderr(),
				Verbose:   opts.Verbose,
			}

			records, err := loadIngestFile(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "load records", err)
			}

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			summary := ingestSummary{}
			for i, rec := range records {
				fields := make(model.Map, len(rec.Fields))
				for k, v := range rec.Fields {
					value, err := model.ToValue(v)
					if err != nil {
						return WrapExitError(ExitCommandError,
							fmt.Sprintf("records[%d]: field %s", i, k), err)
					}
					fields[k] = value
				}

				res, err := a.pipeline.Process(ctx, pipeline.Incoming{
					Source:      rec.Source,
					Model:       rec.Model,
					ReferenceID: rec.ReferenceID,
					Fields:      fields,
				})
				if err != nil {
					if failFast {
						_ = out.Error(string(model.CodeOf(err)), err.Error(), nil)
						return NewExitError(ExitFailure, "ingest aborted")
					}
					summary.Failures = append(summary.Failures, ingestResult{
						Record: i,
						Code:   string(model.CodeOf(err)),
						Error:  err.Error(),
					})
					continue
				}

				summary.Processed++
				if res.Changed {
					summary.Advanced++
					out.VerboseLog("record %d: %s advanced to v%d", i, res.Reference.ID, res.Reference.Version)
				}
				if res.TaskCreated {
					summary.TasksCreated++
				}
			}

			if opts.Format == "json" {
				if err := out.Success(summary); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(),
					"processed %d record(s): %d snapshot(s) advanced, %d task(s) scheduled, %d failure(s)\n",
					summary.Processed, summary.Advanced, summary.TasksCreated, len(summary.Failures))
				for _, f := range summary.Failures {
					fmt.Fprintf(cmd.OutOrStdout(), "  record %d failed [%s]: %s\n", f.Record, f.Code, f.Error)
				}
			}

			if len(summary.Failures) > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d record(s) failed", len(summary.Failures)))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "abort on the first failing record")
	return cmd
}

func loadIngestFile(path string) ([]ingestRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file ingestFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse records YAML: %w", err)
	}
	if len(file.Records) == 0 {
		return nil, fmt.Errorf("no records in %s", path)
	}
	for i, rec := range file.Records {
		if rec.Source == "" || rec.Model == "" || len(rec.Fields) == 0 {
			return nil, fmt.Errorf("records[%d]: source, model, and fields are required", i)
		}
	}
	return file.Records, nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"clinicalai/internal/extract"
	"clinicalai/internal/llm"
)

// extractOutput is what the extract command prints.
type extractOutput struct {
	Operation     string                 `json:"operation"`
	Result        any                    `json:"result"`
	Degraded      bool                   `json:"degraded"`
	Fault         string                 `json:"fault,omitempty"`
	DroppedFields []extract.DroppedField `json:"droppedFields,omitempty"`
}

var operations = map[string]func(ctx context.Context, svc *extract.Service, text, extra string) (extractOutput, error){
	"autocomplete": func(ctx context.Context, svc *extract.Service, text, extra string) (extractOutput, error) {
		return wrap(svc.AutoComplete(ctx, text, extra))
	},
	"terminology": func(ctx context.Context, svc *extract.Service, text, _ string) (extractOutput, error) {
		return wrap(svc.Terminology(ctx, text))
	},
	"notes": func(ctx context.Context, svc *extract.Service, text, extra string) (extractOutput, error) {
		return wrap(svc.GenerateNotes(ctx, text, extra))
	},
	"treatments": func(ctx context.Context, svc *extract.Service, text, extra string) (extractOutput, error) {
		return wrap(svc.SuggestTreatments(ctx, text, extra))
	},
	"fields": func(ctx context.Context, svc *extract.Service, text, _ string) (extractOutput, error) {
		return wrap(svc.ExtractFields(ctx, text))
	},
	"ehr": func(ctx context.Context, svc *extract.Service, text, extra string) (extractOutput, error) {
		return wrap(svc.ExtractEHR(ctx, text, extra))
	},
}

func wrap[T any](out extract.Outcome[T], err error) (extractOutput, error) {
	if err != nil {
		return extractOutput{}, err
	}
	res := extractOutput{
		Result:        out.Result,
		Degraded:      out.Degraded(),
		DroppedFields: out.Dropped,
	}
	if out.Fault != nil {
		res.Fault = out.Fault.Error()
	}
	return res, nil
}

func operationNames() []string {
	return []string{"autocomplete", "terminology", "notes", "treatments", "fields", "ehr"}
}

func extractCmd() *cobra.Command {
	var text, extra string
	cmd := &cobra.Command{
		Use:       "extract <operation>",
		Short:     "Run one extraction against the configured model and print JSON",
		Long:      "Operations: " + strings.Join(operationNames(), ", ") + ". Input is read from --text or stdin.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: operationNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			if text == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(data)
			}

			svc, err := newService(cfg, llm.NewClient(cfg.LLM, cfg.Retry, logger), logger)
			if err != nil {
				return err
			}

			op := args[0]
			out, err := operations[op](cmd.Context(), svc, text, extra)
			if err != nil {
				return err
			}
			out.Operation = op

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "input text (defaults to stdin)")
	cmd.Flags().StringVar(&extra, "context", "", "note context, patient context or history, depending on the operation")
	return cmd
}

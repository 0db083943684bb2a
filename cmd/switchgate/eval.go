package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matt-riley/switchgate/internal/core"
	"github.com/matt-riley/switchgate/internal/logging"
	"github.com/matt-riley/switchgate/internal/repository"
	"github.com/matt-riley/switchgate/internal/service"
)

type evalOptions struct {
	file          string
	project       string
	context       []string
	mode          string
	correlationID string
	logLevel      string
}

func newEvalCommand() *cobra.Command {
	opts := evalOptions{}
	cmd := &cobra.Command{
		Use:   "eval <flag-key>",
		Short: "Evaluate one flag from a flag file",
		Long: `Evaluate one flag from a YAML or JSON flag file and print the response.

Context attributes are given in order with repeated --context name=value
flags; legacy mode only consults the first one.`,
		Example: `  switchgate eval new-checkout -f flags.yaml --context country=US --context plan=pro`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.file, "file", "f", os.Getenv("FLAGS_FILE"), "flag file (defaults to $FLAGS_FILE)")
	flags.StringVarP(&opts.project, "project", "p", repository.DefaultProjectID, "project the flag belongs to")
	flags.StringArrayVarP(&opts.context, "context", "c", nil, "context attribute as name=value (repeatable, ordered)")
	flags.StringVarP(&opts.mode, "mode", "m", core.ModeFull.String(), "evaluation mode: legacy or full")
	flags.StringVar(&opts.correlationID, "correlation-id", "", "correlation id echoed in the response")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level; debug traces every condition")
	return cmd
}

func runEval(cmd *cobra.Command, key string, opts evalOptions) error {
	if opts.file == "" {
		return errors.New("a flag file is required (--file or FLAGS_FILE)")
	}

	mode, err := core.ParseMode(opts.mode)
	if err != nil {
		return err
	}

	evalCtx, err := parseContextPairs(opts.context)
	if err != nil {
		return err
	}

	repo, err := repository.NewFileRepository(opts.file)
	if err != nil {
		return err
	}

	logger := logging.NewWithWriter(opts.logLevel, cmd.ErrOrStderr())
	svc, err := service.New(cmd.Context(), repo, service.WithLogger(logger))
	if err != nil {
		return err
	}

	resp, err := svc.Evaluate(cmd.Context(), service.EvaluateRequest{
		ProjectID:     opts.project,
		Key:           key,
		Context:       evalCtx,
		CorrelationID: opts.correlationID,
		Mode:          &mode,
	})
	if err != nil {
		return fmt.Errorf("evaluate %q: %w", key, err)
	}

	return writeIndentedJSON(cmd.OutOrStdout(), resp)
}

// parseContextPairs turns name=value arguments into an ordered context.
func parseContextPairs(pairs []string) (core.EvaluationContext, error) {
	var evalCtx core.EvaluationContext
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return core.EvaluationContext{}, fmt.Errorf("invalid context %q: want name=value", pair)
		}
		evalCtx.Set(name, value)
	}
	return evalCtx, nil
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

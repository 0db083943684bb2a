package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matt-riley/switchgate/internal/core"
	"github.com/matt-riley/switchgate/internal/repository"
	"github.com/matt-riley/switchgate/internal/service"
)

var errInvalidFlagFile = errors.New("flag file has invalid flags")

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <flag-file>",
		Short: "Check every flag definition in a flag file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			flags, err := repository.ParseFlagDocument(data, time.Time{})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			invalid := 0
			for _, flag := range flags {
				if err := validateFlagRules(flag); err != nil {
					invalid++
					fmt.Fprintf(out, "FAIL %s/%s: %v\n", flag.ProjectID, flag.Key, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s/%s\n", flag.ProjectID, flag.Key)
			}

			if invalid > 0 {
				return fmt.Errorf("%w: %d of %d", errInvalidFlagFile, invalid, len(flags))
			}
			return nil
		},
	}
}

func validateFlagRules(flag repository.Flag) error {
	if !flag.HasRules() {
		return nil
	}

	var rules []core.Rule
	if err := json.Unmarshal(flag.Rules, &rules); err != nil {
		return err
	}
	return service.ValidateRules(rules)
}

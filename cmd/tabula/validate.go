package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/definition"
	"github.com/pitabwire/tabula/internal/openapi"
)

var errInvalidDefinitions = errors.New("definitions are invalid")

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and table definitions without serving",
		Long: `Validate loads the configuration, indexes the configured OpenAPI specs,
and checks every table definition against them. Problems are printed one per
line to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd, opts.configPath)
		},
	}
}

func runValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	idx := openapi.NewIndex()
	if err := idx.Load(buildSpecSources(cfg)); err != nil {
		return err
	}

	files, err := definition.NewLoader(cfg.Tables).LoadAll(cfg.Definitions.Directories)
	if err != nil {
		return err
	}

	if verrs := definition.NewValidator().Validate(files, idx); len(verrs) > 0 {
		for _, ve := range verrs {
			fmt.Fprintln(cmd.ErrOrStderr(), ve.Error())
		}
		return fmt.Errorf("%w: %d problems", errInvalidDefinitions, len(verrs))
	}

	tables := 0
	for _, f := range files {
		tables += len(f.Tables)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d tables in %d files OK\n", tables, len(files))
	return nil
}

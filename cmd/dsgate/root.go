package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dsgate/internal/config"
	"dsgate/internal/format"
)

type globalOptions struct {
	jsonOutput bool
	output     string
	logLevel   string
}

// structured reports whether command output should be a formatted payload
// instead of plain text.
func (o *globalOptions) structured() bool {
	return o.jsonOutput || o.output != ""
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "dsgate",
		Short:         "dsgate keeps dataset blobs and metadata records consistent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			warning, err := configureLoggerForCLI(opts.logLevel, cfg)
			if err != nil {
				return err
			}
			if warning != "" {
				fmt.Fprintln(os.Stderr, warning)
			}
			return configureOutput(opts)
		},
	}

	cmd.Version = version
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output JSON")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "", "output format: json or yaml")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")

	cmd.AddCommand(
		newSrvCmd(cfg),
		newCreateCmd(cfg, opts),
		newGetCmd(cfg, opts),
		newContentCmd(cfg),
		newUpdateCmd(cfg, opts),
		newDeleteCmd(cfg),
		newListCmd(cfg, opts),
		newReconcileCmd(cfg, opts),
		newConfigCmd(cfg),
	)

	return cmd
}

func configureOutput(opts *globalOptions) error {
	name := opts.output
	if name == "" {
		name = "json"
	}
	formatter, err := format.ByName(name)
	if err != nil {
		return err
	}
	outputFormatter = formatter
	return nil
}

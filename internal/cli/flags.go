package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// OutputFormat selects how a command prints its result.
type OutputFormat string

const (
	OutputFormatTable OutputFormat = "table"
	OutputFormatWide  OutputFormat = "wide"
	OutputFormatPlain OutputFormat = "plain"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatYAML  OutputFormat = "yaml"
)

// OutputFlags holds the flag values shared by the listing commands.
type OutputFlags struct {
	// OutputFormat is one of table, wide, plain, json or yaml.
	OutputFormat string
	// NoHeaders suppresses the header row in table output.
	NoHeaders bool
	// Quiet suppresses spinners and summaries.
	Quiet bool
}

// RegisterOutputFlags registers --output/-o, --no-headers and --quiet/-q on cmd.
func RegisterOutputFlags(cmd *cobra.Command, flags *OutputFlags) {
	cmd.Flags().StringVarP(&flags.OutputFormat, "output", "o", string(OutputFormatTable), "Output format (table, wide, plain, json, yaml)")
	cmd.Flags().BoolVar(&flags.NoHeaders, "no-headers", false, "Suppress header row in table output")
	cmd.Flags().BoolVarP(&flags.Quiet, "quiet", "q", false, "Suppress non-essential output")
}

// Format validates and returns the selected output format.
func (f *OutputFlags) Format() (OutputFormat, error) {
	switch OutputFormat(f.OutputFormat) {
	case "", OutputFormatTable:
		return OutputFormatTable, nil
	case OutputFormatWide, OutputFormatPlain, OutputFormatJSON, OutputFormatYAML:
		return OutputFormat(f.OutputFormat), nil
	}
	return "", fmt.Errorf("unsupported output format %q (use table, wide, plain, json or yaml)", f.OutputFormat)
}

// Structured reports whether the format is machine readable.
func (f OutputFormat) Structured() bool {
	return f == OutputFormatJSON || f == OutputFormatYAML
}

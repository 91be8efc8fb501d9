package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func addFormatFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("format", "F", formatText, "Format to use (text/json/yaml)")
}

func formatOf(cmd *cobra.Command) string {
	format, _ := cmd.Flags().GetString("format")
	return format
}

// render writes data in the requested format. text renders the human
// readable form.
func render(w io.Writer, format string, data any, text func(io.Writer)) error {
	switch format {
	case formatText:
		text(w)
		return nil
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	default:
		return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}
}

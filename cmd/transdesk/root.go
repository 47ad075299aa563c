package main

import (
	"github.com/spf13/cobra"

	"github.com/transdesk/transdesk/internal/api"
	"github.com/transdesk/transdesk/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "transdesk",
	Short: "Document translation pipeline for Chinese legal materials",
	Long: `Transdesk runs the material processing pipeline of a document
translation desk: clients upload images, PDFs, and webpage URLs, the
pipeline OCR-translates them, recognizes named entities for confirmation,
refines translations with an LLM, and packages confirmed results for
delivery.

The pipeline includes:
  - Image translation OCR with region-level results
  - Entity recognition with a user confirmation gate
  - LLM refinement parameterized by confirmed entities
  - PDF page fan-out and webpage capture
  - ZIP export of confirmed materials`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.transdesk/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "transdesk home directory (default: ~/.transdesk)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}

package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/renderq/renderq/pkg/config"
)

var (
	cfgFile      string
	serverURL    string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "renderq",
	Short: "Durable video rendering job engine",
	Long: `renderq runs a crash-safe rendering queue: an API server that
accepts declarative render plans, and a worker that claims jobs and
drives ffmpeg to produce the output.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./renderq.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "API server URL for client commands")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

func serverBase() string {
	return strings.TrimRight(serverURL, "/")
}

func isJSONOutput() bool {
	return outputFormat == "json"
}

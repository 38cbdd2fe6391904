package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the entry point when stackpilot is called without a
// subcommand.
var rootCmd = &cobra.Command{
	Use:   "stackpilot",
	Short: "Deploy and track catalog stacks on a Kubernetes cluster",
	Long: `stackpilot resolves catalog recipes into dependency-ordered stacks,
deploys them onto a Kubernetes cluster, and keeps their status
reconciled for a UI and an AI tool-calling agent.`,
	SilenceUsage: true,
}

// SetVersion injects the build version, called from main.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "stackpilot version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}

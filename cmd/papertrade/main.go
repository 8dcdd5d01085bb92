package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "papertrade",
		Short: "Simulated trading core",
		Long: `papertrade ingests live trade prints, keeps a quote cache, and executes
simulated market, limit, stop and take-profit orders against it.`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "Path to a .env file (defaults to ./.env)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("papertrade version %s\n", version)
		},
	}
}

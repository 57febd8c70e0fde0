// Command vectra runs the vectra server and talks to it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/vectra/internal/client"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL  string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "vectra",
	Short: "Analytical SQL engine with native vector search",
	Long: `vectra is an embedded analytical query engine with an HNSW vector index,
SQL with the <-> distance operator and ai_embedding(), and a change stream.

Run "vectra serve" to start the HTTP server. Every other command talks to a
running server.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "url", "u", envOr("VECTRA_URL", client.DefaultURL), "server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")

	rootCmd.AddCommand(
		serveCmd(),
		queryCmd(),
		searchCmd(),
		subscribeCmd(),
		createTableCmd(),
		insertCmd(),
		createIndexCmd(),
		tablesCmd(),
		tableInfoCmd(),
		statsCmd(),
		healthCmd(),
		versionCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient() *client.Client {
	return client.New(serverURL)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vectra %s\n", version)
		},
	}
}

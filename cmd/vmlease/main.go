package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Global flags.
var (
	configPath   string
	serverURL    string
	userID       string
	asAdmin      bool
	outputFormat string
	noHeaders    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vmlease",
	Short: "vmlease - leased VM lifecycle orchestrator",
	Long: `vmlease provisions virtual machines for paid orders on a libvirt host and
manages them for the length of their lease.

Run "vmlease serve" to start the API server. The VM commands (provision,
get, list, power, rebuild, delete, retry, sweep) call that server; the
image, pool and test-conn commands talk to libvirt directly.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "config file (default ./vmlease.yaml or /etc/vmlease/vmlease.yaml)")
	pf.StringVar(&serverURL, "server", envOr("VMLEASE_SERVER", "http://localhost:8080"), "API server URL")
	pf.StringVar(&userID, "user", envOr("VMLEASE_USER", os.Getenv("USER")), "user id to act as")
	pf.BoolVar(&asAdmin, "admin", false, "act as an administrator")
	pf.StringVarP(&outputFormat, "output", "o", "table", "output format: table, yaml, json")
	pf.BoolVar(&noHeaders, "no-headers", false, "omit table headers")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(listExpiredCmd)
	rootCmd.AddCommand(powerCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(bandwidthCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(testConnCmd)
	rootCmd.AddCommand(imageCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(versionCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vmlease %s (commit: %s)\n", version, commit)
	},
}

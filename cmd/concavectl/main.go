// Command concavectl is the operator CLI for the concave task scheduler and
// changelog: queue depth, dead-letter inspection/retry, and changelog stats
// against a running KV backend.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information, set via ldflags during build.
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "concavectl",
	Short: "concavectl inspects and administers a concave deployment",
	Long: `concavectl talks directly to the KV backend (Redis or an in-memory
store) a concave server is using, so it works without the server exposing
any admin API of its own.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("concavectl version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("kv-mode", "memory", "KV backend: redis or memory")
	rootCmd.PersistentFlags().String("kv-addr", "127.0.0.1:6379", "Redis address, when --kv-mode=redis")
	rootCmd.PersistentFlags().String("kv-password", "", "Redis password, when --kv-mode=redis")
	rootCmd.PersistentFlags().String("kv-prefix", "concave:tasks:", "key prefix the task scheduler was configured with")
	rootCmd.PersistentFlags().String("changelog-path", "", "bbolt file backing the changelog, required by changelog stats")
	rootCmd.PersistentFlags().Int("changelog-retention", 10000, "max entries the changelog keeps, must match the running server")

	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(deadLettersCmd)
	rootCmd.AddCommand(changelogCmd)
}

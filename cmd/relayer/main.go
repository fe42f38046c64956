// Command relayer runs the multi-chain transaction relayer: the REST
// API, the lifecycle engine's monitoring loop, and the one-off
// schema-migration and nonce-reconciliation operator tasks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relayer",
	Short: "Multi-chain transaction relayer",
	Long: `relayer submits, signs and monitors transactions across EVM, Solana
and Stellar networks on behalf of a roster of managed relayers.`,
}

func main() {
	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newReconcileNoncesCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ligun0805/mempool-guardian/internal/config"
	"github.com/ligun0805/mempool-guardian/internal/log"
)

var settings config.Settings

var rootCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Mempool guardian for a protected account",
	Long: `guardian watches the pending-transaction feed for transactions that
move value out of the protected account and races them with sweeps of the
tracked assets to the vault.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env then .env.local (overrides), both optional.
		_ = godotenv.Load()
		_ = godotenv.Overload(".env.local")
		settings = config.Load()
		if v, _ := cmd.Flags().GetBool("dry-run"); v {
			settings.DryRun = true
		}
		if v, _ := cmd.Flags().GetString("log-level"); v != "" {
			settings.LogLevel = v
		}
		log.Init(log.Options{Level: settings.LogLevel, Prettify: settings.LogPretty})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("dry-run", false, "compute defenses without submitting them (overrides DRY_RUN)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides LOG_LEVEL)")
	rootCmd.AddCommand(runCmd, netcheckCmd, presignCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

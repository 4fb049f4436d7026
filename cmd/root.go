package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "levelctl",
	Short: "Drive a service topology through ordered run levels",
	Long: `levelctl loads a YAML service topology and drives it through integer
run levels: ascending starts every service declared at each level in
dependency-aware parallel order, descending tears them down serially in
reverse activation order.`,
	// SilenceUsage prevents printing the usage message on errors we
	// handle ourselves (invalid config, failed transitions).
	SilenceUsage: true,
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "levelctl version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newVersionCmd())
}

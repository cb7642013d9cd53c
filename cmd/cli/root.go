package cli

import (
	"fmt"
	"os"

	"github.com/hookbridge/hookbridge/internal/initialization"

	"github.com/spf13/cobra"
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hookbridge",
		Short: "Hookbridge workflow dispatcher CLI",
		Long: `Hookbridge dispatches tenant workflow requests to external automation
platforms and keeps an auditable ledger of every dispatch run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	serviceContainer, err := initialization.NewServiceContainer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(NewStartCommand(serviceContainer))
	rootCmd.AddCommand(NewStatusCommand(serviceContainer))
	rootCmd.AddCommand(NewRunsCommand(serviceContainer))

	return rootCmd
}

// Execute runs the root command
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

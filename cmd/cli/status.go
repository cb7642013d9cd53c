package cli

import (
	"context"
	"fmt"

	"github.com/hookbridge/hookbridge/internal/initialization"
	"github.com/hookbridge/hookbridge/internal/version"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewStatusCommand(serviceContainer *initialization.ServiceContainer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the effective dispatcher configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(serviceContainer)
		},
	}

	return cmd
}

func runStatus(serviceContainer *initialization.ServiceContainer) error {
	configManager := serviceContainer.GetConfigManager()

	config, err := configManager.GetConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
		return err
	}

	info := version.Get()

	fmt.Printf("hookbridge %s (%s)\n", info.Version, info.Platform)
	fmt.Printf("   Listen address:   %s\n", config.ListenAddress)
	fmt.Printf("   Mongo database:   %s\n", config.MongoDatabase)
	fmt.Printf("   Default provider: %s\n", config.DefaultProvider)
	if config.DefaultBaseURL != "" {
		fmt.Printf("   Default base URL: %s\n", config.DefaultBaseURL)
	}
	if config.RedisAddress != "" {
		fmt.Printf("   Redis cache:      %s\n", config.RedisAddress)
	} else {
		fmt.Println("   Redis cache:      disabled (in-memory cache)")
	}
	fmt.Printf("   Cache TTL:        %s\n", config.EndpointCacheTTL)
	fmt.Printf("   HTTP timeout:     %s\n", config.HTTPTimeout)

	return nil
}

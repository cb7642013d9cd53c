package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hookbridge/hookbridge/internal/initialization"
	"github.com/hookbridge/hookbridge/internal/server"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewStartCommand(serviceContainer *initialization.ServiceContainer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the dispatcher service",
		Long:  `Start the HTTP service that accepts tenant dispatch requests and records runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			return runStart(serviceContainer, debug)
		},
	}

	return cmd
}

func runStart(serviceContainer *initialization.ServiceContainer, debug bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().Msg("Starting dispatcher service")

	deps, err := serviceContainer.BuildServiceDependencies(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build service dependencies")
	}

	applyLogLevel(deps.Config.LogLevel, debug)

	app := server.NewHTTPServer(server.HTTPServerDependencies{
		DispatchController: deps.DispatchController,
	})

	log.Info().
		Str("listen_address", deps.Config.ListenAddress).
		Str("default_provider", deps.Config.DefaultProvider).
		Msg("Dispatcher configuration loaded")

	if err := app.Listen(deps.Config.ListenAddress, fiber.ListenConfig{
		GracefulContext:       ctx,
		DisableStartupMessage: true,
	}); err != nil {
		log.Error().Err(err).Msg("HTTP server failed")
		return err
	}

	log.Info().Msg("Dispatcher service stopped")
	return nil
}

func applyLogLevel(configured string, debug bool) {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}

	level, err := zerolog.ParseLevel(configured)
	if err != nil {
		log.Warn().Str("log_level", configured).Msg("Unknown log level, keeping default")
		return
	}
	zerolog.SetGlobalLevel(level)
}

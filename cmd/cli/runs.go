package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/hookbridge/hookbridge/internal/initialization"
	mongostorage "github.com/hookbridge/hookbridge/pkg/storage/mongo"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewRunsCommand(serviceContainer *initialization.ServiceContainer) *cobra.Command {
	var tenantID string
	var limit int64

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent dispatch runs for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(serviceContainer, tenantID, limit)
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id to list runs for")
	cmd.Flags().Int64Var(&limit, "limit", 20, "Maximum number of runs to list")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func runRuns(serviceContainer *initialization.ServiceContainer, tenantID string, limit int64) error {
	ctx := context.Background()

	config, err := serviceContainer.GetConfigManager().GetConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
		return err
	}

	database, err := mongostorage.Connect(ctx, config.MongoURI, config.MongoDatabase)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to mongodb")
		return err
	}

	runs, err := mongostorage.NewRunStore(database).ListRecentRuns(ctx, tenantID, limit)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list runs")
		return err
	}

	if len(runs) == 0 {
		fmt.Printf("No runs found for tenant %s\n", tenantID)
		return nil
	}

	fmt.Printf("%-22s %-24s %-12s %-6s %s\n", "RUN", "WORKFLOW", "STATUS", "HTTP", "STARTED")
	for _, run := range runs {
		httpStatus := "-"
		if run.HTTPStatus > 0 {
			httpStatus = fmt.Sprintf("%d", run.HTTPStatus)
		}
		fmt.Printf("%-22s %-24s %-12s %-6s %s\n",
			run.ID,
			run.WorkflowKey,
			run.Status,
			httpStatus,
			run.StartedAt.Format(time.RFC3339),
		)
	}

	return nil
}

package initialization

import (
	"context"
	"net/http"

	"github.com/hookbridge/hookbridge/internal/controllers"
	"github.com/hookbridge/hookbridge/internal/managers"
	"github.com/hookbridge/hookbridge/pkg/cache"
	"github.com/hookbridge/hookbridge/pkg/domain"
	mongostorage "github.com/hookbridge/hookbridge/pkg/storage/mongo"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type ServiceDependencies struct {
	Config             domain.ServiceConfig
	DispatchService    domain.DispatchService
	RunRepository      domain.RunRepository
	DispatchController *controllers.DispatchController
}

type ServiceContainer struct {
	configManager domain.ConfigManager
}

func NewServiceContainer() (*ServiceContainer, error) {
	configManager, err := domain.NewConfigManager()
	if err != nil {
		return nil, err
	}

	return &ServiceContainer{
		configManager: configManager,
	}, nil
}

func (c *ServiceContainer) GetConfigManager() domain.ConfigManager {
	return c.configManager
}

func (c *ServiceContainer) BuildServiceDependencies(ctx context.Context) (*ServiceDependencies, error) {
	log.Info().Msg("Building service dependencies")

	config, err := c.configManager.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	database, err := mongostorage.Connect(ctx, config.MongoURI, config.MongoDatabase)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to mongodb")
		return nil, err
	}

	runStore := mongostorage.NewRunStore(database)
	mappingStore := mongostorage.NewMappingStore(database)
	connectionStore := mongostorage.NewConnectionStore(database)

	// A shared redis cache keeps resolver results consistent across
	// replicas; a single-process deployment makes do with the in-memory one.
	var resolverCache cache.Cache
	if config.RedisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: config.RedisAddress})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Error().Err(err).Str("address", config.RedisAddress).Msg("Failed to connect to redis")
			return nil, err
		}
		resolverCache = cache.NewRedisCache(redisClient, "hookbridge")
		log.Info().Str("address", config.RedisAddress).Msg("Using redis endpoint cache")
	} else {
		resolverCache = cache.NewTTLCache(cache.SystemClock())
	}

	resolver := managers.NewEndpointResolver(managers.EndpointResolverDependencies{
		MappingRepository:    mappingStore,
		ConnectionRepository: connectionStore,
		Cache:                resolverCache,
		CacheTTL:             config.EndpointCacheTTL,
		DefaultBaseURL:       config.DefaultBaseURL,
		TestEndpointMarker:   config.TestEndpointMarker,
	})

	dispatchService := managers.NewDispatchManager(managers.DispatchManagerDependencies{
		Resolver:        resolver,
		RunRepository:   runStore,
		HTTPClient:      &http.Client{Timeout: config.HTTPTimeout},
		DefaultProvider: config.DefaultProvider,
	})

	dispatchController := controllers.NewDispatchController(controllers.DispatchControllerDependencies{
		DispatchService: dispatchService,
		RunRepository:   runStore,
	})

	return &ServiceDependencies{
		Config:             config,
		DispatchService:    dispatchService,
		RunRepository:      runStore,
		DispatchController: dispatchController,
	}, nil
}

package managers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hookbridge/hookbridge/pkg/cache"
	"github.com/hookbridge/hookbridge/pkg/domain"

	"github.com/rs/zerolog/log"
)

// baseAddressFields is the single ordered artifact deciding where a tenant's
// provider base address comes from. Earlier entries win. The order carries
// data written before the connection schema was standardized and must not be
// reshuffled: a tenant may have several of these fields populated and only
// the highest-priority one points at the right instance.
var baseAddressFields = []struct {
	Source string // "config" or "credentials"
	Key    string
}{
	{Source: "config", Key: "n8n_mcp_url"},
	{Source: "config", Key: "n8n_base_url"},
	{Source: "config", Key: "base_url"},
	{Source: "config", Key: "url"},
	{Source: "credentials", Key: "n8n_mcp_url"},
	{Source: "credentials", Key: "n8n_base_url"},
	{Source: "credentials", Key: "base_url"},
	{Source: "credentials", Key: "url"},
}

// adapterIDSuffixes lists the historic adapter-id spellings probed after the
// provider name itself, in order.
var adapterIDSuffixes = []string{"_mcp", "-mcp", "_webhook"}

type EndpointResolverDependencies struct {
	MappingRepository    domain.EndpointMappingRepository
	ConnectionRepository domain.ProviderConnectionRepository

	// Cache is optional; resolved base addresses are cached per
	// (tenant, provider) for CacheTTL.
	Cache    cache.Cache
	CacheTTL time.Duration

	// DefaultBaseURL is the process-wide fallback when no connection record
	// yields a base address. Empty means no fallback.
	DefaultBaseURL string

	// TestEndpointMarker classifies a resolved URL as a test endpoint when
	// it contains this segment.
	TestEndpointMarker string
}

type endpointResolver struct {
	mappingRepository    domain.EndpointMappingRepository
	connectionRepository domain.ProviderConnectionRepository
	cache                cache.Cache
	cacheTTL             time.Duration
	defaultBaseURL       string
	testEndpointMarker   string
}

func NewEndpointResolver(deps EndpointResolverDependencies) domain.EndpointResolver {
	return &endpointResolver{
		mappingRepository:    deps.MappingRepository,
		connectionRepository: deps.ConnectionRepository,
		cache:                deps.Cache,
		cacheTTL:             deps.CacheTTL,
		defaultBaseURL:       deps.DefaultBaseURL,
		testEndpointMarker:   deps.TestEndpointMarker,
	}
}

func (r *endpointResolver) Resolve(ctx context.Context, tenantID, provider, workflowKey string) (domain.ResolvedEndpoint, error) {
	mapping, err := r.mappingRepository.GetActiveMapping(ctx, tenantID, provider, workflowKey)
	if err != nil {
		if errors.Is(err, domain.ErrMappingNotFound) {
			return domain.ResolvedEndpoint{}, domain.NewDispatchError(
				domain.ErrCodeWorkflowNotFound,
				fmt.Sprintf("no active endpoint mapping for workflow %q", workflowKey),
			)
		}
		return domain.ResolvedEndpoint{}, fmt.Errorf("failed to look up endpoint mapping: %w", err)
	}

	baseURL, err := r.resolveBaseURL(ctx, tenantID, provider)
	if err != nil {
		return domain.ResolvedEndpoint{}, err
	}

	url := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(mapping.Path, "/")

	class := domain.EndpointClassProduction
	if r.testEndpointMarker != "" && strings.Contains(url, r.testEndpointMarker) {
		class = domain.EndpointClassTest
	}

	return domain.ResolvedEndpoint{
		URL:   url,
		Class: class,
	}, nil
}

func (r *endpointResolver) resolveBaseURL(ctx context.Context, tenantID, provider string) (string, error) {
	cacheKey := "endpoint:" + tenantID + ":" + provider

	if r.cache != nil {
		if cached, ok := r.cache.Get(ctx, cacheKey); ok {
			return cached, nil
		}
	}

	connection, err := r.findConnection(ctx, tenantID, provider)
	if err != nil {
		return "", err
	}

	baseURL := ""
	if connection != nil {
		baseURL = extractBaseAddress(*connection)
	}

	if baseURL == "" {
		if r.defaultBaseURL == "" {
			return "", domain.NewDispatchError(
				domain.ErrCodeWorkflowNotFound,
				fmt.Sprintf("no base address configured for provider %q", provider),
			)
		}

		log.Debug().
			Str("tenant_id", tenantID).
			Str("provider", provider).
			Msg("No tenant base address found, using process default")

		baseURL = r.defaultBaseURL
	}

	if r.cache != nil {
		r.cache.Set(ctx, cacheKey, baseURL, r.cacheTTL)
	}

	return baseURL, nil
}

// findConnection probes the provider's adapter-id candidates in fixed order
// and returns the first record holding any configuration, or nil when none
// do.
func (r *endpointResolver) findConnection(ctx context.Context, tenantID, provider string) (*domain.ProviderConnectionConfig, error) {
	candidates := adapterCandidates(provider)

	for _, adapterID := range candidates {
		connection, err := r.connectionRepository.GetConnection(ctx, tenantID, adapterID)
		if err != nil {
			if errors.Is(err, domain.ErrConnectionNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to look up provider connection %q: %w", adapterID, err)
		}
		if connection.Empty() {
			continue
		}
		return connection, nil
	}

	return nil, nil
}

func adapterCandidates(provider string) []string {
	candidates := make([]string, 0, len(adapterIDSuffixes)+1)
	candidates = append(candidates, provider)
	for _, suffix := range adapterIDSuffixes {
		candidates = append(candidates, provider+suffix)
	}
	return candidates
}

// extractBaseAddress applies baseAddressFields in order and returns the first
// non-empty string value, or "".
func extractBaseAddress(connection domain.ProviderConnectionConfig) string {
	for _, field := range baseAddressFields {
		values := connection.Config
		if field.Source == "credentials" {
			values = connection.Credentials
		}

		raw, ok := values[field.Key]
		if !ok {
			continue
		}
		value, ok := raw.(string)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		return value
	}

	return ""
}

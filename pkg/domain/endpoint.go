package domain

import "context"

// WorkflowEndpointMapping binds a tenant-scoped workflow key to a relative
// path on the tenant's automation provider. Mappings are maintained by an
// administrative surface elsewhere; this service only reads the active one.
type WorkflowEndpointMapping struct {
	TenantID    string `json:"tenant_id" bson:"tenant_id"`
	Provider    string `json:"provider" bson:"provider"`
	WorkflowKey string `json:"workflow_key" bson:"workflow_key"`
	Path        string `json:"path" bson:"path"`
	Active      bool   `json:"active" bson:"active"`
}

// ProviderConnectionConfig is a tenant's bring-your-own connection record for
// one provider adapter id. Config and Credentials are free-form because the
// data predates a standardized schema; base-address extraction probes a fixed
// ordered field list instead of assuming one shape.
type ProviderConnectionConfig struct {
	TenantID    string         `json:"tenant_id" bson:"tenant_id"`
	AdapterID   string         `json:"adapter_id" bson:"adapter_id"`
	Config      map[string]any `json:"config" bson:"config"`
	Credentials map[string]any `json:"credentials" bson:"credentials"`
}

// Empty reports whether the record holds no usable configuration at all.
func (c ProviderConnectionConfig) Empty() bool {
	return len(c.Config) == 0 && len(c.Credentials) == 0
}

// EndpointClass selects the retry policy for a resolved endpoint.
type EndpointClass string

const (
	EndpointClassProduction EndpointClass = "production"
	EndpointClassTest       EndpointClass = "test"
)

// ResolvedEndpoint is a fully qualified callable endpoint for one workflow key.
type ResolvedEndpoint struct {
	URL   string
	Class EndpointClass
}

type EndpointMappingRepository interface {
	// GetActiveMapping returns the active mapping for the key, or
	// ErrMappingNotFound when none exists or only inactive ones do.
	GetActiveMapping(ctx context.Context, tenantID, provider, workflowKey string) (*WorkflowEndpointMapping, error)
}

type ProviderConnectionRepository interface {
	// GetConnection returns the connection record for an exact adapter id,
	// or ErrConnectionNotFound.
	GetConnection(ctx context.Context, tenantID, adapterID string) (*ProviderConnectionConfig, error)
}

// EndpointResolver turns (tenant, provider, workflow key) into a callable
// endpoint. Resolution performs no mutation and is idempotent.
type EndpointResolver interface {
	Resolve(ctx context.Context, tenantID, provider, workflowKey string) (ResolvedEndpoint, error)
}

package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/hookbridge/hookbridge/pkg/domain"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

const workflowEndpointsCollection = "workflow_endpoints"

// MappingStore reads workflow endpoint mappings. Mappings are written by the
// administrative surface, so the store is lookup-only here. Several historic
// mappings may exist per key; only the active one resolves.
type MappingStore struct {
	database *mongo.Database
}

func NewMappingStore(database *mongo.Database) *MappingStore {
	return &MappingStore{
		database: database,
	}
}

func (s *MappingStore) GetActiveMapping(ctx context.Context, tenantID, provider, workflowKey string) (*domain.WorkflowEndpointMapping, error) {
	filter := bson.M{
		"tenant_id":    tenantID,
		"provider":     provider,
		"workflow_key": workflowKey,
		"active":       true,
	}

	var mapping domain.WorkflowEndpointMapping
	err := s.database.Collection(workflowEndpointsCollection).FindOne(ctx, filter).Decode(&mapping)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrMappingNotFound
		}
		return nil, fmt.Errorf("failed to get workflow endpoint mapping: %w", err)
	}

	return &mapping, nil
}

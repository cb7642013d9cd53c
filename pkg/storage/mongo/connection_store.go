package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/hookbridge/hookbridge/pkg/domain"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

const providerConnectionsCollection = "provider_connections"

// ConnectionStore reads tenant provider connection records by exact adapter
// id. Probing the historic adapter-id spellings is the resolver's job, not
// the store's.
type ConnectionStore struct {
	database *mongo.Database
}

func NewConnectionStore(database *mongo.Database) *ConnectionStore {
	return &ConnectionStore{
		database: database,
	}
}

func (s *ConnectionStore) GetConnection(ctx context.Context, tenantID, adapterID string) (*domain.ProviderConnectionConfig, error) {
	filter := bson.M{
		"tenant_id":  tenantID,
		"adapter_id": adapterID,
	}

	var connection domain.ProviderConnectionConfig
	err := s.database.Collection(providerConnectionsCollection).FindOne(ctx, filter).Decode(&connection)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to get provider connection: %w", err)
	}

	return &connection, nil
}

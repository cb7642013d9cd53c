package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hookbridge/hookbridge/pkg/domain"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const runsCollection = "runs"

// RunStore implements domain.RunRepository on MongoDB.
type RunStore struct {
	database *mongo.Database
}

func NewRunStore(database *mongo.Database) *RunStore {
	store := &RunStore{
		database: database,
	}
	store.ensureIndexes()
	return store
}

func (s *RunStore) ensureIndexes() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	collection := s.database.Collection(runsCollection)

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "tenant_id", Value: 1},
				{Key: "started_at", Value: -1},
			},
		},
		{
			Keys: bson.D{
				{Key: "tenant_id", Value: 1},
				{Key: "idempotency_key", Value: 1},
				{Key: "status", Value: 1},
				{Key: "started_at", Value: -1},
			},
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create indexes for runs")
	}
}

func (s *RunStore) InsertRun(ctx context.Context, run *domain.Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := s.database.Collection(runsCollection).InsertOne(ctx, run)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	return nil
}

// markRun transitions a run out of "started". The status guard in the filter
// is what keeps terminal states terminal: an update that matches nothing
// means the run is already finished (or does not exist) and is reported as
// domain.ErrRunNotFound.
func (s *RunStore) markRun(ctx context.Context, tenantID, runID string, set bson.M) error {
	filter := bson.M{
		"id":        runID,
		"tenant_id": tenantID,
		"status":    domain.RunStatusStarted,
	}

	result, err := s.database.Collection(runsCollection).UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrRunNotFound
	}

	return nil
}

func (s *RunStore) MarkRunSucceeded(ctx context.Context, tenantID, runID string, httpStatus int, response any) error {
	return s.markRun(ctx, tenantID, runID, bson.M{
		"status":      domain.RunStatusSucceeded,
		"http_status": httpStatus,
		"response":    response,
		"finished_at": time.Now().UTC(),
	})
}

func (s *RunStore) MarkRunInProgress(ctx context.Context, tenantID, runID string, httpStatus int) error {
	return s.markRun(ctx, tenantID, runID, bson.M{
		"status":      domain.RunStatusInProgress,
		"http_status": httpStatus,
	})
}

func (s *RunStore) MarkRunFailed(ctx context.Context, tenantID, runID string, httpStatus int, errorMessage string) error {
	set := bson.M{
		"status":        domain.RunStatusFailed,
		"error_message": errorMessage,
		"finished_at":   time.Now().UTC(),
	}
	if httpStatus > 0 {
		set["http_status"] = httpStatus
	}

	return s.markRun(ctx, tenantID, runID, set)
}

func (s *RunStore) FindSucceededRunByIdempotencyKey(ctx context.Context, tenantID, idempotencyKey string) (*domain.Run, error) {
	filter := bson.M{
		"tenant_id":       tenantID,
		"idempotency_key": idempotencyKey,
		"status":          domain.RunStatusSucceeded,
	}

	opts := options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}})

	var run domain.Run
	err := s.database.Collection(runsCollection).FindOne(ctx, filter, opts).Decode(&run)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to find run by idempotency key: %w", err)
	}

	return &run, nil
}

func (s *RunStore) GetRun(ctx context.Context, tenantID, runID string) (*domain.Run, error) {
	filter := bson.M{
		"id":        runID,
		"tenant_id": tenantID,
	}

	var run domain.Run
	err := s.database.Collection(runsCollection).FindOne(ctx, filter).Decode(&run)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return &run, nil
}

func (s *RunStore) ListRecentRuns(ctx context.Context, tenantID string, limit int64) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	filter := bson.M{"tenant_id": tenantID}
	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetLimit(limit)

	cursor, err := s.database.Collection(runsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer cursor.Close(ctx)

	runs := []domain.Run{}
	if err := cursor.All(ctx, &runs); err != nil {
		return nil, fmt.Errorf("failed to decode runs: %w", err)
	}

	return runs, nil
}

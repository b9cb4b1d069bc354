package audit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"taskstream/internal/constants"
	"taskstream/pkg/metrics"
)

type Repository interface {
	Insert(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Stats(ctx context.Context, filter Filter) (*Stats, error)
}

type MongoRepository struct {
	collection *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{collection: db.Collection(constants.AuditCollection)}
}

func (r *MongoRepository) Insert(ctx context.Context, entry *Entry) error {
	start := time.Now()

	_, err := r.collection.InsertOne(ctx, entry)

	metrics.ObserveDatabaseQueryDuration(constants.ConsumerAudit, "mongodb", "insert_audit", time.Since(start))

	if err != nil {
		metrics.IncDatabaseQuery(constants.ConsumerAudit, "mongodb", "insert_audit", "error")
		return fmt.Errorf("failed to insert audit entry %s: %w", entry.ID, err)
	}

	metrics.IncDatabaseQuery(constants.ConsumerAudit, "mongodb", "insert_audit", "success")
	return nil
}

func (r *MongoRepository) List(ctx context.Context, filter Filter) ([]Entry, error) {
	start := time.Now()

	limit := filter.Limit
	if limit <= 0 {
		limit = constants.DefaultLimit
	}
	if limit > constants.MaxLimit {
		limit = constants.MaxLimit
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(filter.Offset))

	cursor, err := r.collection.Find(ctx, buildQuery(filter), opts)
	if err != nil {
		metrics.IncDatabaseQuery(constants.ConsumerAudit, "mongodb", "list_audit", "error")
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []Entry
	if err := cursor.All(ctx, &entries); err != nil {
		metrics.IncDatabaseQuery(constants.ConsumerAudit, "mongodb", "list_audit", "error")
		return nil, fmt.Errorf("failed to decode audit entries: %w", err)
	}

	metrics.ObserveDatabaseQueryDuration(constants.ConsumerAudit, "mongodb", "list_audit", time.Since(start))
	metrics.IncDatabaseQuery(constants.ConsumerAudit, "mongodb", "list_audit", "success")
	return entries, nil
}

func (r *MongoRepository) Stats(ctx context.Context, filter Filter) (*Stats, error) {
	start := time.Now()

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: buildQuery(filter)}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$action"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		metrics.IncDatabaseQuery(constants.ConsumerAudit, "mongodb", "audit_stats", "error")
		return nil, fmt.Errorf("failed to aggregate audit stats: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Action string `bson:"_id"`
		Count  int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		metrics.IncDatabaseQuery(constants.ConsumerAudit, "mongodb", "audit_stats", "error")
		return nil, fmt.Errorf("failed to decode audit stats: %w", err)
	}

	stats := &Stats{ByAction: make(map[string]int64, len(rows))}
	for _, row := range rows {
		stats.ByAction[row.Action] = row.Count
		stats.Total += row.Count
	}

	metrics.ObserveDatabaseQueryDuration(constants.ConsumerAudit, "mongodb", "audit_stats", time.Since(start))
	metrics.IncDatabaseQuery(constants.ConsumerAudit, "mongodb", "audit_stats", "success")
	return stats, nil
}

func buildQuery(filter Filter) bson.M {
	query := bson.M{}
	if filter.UserID != "" {
		query["user_id"] = filter.UserID
	}
	if filter.TaskID != "" {
		query["task_id"] = filter.TaskID
	}
	if filter.EventType != "" {
		query["event_type"] = filter.EventType
	}
	if filter.Since != nil || filter.Until != nil {
		ts := bson.M{}
		if filter.Since != nil {
			ts["$gte"] = *filter.Since
		}
		if filter.Until != nil {
			ts["$lte"] = *filter.Until
		}
		query["timestamp"] = ts
	}
	return query
}

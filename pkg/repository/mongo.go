package repository

import (
	"context"
	"time"

	"github.com/example/deliverify/pkg/config"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Audit actions written by the order core.
const (
	ActionOrderCreation     = "ORDER_CREATION"
	ActionPaymentProcessed  = "PAYMENT_PROCESSED"
	ActionPaymentFailed     = "PAYMENT_FAILED"
	ActionDeliveryAssigned  = "DELIVERY_ASSIGNMENT"
	ActionDeliveryStatus    = "DELIVERY_STATUS_UPDATE"
	ActionConfirmDelivery   = "CONFIRM_DELIVERY"
	ActionOrderCancellation = "ORDER_CANCELLATION"
)

type MongoRepository struct {
	client   *mongo.Client
	database *mongo.Database
	config   *config.MongoDBConfig
}

func NewMongoRepository(cfg *config.MongoDBConfig) (*MongoRepository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, err
	}

	repo := &MongoRepository{
		client:   client,
		database: client.Database(cfg.Database),
		config:   cfg,
	}
	if err := repo.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func (m *MongoRepository) ensureIndexes(ctx context.Context) error {
	_, err := m.collection().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "entity_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	return err
}

func (m *MongoRepository) collection() *mongo.Collection {
	return m.database.Collection(m.config.Collection)
}

func (m *MongoRepository) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoRepository) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// AuditLog is one trail entry: who did what to which order.
type AuditLog struct {
	ID        string    `bson:"_id,omitempty" json:"id,omitempty"`
	Service   string    `bson:"service" json:"service"`
	UserID    string    `bson:"user_id" json:"userId"`
	Action    string    `bson:"action" json:"action"`
	EntityID  string    `bson:"entity_id" json:"entityId"`
	Data      bson.M    `bson:"data" json:"data"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

func (m *MongoRepository) CreateAuditLog(ctx context.Context, log *AuditLog) error {
	log.CreatedAt = time.Now()
	_, err := m.collection().InsertOne(ctx, log)
	return err
}

// GetAuditLogs returns up to limit entries for one order, newest first.
func (m *MongoRepository) GetAuditLogs(ctx context.Context, entityID string, limit int64) ([]*AuditLog, error) {
	filter := bson.M{"entity_id": entityID}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)

	cursor, err := m.collection().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var logs []*AuditLog
	if err = cursor.All(ctx, &logs); err != nil {
		return nil, err
	}

	return logs, nil
}

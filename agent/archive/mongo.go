package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/consultation"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// MongoConfig MongoDB 归档配置
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

// DefaultMongoConfig 返回默认配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:        "mongodb://localhost:27017",
		Database:   "consultations",
		Collection: "sessions",
		Timeout:    10 * time.Second,
	}
}

// sessionDocument 集合中的文档。查询字段展开存放，完整会话以 JSON 保存，
// 与 API 快照使用同一套字段名。
type sessionDocument struct {
	ID          string     `bson:"_id"`
	TenantID    string     `bson:"tenant_id"`
	Mode        string     `bson:"mode"`
	Status      string     `bson:"status"`
	Rounds      int        `bson:"rounds"`
	CreatedAt   time.Time  `bson:"created_at"`
	CompletedAt *time.Time `bson:"completed_at,omitempty"`
	Payload     string     `bson:"payload"`
}

func documentFromSession(s *consultation.Session) (sessionDocument, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return sessionDocument{}, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return sessionDocument{
		ID:          s.ID,
		TenantID:    s.TenantID,
		Mode:        string(s.Mode),
		Status:      string(s.Status),
		Rounds:      len(s.Rounds),
		CreatedAt:   s.CreatedAt,
		CompletedAt: s.CompletedAt,
		Payload:     string(payload),
	}, nil
}

func (d *sessionDocument) toSession() (*consultation.Session, error) {
	var s consultation.Session
	if err := json.Unmarshal([]byte(d.Payload), &s); err != nil {
		return nil, fmt.Errorf("decode archived session %s: %w", d.ID, err)
	}
	if s.Rounds == nil {
		s.Rounds = []consultation.Round{}
	}
	return &s, nil
}

// =============================================================================
// 🍃 MongoDB 归档
// =============================================================================

// MongoArchive 基于 MongoDB 的会话归档
type MongoArchive struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
	logger     *zap.Logger
}

var _ consultation.Archive = (*MongoArchive)(nil)

// NewMongoArchive 连接 MongoDB 并确保索引存在
func NewMongoArchive(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*MongoArchive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultMongoConfig()
	if cfg.URI == "" {
		cfg.URI = def.URI
	}
	if cfg.Database == "" {
		cfg.Database = def.Database
	}
	if cfg.Collection == "" {
		cfg.Collection = def.Collection
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI).SetTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateMany(pingCtx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create archive indexes: %w", err)
	}

	return &MongoArchive{
		client:     client,
		collection: coll,
		timeout:    cfg.Timeout,
		logger: logger.With(
			zap.String("component", "session_archive"),
			zap.String("backend", "mongo"),
			zap.String("collection", cfg.Collection)),
	}, nil
}

// Save 以会话 ID 为键 upsert
func (a *MongoArchive) Save(ctx context.Context, s *consultation.Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	doc, err := documentFromSession(s)
	if err != nil {
		return err
	}
	_, err = a.collection.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.ID}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archive session %s: %w", s.ID, err)
	}
	a.logger.Debug("session archived", zap.String("session_id", s.ID), zap.String("status", doc.Status))
	return nil
}

// Get 读取归档会话，不存在时返回 consultation.ErrNotArchived
func (a *MongoArchive) Get(ctx context.Context, id string) (*consultation.Session, error) {
	var doc sessionDocument
	err := a.collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", consultation.ErrNotArchived, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load archived session %s: %w", id, err)
	}
	return doc.toSession()
}

// ListByTenant 按创建时间倒序列出租户的归档会话
func (a *MongoArchive) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*consultation.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := a.collection.Find(ctx, bson.D{{Key: "tenant_id", Value: tenantID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("list archived sessions: %w", err)
	}
	defer cur.Close(ctx)

	var docs []sessionDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode archived sessions: %w", err)
	}
	out := make([]*consultation.Session, 0, len(docs))
	for i := range docs {
		s, err := docs[i].toSession()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Close 断开连接
func (a *MongoArchive) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}

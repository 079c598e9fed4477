package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"identity-service/internal/models"
)

type producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

type rowWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

type indexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// KafkaSink publishes events keyed by account id, so one account's events
// stay ordered within a partition.
type KafkaSink struct {
	producer producer
	topic    string
}

func NewKafkaSink(p producer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, e *models.SecurityEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(e.UserID), value, map[string]string{
		"event_type": string(e.EventType),
		"event_id":   e.EventID,
	})
}

const clickhouseSchema = `CREATE TABLE IF NOT EXISTS security_events (
	event_id String,
	event_bucket UInt16,
	event_date Date,
	event_time DateTime64(3, 'UTC'),
	event_type LowCardinality(String),
	user_id String,
	actor_id String,
	ip_address String,
	request_id String,
	details Map(String, String)
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (event_type, event_date, user_id, event_time)`

const clickhouseInsert = `INSERT INTO security_events
	(event_id, event_bucket, event_date, event_time, event_type, user_id, actor_id, ip_address, request_id, details)`

// ClickHouseSink appends events to the security_events analytics table.
type ClickHouseSink struct {
	db rowWriter
}

func NewClickHouseSink(db rowWriter) *ClickHouseSink {
	return &ClickHouseSink{db: db}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	if err := s.db.Exec(ctx, clickhouseSchema); err != nil {
		return fmt.Errorf("failed to create security_events table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, e *models.SecurityEvent) error {
	details := e.Details
	if details == nil {
		details = map[string]string{}
	}
	row := []interface{}{
		e.EventID, uint16(e.EventBucket), e.EventTime, e.EventTime, string(e.EventType),
		e.UserID, e.ActorID, e.IPAddress, e.RequestID, details,
	}
	return s.db.BatchInsert(ctx, clickhouseInsert, [][]interface{}{row})
}

// ElasticsearchSink indexes events by id, so a retried write is idempotent.
type ElasticsearchSink struct {
	es    indexer
	index string
}

func NewElasticsearchSink(es indexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{es: es, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, e *models.SecurityEvent) error {
	return s.es.IndexDocument(ctx, s.index, e.EventID, e)
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, e *models.SecurityEvent) error {
	s.logger.Info("Security event",
		zap.String("event_id", e.EventID),
		zap.String("event_type", string(e.EventType)),
		zap.String("user_id", e.UserID),
		zap.String("actor_id", e.ActorID),
		zap.String("ip_address", e.IPAddress),
		zap.Any("details", e.Details))
	return nil
}

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"identity-service/internal/bucketing"
	"identity-service/internal/config"
	"identity-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeProducer struct {
	mu      sync.Mutex
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

func (f *fakeProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topic, f.key, f.value, f.headers = topic, key, value, headers
	return nil
}

type fakeRows struct {
	execs []string
	rows  [][]interface{}
}

func (f *fakeRows) Exec(_ context.Context, query string, _ ...interface{}) error {
	f.execs = append(f.execs, query)
	return nil
}

func (f *fakeRows) BatchInsert(_ context.Context, _ string, rows [][]interface{}) error {
	f.rows = append(f.rows, rows...)
	return nil
}

type fakeIndexer struct {
	index, id string
	err       error
}

func (f *fakeIndexer) IndexDocument(ctx context.Context, index, id string, _ interface{}) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	f.index, f.id = index, id
	return f.err
}

func newRecorder(sinks ...Sink) *Recorder {
	r := NewRecorder(bucketing.NewManager(config.StoreConfig{UserBuckets: 8, EventBuckets: 4}), zap.NewNop(), sinks...)
	r.now = func() time.Time { return time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC) }
	return r
}

func TestRecordFansOut(t *testing.T) {
	kafka := &fakeProducer{}
	rows := &fakeRows{}
	es := &fakeIndexer{}

	r := newRecorder(NewKafkaSink(kafka, "security-events"), NewClickHouseSink(rows), NewElasticsearchSink(es, "events"))
	assert.Equal(t, []string{"kafka", "clickhouse", "elasticsearch"}, r.Sinks())

	err := r.Record(context.Background(), models.SecurityEvent{
		EventType: models.EventLoginSucceeded,
		UserID:    "acc-1",
		Details:   map[string]string{"role": "USER"},
	})
	require.NoError(t, err)

	assert.Equal(t, "security-events", kafka.topic)
	assert.Equal(t, []byte("acc-1"), kafka.key)
	assert.Equal(t, "user.login_succeeded", kafka.headers["event_type"])

	var decoded models.SecurityEvent
	require.NoError(t, json.Unmarshal(kafka.value, &decoded))
	assert.NotEmpty(t, decoded.EventID)
	assert.Equal(t, "2026-04-01", decoded.EventDate)

	require.Len(t, rows.rows, 1)
	assert.Equal(t, decoded.EventID, rows.rows[0][0])
	assert.Equal(t, "events", es.index)
	assert.Equal(t, decoded.EventID, es.id)
}

func TestRecordSurvivesCancelledContextAndReportsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	failing := &fakeIndexer{err: errors.New("cluster red")}
	rows := &fakeRows{}

	r := newRecorder(NewElasticsearchSink(failing, "events"), NewClickHouseSink(rows))
	r.logger = zap.New(core)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Record(ctx, models.SecurityEvent{EventType: models.EventVerified, UserID: "acc-2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "elasticsearch")
	assert.Len(t, rows.rows, 1, "healthy sinks still receive the event")
	assert.Equal(t, 1, logs.FilterMessage("Security event sink failed").Len())
}

type failingSink struct {
	name string
	err  error
}

func (f failingSink) Name() string { return f.name }

func (f failingSink) Write(context.Context, *models.SecurityEvent) error { return f.err }

func TestRecordJoinsEverySinkFailure(t *testing.T) {
	errKafka := errors.New("broker down")
	errES := errors.New("cluster red")
	r := newRecorder(failingSink{"kafka", errKafka}, failingSink{"elasticsearch", errES}, NewClickHouseSink(&fakeRows{}))

	err := r.Record(context.Background(), models.SecurityEvent{EventType: models.EventLoginFailed})
	require.Error(t, err)
	assert.ErrorIs(t, err, errKafka)
	assert.ErrorIs(t, err, errES)
	assert.Contains(t, err.Error(), "kafka: broker down")
	assert.Contains(t, err.Error(), "elasticsearch: cluster red")
}

func TestRecordWithoutSinks(t *testing.T) {
	assert.NoError(t, newRecorder().Record(context.Background(), models.SecurityEvent{}))
}

func TestClickHouseEnsureSchema(t *testing.T) {
	rows := &fakeRows{}
	require.NoError(t, NewClickHouseSink(rows).EnsureSchema(context.Background()))
	require.Len(t, rows.execs, 1)
	assert.Contains(t, rows.execs[0], "CREATE TABLE IF NOT EXISTS security_events")
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := newRecorder(NewLogSink(zap.New(core)))

	require.NoError(t, r.Record(context.Background(), models.SecurityEvent{EventType: models.EventRegistered, UserID: "acc-3"}))
	entries := logs.FilterMessage("Security event").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "user.registered", entries[0].ContextMap()["event_type"])
}

func TestRecordUsesRequestInfo(t *testing.T) {
	kafka := &fakeProducer{}
	r := newRecorder(NewKafkaSink(kafka, "t"))

	ctx := WithRequestInfo(context.Background(), RequestInfo{IPAddress: "10.0.0.1", RequestID: "req-1"})
	require.NoError(t, r.Record(ctx, models.SecurityEvent{EventType: models.EventLoginFailed}))

	var decoded models.SecurityEvent
	require.NoError(t, json.Unmarshal(kafka.value, &decoded))
	assert.Equal(t, "10.0.0.1", decoded.IPAddress)
	assert.Equal(t, "req-1", decoded.RequestID)
}

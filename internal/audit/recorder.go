// Package audit records account security events to the configured sinks.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-service/internal/bucketing"
	"identity-service/internal/models"
)

const writeTimeout = 3 * time.Second

// RequestInfo identifies the inbound request that caused an event.
type RequestInfo struct {
	IPAddress string
	RequestID string
}

type requestInfoKey struct{}

func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

func RequestInfoFrom(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}

// Sink persists one security event.
type Sink interface {
	Name() string
	Write(ctx context.Context, event *models.SecurityEvent) error
}

// Recorder fans each event out to every sink concurrently. Events are
// best effort: a failing sink is reported but never blocks the others.
type Recorder struct {
	sinks   []Sink
	buckets *bucketing.Manager
	logger  *zap.Logger
	now     func() time.Time
}

func NewRecorder(buckets *bucketing.Manager, logger *zap.Logger, sinks ...Sink) *Recorder {
	return &Recorder{
		sinks:   sinks,
		buckets: buckets,
		logger:  logger,
		now:     time.Now,
	}
}

func (r *Recorder) Sinks() []string {
	names := make([]string, len(r.sinks))
	for i, s := range r.sinks {
		names[i] = s.Name()
	}
	return names
}

// Record stamps the event and writes it to all sinks. The write outlives
// cancellation of ctx so that a client disconnect does not drop the event.
// Every sink failure is included in the returned error.
func (r *Recorder) Record(ctx context.Context, event models.SecurityEvent) error {
	if len(r.sinks) == 0 {
		return nil
	}

	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.EventTime.IsZero() {
		event.EventTime = r.now().UTC()
	}
	info := RequestInfoFrom(ctx)
	if event.IPAddress == "" {
		event.IPAddress = info.IPAddress
	}
	if event.RequestID == "" {
		event.RequestID = info.RequestID
	}
	event.EventDate = r.buckets.DateBucket(event.EventTime)
	event.EventBucket = r.buckets.EventBucket(event.UserID)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, sink := range r.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Write(ctx, &event); err != nil {
				r.logger.Warn("Security event sink failed",
					zap.String("sink", sink.Name()),
					zap.String("event_type", string(event.EventType)),
					zap.String("event_id", event.EventID),
					zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Package events delivers job status transitions to external consumers.
// Delivery is best-effort by contract: the engine never blocks on, or fails
// because of, a sink.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"automation-dispatch-engine/internal/models"
)

// Sink consumes job status transitions.
type Sink interface {
	Emit(ctx context.Context, event models.StatusEvent)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(context.Context, models.StatusEvent) {}

// LogSink writes transitions to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, event models.StatusEvent) {
	s.logger.Info("job status",
		zap.String("job_id", event.JobID),
		zap.String("state", event.State),
		zap.Time("timestamp", event.Timestamp))
}

// RedisSink publishes transitions on a Redis pub/sub channel for the UI or
// notification layer. Publish errors are logged and dropped.
type RedisSink struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisSink(client *redis.Client, channel string, logger *zap.Logger) *RedisSink {
	return &RedisSink{client: client, channel: channel, logger: logger}
}

func (s *RedisSink) Emit(ctx context.Context, event models.StatusEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	// Bounded so a slow Redis cannot stall a dispatch worker.
	pubCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.client.Publish(pubCtx, s.channel, payload).Err(); err != nil {
		s.logger.Warn("status event publish failed", zap.String("job_id", event.JobID), zap.Error(err))
	}
}

// Multi fans out to several sinks.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, event models.StatusEvent) {
	for _, s := range m {
		s.Emit(ctx, event)
	}
}

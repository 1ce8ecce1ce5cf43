// Package events publishes engine lifecycle events. Events are emitted only
// after the state they describe has been committed.
package events

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamKey is the Redis stream all events are appended to.
const StreamKey = "engine:events"

// Event types.
const (
	TypeRequestPosted  = "RequestPosted"
	TypeResultPosted   = "ResultPosted"
	TypeBatchAdmitted  = "BatchAdmitted"
	TypeFeeAdded       = "FeeAdded"
	TypeFeeWithdrawn   = "FeeWithdrawn"
	TypeFeesIncreased  = "FeesIncreased"
	TypeFeeDistributed = "FeeDistributed"
)

// Event is one observable engine occurrence.
type Event struct {
	Type   string
	Fields map[string]string
}

// Sink receives committed-state events. Implementations must not call back
// into the engine.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// RedisSink appends events to a Redis stream and mirrors them to the log.
// Emission failures are logged, never propagated: the state transition the
// event describes has already committed.
type RedisSink struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewRedisSink(rdb *redis.Client, log *zap.Logger) *RedisSink {
	return &RedisSink{rdb: rdb, log: log}
}

func (s *RedisSink) Emit(ctx context.Context, ev Event) {
	values := make(map[string]interface{}, len(ev.Fields)+1)
	values["type"] = ev.Type
	fields := make([]zap.Field, 0, len(ev.Fields))
	for k, v := range ev.Fields {
		values[k] = v
		fields = append(fields, zap.String(k, v))
	}

	if err := s.rdb.XAdd(ctx, &redis.XAddArgs{Stream: StreamKey, Values: values}).Err(); err != nil {
		s.log.Error("event emit failed", zap.String("type", ev.Type), zap.Error(err))
	}
	s.log.Info(ev.Type, fields...)
}

package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/eleven-am/call-relay/internal/shared"
	"github.com/eleven-am/call-relay/internal/transport"
	"github.com/redis/go-redis/v9"
)

const (
	configTTL  = time.Hour
	liveTTL    = 4 * time.Hour
	endedTTL   = 10 * time.Minute
	metricsTTL = 7 * 24 * time.Hour
)

type Store struct {
	redis *redis.Client
	now   func() time.Time
}

func NewStore(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient, now: time.Now}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// SaveConfig stores settings for a call that has been placed but whose media
// stream has not arrived yet.
func (s *Store) SaveConfig(ctx context.Context, cfg *transport.CallConfig) error {
	if cfg.CallID == "" {
		return fmt.Errorf("call id is required")
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, ConfigKey(cfg.CallID), data, configTTL).Err()
}

func (s *Store) GetConfig(ctx context.Context, callID string) (*transport.CallConfig, error) {
	data, err := s.redis.Get(ctx, ConfigKey(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var cfg transport.CallConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Store) DeleteConfig(ctx context.Context, callID string) error {
	n, err := s.redis.Del(ctx, ConfigKey(callID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (s *Store) Announce(ctx context.Context, call *LiveCall) error {
	now := s.now().UTC()
	if call.StartedAt.IsZero() {
		call.StartedAt = now
	}
	call.LastActiveAt = now
	return s.putLive(ctx, call, liveTTL)
}

// Touch records a state change on a live call and refreshes its expiry.
func (s *Store) Touch(ctx context.Context, callID, state string) error {
	call, err := s.GetLive(ctx, callID)
	if err != nil {
		return err
	}
	call.State = state
	call.LastActiveAt = s.now().UTC()
	return s.putLive(ctx, call, liveTTL)
}

// End marks a call closed. The record lingers briefly so late lookups can
// still see how the call finished.
func (s *Store) End(ctx context.Context, callID, reason string) error {
	call, err := s.GetLive(ctx, callID)
	if errors.Is(err, shared.ErrNotFound) {
		call = &LiveCall{CallID: callID, StartedAt: s.now().UTC()}
	} else if err != nil {
		return err
	}
	call.State = "closed"
	call.CloseReason = reason
	call.LastActiveAt = s.now().UTC()
	return s.putLive(ctx, call, endedTTL)
}

func (s *Store) GetLive(ctx context.Context, callID string) (*LiveCall, error) {
	data, err := s.redis.Get(ctx, LiveKey(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var call LiveCall
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

func (s *Store) putLive(ctx context.Context, call *LiveCall, ttl time.Duration) error {
	data, err := json.Marshal(call)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, LiveKey(call.CallID), data, ttl).Err()
}

func (s *Store) IncrementMetric(ctx context.Context, agentID string, field string, value int64) error {
	return s.IncrementMetrics(ctx, agentID, map[string]int64{field: value})
}

// IncrementMetrics adds to several counters of the current hour bucket in one
// round trip.
func (s *Store) IncrementMetrics(ctx context.Context, agentID string, fields map[string]int64) error {
	if agentID == "" || len(fields) == 0 {
		return nil
	}
	now := s.now().UTC()
	key := MetricsRedisKey(agentID, now.Format("2006-01-02"), now.Hour())

	pipe := s.redis.Pipeline()
	for field, value := range fields {
		pipe.HIncrBy(ctx, key, field, value)
	}
	pipe.Expire(ctx, key, metricsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) GetMetrics(ctx context.Context, agentID string, hours int) ([]*Metrics, error) {
	now := s.now().UTC()
	var metrics []*Metrics

	for i := 0; i < hours; i++ {
		t := now.Add(-time.Duration(i) * time.Hour)
		key := MetricsRedisKey(agentID, t.Format("2006-01-02"), t.Hour())

		data, err := s.redis.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}

		m := &Metrics{
			AgentID: agentID,
			Date:    t.Format("2006-01-02"),
			Hour:    t.Hour(),
		}
		m.Calls = parseCount(data, FieldCalls)
		m.Streaming = parseCount(data, FieldStreaming)
		m.Completed = parseCount(data, FieldCompleted)
		m.TimedOut = parseCount(data, FieldTimedOut)
		m.Errors = parseCount(data, FieldErrors)
		m.InboundBytes = parseCount(data, FieldInboundBytes)
		m.OutboundBytes = parseCount(data, FieldOutboundBytes)
		m.Marks = parseCount(data, FieldMarks)
		m.BackpressurePauses = parseCount(data, FieldBackpressurePauses)

		if count := parseCount(data, FieldDurationCount); count > 0 {
			m.AvgDurationMs = parseCount(data, FieldTotalDurationMs) / count
		}

		metrics = append(metrics, m)
	}

	return metrics, nil
}

func parseCount(data map[string]string, field string) int64 {
	v, _ := strconv.ParseInt(data[field], 10, 64)
	return v
}

func (s *Store) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.redis.Publish(ctx, EventsChannel, data).Err()
}

// Subscribe streams lifecycle events until ctx ends or the returned close
// function is called. Undecodable messages are skipped.
func (s *Store) Subscribe(ctx context.Context) (<-chan Event, func() error, error) {
	sub := s.redis.Subscribe(ctx, EventsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close, nil
}

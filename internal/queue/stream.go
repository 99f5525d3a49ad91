package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// payloadField is the stream entry field carrying the job message JSON.
const payloadField = "payload"

// ErrNoMessage is returned by Receive when the blocking read expires without
// a message.
var ErrNoMessage = errors.New("no message")

// Defaults applied when a StreamConfig field is zero.
const (
	DefaultBlock         = 5 * time.Second
	DefaultClaimMinIdle  = 15 * time.Minute
	DefaultClaimInterval = 30 * time.Second
	DefaultMaxDeliveries = 3
)

// StreamConfig names the stream, group and consumer and bounds redelivery.
type StreamConfig struct {
	Stream     string
	Group      string
	Consumer   string
	DeadLetter string
	MaxLen     int64
	Block      time.Duration
	// ClaimMinIdle is how long a delivered message must stay unacknowledged
	// before it is reclaimed for redelivery. It must exceed the longest run
	// of a job or in-flight messages are delivered twice.
	ClaimMinIdle  time.Duration
	ClaimInterval time.Duration
	// MaxDeliveries bounds how often one message is delivered before it is
	// dead-lettered.
	MaxDeliveries int64
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.Block <= 0 {
		c.Block = DefaultBlock
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = DefaultClaimMinIdle
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = DefaultClaimInterval
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = DefaultMaxDeliveries
	}
	if c.DeadLetter == "" {
		c.DeadLetter = c.Stream + ":dead"
	}
	return c
}

// Delivery is one message handed to the consumer.
type Delivery struct {
	ID      string
	Payload []byte
	// Deliveries counts how often the message was delivered, this one included.
	Deliveries int64
}

// RedisStream receives job messages from a consumer group.
type RedisStream struct {
	rc     redis.UniversalClient
	cfg    StreamConfig
	logger *slog.Logger

	mu        sync.Mutex
	claimed   []Delivery
	lastClaim time.Time
}

// NewRedisStream creates a stream source. Call EnsureGroup before Receive.
func NewRedisStream(rc redis.UniversalClient, cfg StreamConfig, logger *slog.Logger) *RedisStream {
	return &RedisStream{
		rc:     rc,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// EnsureGroup creates the stream and the consumer group if they do not exist.
func (s *RedisStream) EnsureGroup(ctx context.Context) error {
	err := s.rc.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	// BUSYGROUP means the group already exists.
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", s.cfg.Group, s.cfg.Stream, err)
	}
	return nil
}

// Receive returns the next message. Reclaimed messages are handed out before
// new ones. It blocks up to the configured block time and returns
// ErrNoMessage when nothing arrived.
func (s *RedisStream) Receive(ctx context.Context) (Delivery, error) {
	if d, ok := s.nextClaimed(ctx); ok {
		return d, nil
	}

	streams, err := s.rc.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{s.cfg.Stream, ">"},
		Count:    1,
		Block:    s.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, ErrNoMessage
	}
	if err != nil {
		if ctx.Err() != nil {
			return Delivery{}, ctx.Err()
		}
		return Delivery{}, fmt.Errorf("read group: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return Delivery{}, ErrNoMessage
	}
	return toDelivery(streams[0].Messages[0], 1), nil
}

// nextClaimed pops a reclaimed message, running a reclaim pass first when the
// claim interval elapsed.
func (s *RedisStream) nextClaimed(ctx context.Context) (Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.claimed) == 0 && time.Since(s.lastClaim) >= s.cfg.ClaimInterval {
		s.lastClaim = time.Now()
		claimed, err := s.reclaim(ctx)
		if err != nil {
			s.logger.Warn("reclaim pass failed", "stream", s.cfg.Stream, "error", err)
		}
		s.claimed = append(s.claimed, claimed...)
	}
	if len(s.claimed) == 0 {
		return Delivery{}, false
	}
	d := s.claimed[0]
	s.claimed = s.claimed[1:]
	return d, true
}

// reclaim takes over messages that stayed unacknowledged for longer than the
// minimum idle time. Messages already delivered the maximum number of times
// are dead-lettered instead.
func (s *RedisStream) reclaim(ctx context.Context) ([]Delivery, error) {
	pending, err := s.rc.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.cfg.Stream,
		Group:  s.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	counts := make(map[string]int64)
	var ids []string
	for _, p := range pending {
		if p.Idle < s.cfg.ClaimMinIdle {
			continue
		}
		if p.RetryCount >= s.cfg.MaxDeliveries {
			if err := s.deadLetterPending(ctx, p.ID, p.RetryCount); err != nil {
				s.logger.Error("failed to dead-letter message", "message_id", p.ID, "error", err)
			}
			continue
		}
		ids = append(ids, p.ID)
		counts[p.ID] = p.RetryCount
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := s.rc.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.cfg.Stream,
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		MinIdle:  s.cfg.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}

	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toDelivery(m, counts[m.ID]+1))
		s.logger.Info("reclaimed message", "message_id", m.ID, "deliveries", counts[m.ID]+1)
	}
	return out, nil
}

// Ack acknowledges a processed message.
func (s *RedisStream) Ack(ctx context.Context, d Delivery) error {
	if err := s.rc.XAck(ctx, s.cfg.Stream, s.cfg.Group, d.ID).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	return nil
}

// Reject moves a message that must never be redelivered to the dead-letter
// stream and acknowledges it.
func (s *RedisStream) Reject(ctx context.Context, d Delivery, reason string) error {
	if err := s.deadLetter(ctx, d.ID, string(d.Payload), reason, d.Deliveries); err != nil {
		return err
	}
	return s.Ack(ctx, d)
}

func (s *RedisStream) deadLetterPending(ctx context.Context, id string, deliveries int64) error {
	msgs, err := s.rc.XRangeN(ctx, s.cfg.Stream, id, id, 1).Result()
	if err != nil {
		return fmt.Errorf("read %s: %w", id, err)
	}
	payload := ""
	if len(msgs) > 0 {
		payload, _ = msgs[0].Values[payloadField].(string)
	}
	if err := s.deadLetter(ctx, id, payload, "max deliveries exceeded", deliveries); err != nil {
		return err
	}
	if err := s.rc.XAck(ctx, s.cfg.Stream, s.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	s.logger.Warn("message dead-lettered", "message_id", id, "deliveries", deliveries)
	return nil
}

func (s *RedisStream) deadLetter(ctx context.Context, id, payload, reason string, deliveries int64) error {
	err := s.rc.XAdd(ctx, &redis.XAddArgs{
		Stream: s.cfg.DeadLetter,
		MaxLen: s.cfg.MaxLen,
		Approx: s.cfg.MaxLen > 0,
		Values: map[string]any{
			payloadField: payload,
			"source_id":  id,
			"reason":     reason,
			"deliveries": deliveries,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", id, err)
	}
	return nil
}

func toDelivery(m redis.XMessage, deliveries int64) Delivery {
	raw, _ := m.Values[payloadField].(string)
	return Delivery{ID: m.ID, Payload: []byte(raw), Deliveries: deliveries}
}

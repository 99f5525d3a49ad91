package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stolink/imageworker/internal/model"
)

// Producer appends job messages to a stream.
type Producer struct {
	rc     redis.UniversalClient
	stream string
	maxLen int64
}

// NewProducer creates a producer for stream. A positive maxLen caps the
// stream length approximately.
func NewProducer(rc redis.UniversalClient, stream string, maxLen int64) *Producer {
	return &Producer{rc: rc, stream: stream, maxLen: maxLen}
}

// Publish encodes msg as JSON and appends it to the stream, returning the
// entry ID.
func (p *Producer) Publish(ctx context.Context, msg model.Message) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	id, err := p.rc.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: p.maxLen > 0,
		Values: map[string]any{
			payloadField: string(raw),
			"attempt":    0,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish job %s: %w", msg.JobID, err)
	}
	return id, nil
}

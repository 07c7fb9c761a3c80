package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// OffsetSequencer hands out monotonically increasing offsets per
// (topic, partition). Offsets start at 1.
type OffsetSequencer struct {
	client *goredis.Client
}

func NewOffsetSequencer(client *goredis.Client) (*OffsetSequencer, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &OffsetSequencer{client: client}, nil
}

func (s *OffsetSequencer) Next(ctx context.Context, topic string, partition int) (int64, error) {
	offset, err := s.client.Incr(ctx, offsetKey(topic, partition)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to assign offset for %s/%d: %w", topic, partition, err)
	}
	return offset, nil
}

func offsetKey(topic string, partition int) string {
	return fmt.Sprintf("bus:offset:%s:%d", topic, partition)
}

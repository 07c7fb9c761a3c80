package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a best-effort mutual exclusion lock with a TTL.
type Lease struct {
	client *goredis.Client
	newID  func() string
}

func NewLease(client *goredis.Client) (*Lease, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Lease{client: client, newID: uuid.NewString}, nil
}

// Acquire takes the named lease for ttl. ok is false when another holder owns
// it. release is nil unless ok.
func (l *Lease) Acquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, ok bool, err error) {
	key := "lease:" + name
	token := l.newID()

	ok, err = l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func(ctx context.Context) error {
		err := releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return fmt.Errorf("failed to release lease %s: %w", name, err)
		}
		return nil
	}
	return release, true, nil
}

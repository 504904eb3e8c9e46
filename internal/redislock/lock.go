// Package redislock provides a single-holder lease on a Redis key.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"brokerdesk/api/internal/util"
)

// ErrNotHeld is returned by Release when the lease expired or was taken over.
var ErrNotHeld = errors.New("lock not held")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	client *redis.Client
	prefix string
}

func New(client *redis.Client) *Locker {
	return &Locker{client: client, prefix: "lock:"}
}

// Lease is a held lock. Release it when the guarded work finishes.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Acquire takes the named lock for ttl. It returns ok=false without error
// when another holder owns it.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	key := l.prefix + name
	token := util.NewToken("")
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{locker: l, key: key, token: token}, true, nil
}

func (lease *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, lease.locker.client, []string{lease.key}, lease.token).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

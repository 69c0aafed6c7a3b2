package apflow

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Leaser = (*RedisLeaser)(nil)

const redisLeaseKeyPrefix = "apflow:lease:"

var (
	renewLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLeaser holds workflow leases as SET NX keys with a TTL. Expiry is enforced by
// Redis itself, so a crashed holder's lease lapses without cleanup.
type RedisLeaser struct {
	client redis.Cmdable
	prefix string
}

func NewRedisLeaser(client redis.Cmdable) *RedisLeaser {
	return &RedisLeaser{client: client, prefix: redisLeaseKeyPrefix}
}

func (l *RedisLeaser) AcquireLease(ctx context.Context, workflowID, owner string, ttl time.Duration) (*Lease, error) {
	token := newLeaseToken()

	ok, err := l.client.SetNX(ctx, l.key(workflowID), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease setnx: %w", err)
	}
	if !ok {
		return nil, ErrWorkflowBusy
	}

	return &Lease{
		WorkflowID: workflowID,
		Token:      token,
		Owner:      owner,
		ExpiresAt:  time.Now().Add(ttl),
	}, nil
}

func (l *RedisLeaser) RenewLease(ctx context.Context, lease *Lease, ttl time.Duration) error {
	renewed, err := renewLeaseScript.Run(ctx, l.client,
		[]string{l.key(lease.WorkflowID)}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if renewed == 0 {
		return ErrLeaseLost
	}
	lease.ExpiresAt = time.Now().Add(ttl)

	return nil
}

func (l *RedisLeaser) ReleaseLease(ctx context.Context, lease *Lease) error {
	err := releaseLeaseScript.Run(ctx, l.client, []string{l.key(lease.WorkflowID)}, lease.Token).Err()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}

	return nil
}

func (l *RedisLeaser) key(workflowID string) string {
	return l.prefix + workflowID
}

package evidence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xtrntr/escrow/internal/models"
)

const defaultRedisPrefix = "escrow:evidence:"

// claimScript sets every key only if none of them exists yet.
var claimScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
  if redis.call("EXISTS", key) == 1 then
    return key
  end
end
for _, key in ipairs(KEYS) do
  redis.call("SET", key, ARGV[1], "PX", ARGV[2])
end
return ""
`)

// RedisRegistry keeps claims outside the ledger process so they survive a
// restart of the single ledger instance. It does not coordinate several
// ledger instances; ledger state lives in one process. A claim expires after
// ttl, which should outlive the host's payment confirmation window.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisRegistry(client *redis.Client, ttl time.Duration, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisRegistry{client: client, ttl: ttl, prefix: prefix}
}

func (r *RedisRegistry) Claim(ctx context.Context, payments []models.Payment) error {
	ids, err := txIDs(payments)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	ttlMS := int64(r.ttl / time.Millisecond)
	if ttlMS <= 0 {
		return fmt.Errorf("invalid evidence ttl %s", r.ttl)
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, r.prefix+id)
	}
	res, err := claimScript.Run(ctx, r.client, keys, time.Now().UTC().Format(time.RFC3339), ttlMS).Result()
	if err != nil {
		return fmt.Errorf("failed to claim evidence: %w", err)
	}
	taken, ok := res.(string)
	if !ok {
		return fmt.Errorf("unexpected redis response %T", res)
	}
	if taken != "" {
		return fmt.Errorf("%s: %w", taken[len(r.prefix):], ErrReplayed)
	}
	return nil
}

func (r *RedisRegistry) Release(ctx context.Context, payments []models.Payment) error {
	if len(payments) == 0 {
		return nil
	}
	keys := make([]string, 0, len(payments))
	for _, p := range payments {
		if id := strings.TrimSpace(p.TxID); id != "" {
			keys = append(keys, r.prefix+id)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to release evidence: %w", err)
	}
	return nil
}

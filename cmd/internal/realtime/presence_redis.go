package realtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"helpdesk/cmd/internal/conversation"
)

// DefaultPresenceTTL bounds how long a presence hash survives without a heartbeat refresh.
const DefaultPresenceTTL = 90 * time.Second

// Scripts run atomically on the server. A field is only replaced or removed by the connection
// that owns it, or when it is absent.
var (
	presenceDetachScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`)

	presenceRefreshScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], ARGV[1])
if cur == false or cur == ARGV[2] then
	redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
end
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)
)

// RedisPresence shares presence across gateway nodes. Each conversation is one hash
// (field = role, value = connection id) with a TTL refreshed by heartbeats.
type RedisPresence struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisPresence wraps rdb. ttl <= 0 uses DefaultPresenceTTL.
func NewRedisPresence(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisPresence {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "helpdesk:presence:"
	}
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &RedisPresence{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (p *RedisPresence) key(conversationID string) string { return p.prefix + conversationID }

func (p *RedisPresence) Attach(ctx context.Context, conversationID string, role conversation.Role, connID string) error {
	key := p.key(conversationID)
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, string(role), connID)
		pipe.PExpire(ctx, key, p.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence attach: %w", err)
	}
	return nil
}

func (p *RedisPresence) Detach(ctx context.Context, conversationID string, role conversation.Role, connID string) error {
	if err := presenceDetachScript.Run(ctx, p.rdb, []string{p.key(conversationID)}, string(role), connID).Err(); err != nil {
		return fmt.Errorf("presence detach: %w", err)
	}
	return nil
}

func (p *RedisPresence) Refresh(ctx context.Context, conversationID string, role conversation.Role, connID string) error {
	err := presenceRefreshScript.Run(ctx, p.rdb, []string{p.key(conversationID)}, string(role), connID, p.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("presence refresh: %w", err)
	}
	return nil
}

func (p *RedisPresence) Online(ctx context.Context, conversationID string) (Online, error) {
	fields, err := p.rdb.HGetAll(ctx, p.key(conversationID)).Result()
	if err != nil {
		return Online{}, fmt.Errorf("presence online: %w", err)
	}
	var out Online
	for role := range fields {
		out.set(conversation.Role(role))
	}
	return out, nil
}

func (p *RedisPresence) Clear(ctx context.Context, conversationID string) error {
	if err := p.rdb.Del(ctx, p.key(conversationID)).Err(); err != nil {
		return fmt.Errorf("presence clear: %w", err)
	}
	return nil
}

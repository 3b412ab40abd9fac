package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eleven-am/pondchat/models"
)

// RedisPresenceStore keeps user presence in Redis hashes so every node of a
// deployment reads the same last-seen values.
type RedisPresenceStore struct {
	client *redis.Client
}

// NewRedisPresenceStore wraps an existing client; the caller owns its lifecycle.
func NewRedisPresenceStore(ctx context.Context, client *redis.Client) (*RedisPresenceStore, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisPresenceStore{client: client}, nil
}

func presenceKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

// lastSeenScript keeps last_seen monotonic across nodes.
var lastSeenScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'last_seen_unix')
redis.call('HSET', KEYS[1], 'status', ARGV[1])
if ARGV[2] ~= '' and (not current or tonumber(ARGV[2]) > tonumber(current)) then
	redis.call('HSET', KEYS[1], 'last_seen', ARGV[3], 'last_seen_unix', ARGV[2])
end
return 1
`)

// SetStatus records the status of a user.
func (s *RedisPresenceStore) SetStatus(ctx context.Context, state models.PresenceState) error {
	unix, formatted := "", ""
	if state.LastSeen != nil {
		unix = fmt.Sprintf("%d", state.LastSeen.UnixMicro())
		formatted = state.LastSeen.UTC().Format(time.RFC3339Nano)
	}
	return lastSeenScript.Run(ctx, s.client, []string{presenceKey(state.UserID)},
		string(state.Status), unix, formatted).Err()
}

// GetStatus returns the stored status, offline when the user was never seen.
func (s *RedisPresenceStore) GetStatus(ctx context.Context, userID string) (models.PresenceState, error) {
	values, err := s.client.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return models.PresenceState{}, err
	}
	if len(values) == 0 {
		return offlineState(userID), nil
	}

	state := models.PresenceState{UserID: userID, Status: models.PresenceStatus(values["status"])}
	if raw, ok := values["last_seen"]; ok && raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return models.PresenceState{}, fmt.Errorf("invalid last_seen for %s: %w", userID, err)
		}
		state.LastSeen = &t
	}
	return state, nil
}

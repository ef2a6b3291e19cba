package room

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence mirrors mod connectivity into Redis so I7 (at most one live mod
// connection per participant) holds across a multi-instance deployment, not
// just within one process. Grounded on the teacher's infra.GoRedisAdapter
// SAdd/SRem/SMembers wrapping.
type Presence interface {
	// TryClaim adds participantID to the race's mod set, returning false if
	// it was already a member (another instance holds the connection).
	TryClaim(ctx context.Context, raceID, participantID string) (bool, error)
	Release(ctx context.Context, raceID, participantID string) error
	Members(ctx context.Context, raceID string) ([]string, error)
}

// redisPresence is the cross-process implementation, backed by a Redis set
// per race at key "room:<race_id>:mods".
type redisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(addr, password string, db int) (Presence, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("room: redis ping: %w", err)
	}
	return &redisPresence{rdb: rdb}, nil
}

func presenceKey(raceID string) string {
	return "room:" + raceID + ":mods"
}

// TryClaim uses SADD's return value directly: it reports how many elements
// were newly added, so 1 means this call won the claim and 0 means someone
// else already holds it (I7).
func (p *redisPresence) TryClaim(ctx context.Context, raceID, participantID string) (bool, error) {
	added, err := p.rdb.SAdd(ctx, presenceKey(raceID), participantID).Result()
	if err != nil {
		return false, fmt.Errorf("room: claim presence: %w", err)
	}
	return added == 1, nil
}

func (p *redisPresence) Release(ctx context.Context, raceID, participantID string) error {
	if err := p.rdb.SRem(ctx, presenceKey(raceID), participantID).Err(); err != nil {
		return fmt.Errorf("room: release presence: %w", err)
	}
	return nil
}

func (p *redisPresence) Members(ctx context.Context, raceID string) ([]string, error) {
	members, err := p.rdb.SMembers(ctx, presenceKey(raceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("room: presence members: %w", err)
	}
	return members, nil
}

// noopPresence is used when Redis is disabled (single-instance deployment);
// the in-process Room.mods map already enforces I7 in that case, so this
// layer has nothing to add.
type noopPresence struct{}

func NewNoopPresence() Presence { return noopPresence{} }

func (noopPresence) TryClaim(ctx context.Context, raceID, participantID string) (bool, error) {
	return true, nil
}
func (noopPresence) Release(ctx context.Context, raceID, participantID string) error { return nil }
func (noopPresence) Members(ctx context.Context, raceID string) ([]string, error)    { return nil, nil }

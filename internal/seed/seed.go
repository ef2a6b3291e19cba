// Package seed implements C8's four operations over internal/store's seed
// methods, adding the Redis SPOP fast path for uniform-random selection
// ahead of the Postgres ORDER BY random() fallback (spec.md's domain-stack
// expansion), and enforcing I1/I2 at the service boundary so callers never
// need to know the invariants themselves.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/speedfog/racing-core/internal/domain"
	"github.com/speedfog/racing-core/internal/store"
)

// Pool mirrors one seed pool's AVAILABLE ids into a Redis set so Assign can
// SPOP instead of issuing a row-locking query, falling back to Postgres
// whenever Redis is unavailable or the set has drained out of sync.
type Pool interface {
	Mirror(ctx context.Context, pool string, ids []string) error
	Pop(ctx context.Context, pool string, exclude string) (string, bool, error)
	Remove(ctx context.Context, pool, id string) error
}

type redisPool struct {
	rdb *redis.Client
}

func NewRedisPool(rdb *redis.Client) Pool {
	return &redisPool{rdb: rdb}
}

func poolKey(pool string) string { return "seedpool:" + pool }

func (p *redisPool) Mirror(ctx context.Context, pool string, ids []string) error {
	key := poolKey(pool)
	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(ids) > 0 {
		members := make([]any, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		pipe.SAdd(ctx, key, members...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Pop removes and returns one random member other than exclude. Since
// SPOP can't exclude inline, a member equal to exclude is put back and the
// attempt retried once; a genuinely empty (or exclude-only) set reports
// found=false so the caller can go to Postgres.
func (p *redisPool) Pop(ctx context.Context, pool, exclude string) (string, bool, error) {
	key := poolKey(pool)
	for attempt := 0; attempt < 2; attempt++ {
		id, err := p.rdb.SPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		if id != exclude {
			return id, true, nil
		}
		// Popped the excluded id; restore it and try once more. A second hit
		// (e.g. a single-member set) falls through to Postgres rather than spin.
		p.rdb.SAdd(ctx, key, id)
	}
	return "", false, nil
}

func (p *redisPool) Remove(ctx context.Context, pool, id string) error {
	return p.rdb.SRem(ctx, poolKey(pool), id).Err()
}

// noopPool is used when Redis is disabled; every Pop reports not-found so
// Service always falls back to store.PickRandomAvailableSeedID.
type noopPool struct{}

func NewNoopPool() Pool { return noopPool{} }

func (noopPool) Mirror(ctx context.Context, pool string, ids []string) error { return nil }
func (noopPool) Pop(ctx context.Context, pool, exclude string) (string, bool, error) {
	return "", false, nil
}
func (noopPool) Remove(ctx context.Context, pool, id string) error { return nil }

// Service implements C8.
type Service struct {
	store *store.Store
	pool  Pool
	log   *slog.Logger
}

func New(st *store.Store, pool Pool, log *slog.Logger) *Service {
	return &Service{store: st, pool: pool, log: log}
}

// Assign picks a seed uniformly at random from AVAILABLE seeds in poolName,
// marks it CONSUMED, and points race.seed_id at it (spec.md §4.8).
func (s *Service) Assign(ctx context.Context, raceID, poolName string) (*domain.Seed, error) {
	return s.assignExcluding(ctx, raceID, poolName, "")
}

func (s *Service) assignExcluding(ctx context.Context, raceID, poolName, exclude string) (*domain.Seed, error) {
	seedID, err := s.pickSeedID(ctx, poolName, exclude)
	if err != nil {
		return nil, err
	}

	if err := s.store.AssignSeedToRace(ctx, raceID, seedID); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Another caller consumed it first (Redis mirror drifted from
			// Postgres truth); mirror removal and retry once via Postgres.
			_ = s.pool.Remove(ctx, poolName, seedID)
			seedID, err = s.store.PickRandomAvailableSeedID(ctx, poolName, exclude)
			if err != nil {
				return nil, err
			}
			if err := s.store.AssignSeedToRace(ctx, raceID, seedID); err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}
	_ = s.pool.Remove(ctx, poolName, seedID)

	return s.store.GetSeed(ctx, seedID)
}

func (s *Service) pickSeedID(ctx context.Context, poolName, exclude string) (string, error) {
	if id, found, err := s.pool.Pop(ctx, poolName, exclude); err == nil && found {
		return id, nil
	} else if err != nil {
		s.log.Warn("seed: redis pool pop failed, falling back to postgres", "pool", poolName, "error", err)
	}
	return s.store.PickRandomAvailableSeedID(ctx, poolName, exclude)
}

// Reroll is valid only while the race is in SETUP and seeds have not been
// released (spec.md §4.8, §9). It releases the current seed (unless
// DISCARDED) and assigns a new one from the same pool, excluding the
// released id.
func (s *Service) Reroll(ctx context.Context, race *domain.Race, poolName string) (*domain.Seed, error) {
	if race.Status != domain.RaceSetup {
		return nil, fmt.Errorf("seed: reroll: race is %s, not SETUP", race.Status)
	}
	if race.SeedsReleasedAt != nil {
		return nil, errors.New("seed: reroll: seeds already released")
	}

	previous := race.SeedID
	if previous != "" {
		prevSeed, err := s.store.GetSeed(ctx, previous)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if prevSeed != nil && prevSeed.Status != domain.SeedDiscarded {
			if err := s.store.ReleaseSeedToAvailable(ctx, previous); err != nil {
				return nil, err
			}
			_ = s.pool.Mirror(ctx, poolName, mustIDs(s.store.AvailableSeedIDs(ctx, poolName)))
		}
	}

	return s.assignExcluding(ctx, race.ID, poolName, previous)
}

// DiscardPool retires every AVAILABLE and CONSUMED seed in poolName in one
// statement (I2: a discarded seed never returns to AVAILABLE).
func (s *Service) DiscardPool(ctx context.Context, poolName string) error {
	if err := s.store.DiscardPool(ctx, poolName); err != nil {
		return err
	}
	return s.pool.Mirror(ctx, poolName, nil)
}

// Release sets seeds_released_at; the seed itself stays CONSUMED.
func (s *Service) Release(ctx context.Context, raceID string) (*domain.Race, error) {
	return s.store.MarkSeedsReleased(ctx, raceID)
}

func mustIDs(ids []string, err error) []string {
	if err != nil {
		return nil
	}
	return ids
}

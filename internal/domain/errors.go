package domain

import "errors"

// Error taxonomy from spec.md §7. Each is kept local to the connection or
// transaction boundary that produced it — callers decide how to surface it,
// the sentinel itself carries no transport concerns.
var (
	// ErrConflict is an optimistic-concurrency loss on a versioned UPDATE (I6).
	ErrConflict = errors.New("speedfog: optimistic conflict")
	// ErrNotFound means the entity id did not resolve to a row.
	ErrNotFound = errors.New("speedfog: not found")
	// ErrAuthTimeout means the first inbound message did not arrive in time.
	ErrAuthTimeout = errors.New("speedfog: auth timeout")
	// ErrAuthFailed means the mod_token/race/participant checks failed.
	ErrAuthFailed = errors.New("speedfog: auth failed")
	// ErrDuplicateConnection means a second live mod connection was attempted (I7).
	ErrDuplicateConnection = errors.New("speedfog: participant already connected")
	// ErrRaceFinished means the race can no longer accept mod connections.
	ErrRaceFinished = errors.New("speedfog: race finished")
	// ErrResolverMiss means a zone_query or event_flag could not be resolved.
	ErrResolverMiss = errors.New("speedfog: resolver miss")
	// ErrSeedPoolExhausted means no AVAILABLE seed remains in a pool.
	ErrSeedPoolExhausted = errors.New("speedfog: seed pool exhausted")
	// ErrRaceNotRunning gates messages that require RaceRunning (§4.6).
	ErrRaceNotRunning = errors.New("speedfog: race not running")
)

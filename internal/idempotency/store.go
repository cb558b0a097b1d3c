package idempotency

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// Validity is how long a key protects its response. Rows are not deleted
// when it elapses; lookups just stop seeing them.
const Validity = 24 * time.Hour

// MaxKeyLength bounds caller-supplied keys
const MaxKeyLength = 128

var (
	// ErrDuplicateKey means another request already reserved the key.
	ErrDuplicateKey = errors.New("idempotency key already used")
	// ErrKeyTooLong rejects oversized caller-supplied keys.
	ErrKeyTooLong = errors.New("idempotency key too long")
)

// Record is one reserved key and the response it locked in
type Record struct {
	Key       string
	Response  json.RawMessage
	Actor     string
	CreatedAt time.Time
}

// MakeKey validates a caller-supplied key or generates one of the form
// pf-<unix-ms>-<12 hex bytes>.
func MakeKey(provided string) (string, error) {
	if provided != "" {
		if len(provided) > MaxKeyLength {
			return "", ErrKeyTooLong
		}
		return provided, nil
	}

	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate idempotency key: %w", err)
	}
	return fmt.Sprintf("pf-%d-%s", time.Now().UnixMilli(), hex.EncodeToString(buf)), nil
}

// Store is the idempotency record store: Postgres is the source of truth
// (a UNIQUE constraint on key makes reservation race-safe), Redis carries a
// hot copy of responses for the validity window.
type Store struct {
	db    *sql.DB
	cache *redis.Client
}

// NewStore creates a Store. cache may be nil; lookups then always hit Postgres.
func NewStore(db *sql.DB, cache *redis.Client) *Store {
	return &Store{db: db, cache: cache}
}

func cacheKey(key string) string {
	return "idem:" + key
}

// Lookup returns the stored response for key if the key is still valid
func (s *Store) Lookup(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, cacheKey(key)).Bytes()
		if err == nil {
			return cached, true, nil
		}
		// miss or cache trouble, fall through to Postgres
	}

	var response []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT response FROM idempotency_keys WHERE key = $1 AND created_at > $2`,
		key, time.Now().Add(-Validity),
	).Scan(&response)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	s.Remember(ctx, key, response)
	return response, true, nil
}

// Reserve claims the key before any side effect runs. A unique-constraint
// violation maps to ErrDuplicateKey so callers can replay the stored
// response instead.
func (s *Store) Reserve(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, response, actor, created_at) VALUES ($1, $2, $3, $4)`,
		rec.Key, []byte(rec.Response), rec.Actor, rec.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	return nil
}

// Release frees a reservation whose side effects could not complete, so the
// caller may retry with the same key.
func (s *Store) Release(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	if s.cache != nil {
		s.cache.Del(ctx, cacheKey(key))
	}
	return nil
}

// Remember stores the response in the cache for the validity window.
// Best effort; the table remains authoritative.
func (s *Store) Remember(ctx context.Context, key string, response json.RawMessage) {
	if s.cache == nil {
		return
	}
	s.cache.Set(ctx, cacheKey(key), []byte(response), Validity)
}

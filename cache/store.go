package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists DYNAMIC entries and pending candidates so that cache
// state survives restarts and is shared between instances. All writes
// through the Store are best-effort from the cache's point of view;
// the in-process index remains authoritative for lookups.
type Store interface {
	PutEntry(ctx context.Context, e *Entry, ttl time.Duration) error
	DeleteEntries(ctx context.Context, ids ...string) error
	Entries(ctx context.Context) ([]*Entry, error)

	PutPending(ctx context.Context, p *PendingCandidate, window time.Duration) error
	DeletePending(ctx context.Context, clusterID string) error
	Pending(ctx context.Context) ([]*PendingCandidate, error)

	// TryLock acquires a non-blocking advisory lock shared by all
	// instances. It returns false without error when another holder
	// owns the lock.
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name string) error
}

const (
	entryKeyPrefix   = "chatty:cache:entry:"
	pendingKeyPrefix = "chatty:cache:pending:"
	lockKeyPrefix    = "chatty:cache:lock:"
)

// RedisStore implements Store on plain Redis string keys with JSON
// values. The entry budget is small enough that SCAN-and-MGET listing
// stays cheap.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) PutEntry(ctx context.Context, e *Entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry %s: %w", e.ID, err)
	}
	if err := s.client.Set(ctx, entryKeyPrefix+e.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("persist entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *RedisStore) DeleteEntries(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entryKeyPrefix + id
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete %d entries: %w", len(ids), err)
	}
	return nil
}

func (s *RedisStore) Entries(ctx context.Context) ([]*Entry, error) {
	var out []*Entry
	err := s.scanJSON(ctx, entryKeyPrefix+"*", func(data []byte) error {
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		out = append(out, &e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return out, nil
}

func (s *RedisStore) PutPending(ctx context.Context, p *PendingCandidate, window time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending %s: %w", p.ClusterID, err)
	}
	if err := s.client.Set(ctx, pendingKeyPrefix+p.ClusterID, data, window).Err(); err != nil {
		return fmt.Errorf("persist pending %s: %w", p.ClusterID, err)
	}
	return nil
}

func (s *RedisStore) DeletePending(ctx context.Context, clusterID string) error {
	if err := s.client.Del(ctx, pendingKeyPrefix+clusterID).Err(); err != nil {
		return fmt.Errorf("delete pending %s: %w", clusterID, err)
	}
	return nil
}

func (s *RedisStore) Pending(ctx context.Context) ([]*PendingCandidate, error) {
	var out []*PendingCandidate
	err := s.scanJSON(ctx, pendingKeyPrefix+"*", func(data []byte) error {
		var p PendingCandidate
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		out = append(out, &p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return out, nil
}

func (s *RedisStore) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockKeyPrefix+name, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

func (s *RedisStore) Unlock(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, lockKeyPrefix+name).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) scanJSON(ctx context.Context, pattern string, visit func([]byte) error) error {
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return err
		}
		if err := visit(data); err != nil {
			return err
		}
	}
	return iter.Err()
}

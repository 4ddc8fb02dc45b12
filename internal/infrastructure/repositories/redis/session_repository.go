package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix         = "deskrelay:session:"
	defaultSessionTTL = 10 * time.Minute
)

// RedisSessionRepository keeps each session under its own key with the
// expiry ceiling as TTL, so a crashed server does not leak entries. The
// index set is repaired lazily by List.
type RedisSessionRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSessionRepository(client *redis.Client, ttl time.Duration) ports.SessionRepository {
	return &RedisSessionRepository{
		client: client,
		prefix: keyPrefix,
		ttl:    ttl,
	}
}

func (r *RedisSessionRepository) sessionKey(code domain.SessionCode) string {
	return r.prefix + string(code)
}

func (r *RedisSessionRepository) indexKey() string {
	return r.prefix + "index"
}

func (r *RedisSessionRepository) Save(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sessionKey(session.Code), data, r.ttl)
		pipe.SAdd(ctx, r.indexKey(), string(session.Code))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session in Redis: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.sessionKey(session.Code), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create session in Redis: %w", err)
	}
	if !ok {
		return domain.ErrSessionExists
	}

	if err := r.client.SAdd(ctx, r.indexKey(), string(session.Code)).Err(); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) GetByCode(ctx context.Context, code domain.SessionCode) (*domain.Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}
	return decodeSession(data)
}

// Touch updates LastSeen under WATCH so a concurrent overwrite is retried
// rather than clobbered.
func (r *RedisSessionRepository) Touch(ctx context.Context, code domain.SessionCode, at time.Time) (*domain.Session, error) {
	key := r.sessionKey(code)
	var touched *domain.Session

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return err
		}

		session, err := decodeSession(data)
		if err != nil {
			return err
		}
		session.LastSeen = at

		updated, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, r.ttl)
			return nil
		})
		if err == nil {
			touched = session
		}
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to touch session in Redis: %w", err)
		}
		return touched, nil
	}
	return nil, fmt.Errorf("failed to touch session %s: too much contention", code)
}

func (r *RedisSessionRepository) Remove(ctx context.Context, code domain.SessionCode) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.sessionKey(code))
		pipe.SRem(ctx, r.indexKey(), string(code))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (r *RedisSessionRepository) List(ctx context.Context) ([]*domain.Session, error) {
	codes, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session index from Redis: %w", err)
	}
	if len(codes) == 0 {
		return []*domain.Session{}, nil
	}

	keys := make([]string, len(codes))
	for i, code := range codes {
		keys[i] = r.sessionKey(domain.SessionCode(code))
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get sessions from Redis: %w", err)
	}

	sessions := make([]*domain.Session, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Key expired by TTL; drop it from the index.
			stale = append(stale, codes[i])
			continue
		}
		session, err := decodeSession([]byte(raw))
		if err != nil {
			continue
		}
		sessions = append(sessions, session)
	}

	if len(stale) > 0 {
		r.client.SRem(ctx, r.indexKey(), stale...)
	}
	return sessions, nil
}

func (r *RedisSessionRepository) Count(ctx context.Context) (int, error) {
	sessions, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

func decodeSession(data []byte) (*domain.Session, error) {
	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

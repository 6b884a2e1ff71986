package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	callKeyPrefix = "voicegate:call:"
	activeSetKey  = "voicegate:calls:active"
	credKeyPrefix = "voicegate:credentials:"

	// Terminal call records expire so the keyspace does not grow unbounded.
	terminalTTL = 24 * time.Hour
)

// RedisStore implements CallStore and CredentialStore on redis.
type RedisStore struct {
	client *redis.Client
	logger *logrus.Entry
}

func NewRedisStore(addr, password string, db int, logger *logrus.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return &RedisStore{
		client: client,
		logger: logger.WithField("component", "redis_store"),
	}, nil
}

func (s *RedisStore) SaveCall(ctx context.Context, rec *CallRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding call record: %w", err)
	}

	key := callKeyPrefix + rec.ID
	pipe := s.client.TxPipeline()
	if rec.Status.Terminal() {
		pipe.Set(ctx, key, raw, terminalTTL)
		pipe.SRem(ctx, activeSetKey, rec.ID)
	} else {
		pipe.Set(ctx, key, raw, 0)
		pipe.SAdd(ctx, activeSetKey, rec.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving call %s: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisStore) GetCall(ctx context.Context, id string) (*CallRecord, error) {
	raw, err := s.client.Get(ctx, callKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading call %s: %w", id, err)
	}
	var rec CallRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding call %s: %w", id, err)
	}
	return &rec, nil
}

func (s *RedisStore) ListActiveCalls(ctx context.Context) ([]*CallRecord, error) {
	ids, err := s.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing active calls: %w", err)
	}
	out := make([]*CallRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetCall(ctx, id)
		if err == ErrNotFound {
			// Record expired under us; drop the stale set member.
			s.client.SRem(ctx, activeSetKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) DeleteCall(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, callKeyPrefix+id)
	pipe.SRem(ctx, activeSetKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) SaveCredentials(ctx context.Context, tenantID string, creds *ProviderCredentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	return s.client.Set(ctx, credKeyPrefix+tenantID, raw, 0).Err()
}

func (s *RedisStore) GetCredentials(ctx context.Context, tenantID string) (*ProviderCredentials, error) {
	raw, err := s.client.Get(ctx, credKeyPrefix+tenantID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading credentials for %s: %w", tenantID, err)
	}
	var creds ProviderCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("decoding credentials for %s: %w", tenantID, err)
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("stored credentials for %s are invalid: %w", tenantID, err)
	}
	return &creds, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
)

// RedisConfig holds connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// RedisStateStore keeps each domain state in a hash with one field per replica id
type RedisStateStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStateStore connects and pings the server
func NewRedisStateStore(cfg RedisConfig, logger *zap.Logger) (*RedisStateStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStateStore{client: client, logger: logger}, nil
}

func stateKey(domainID string) string {
	return "replication:state:" + model.NormalizeDN(domainID)
}

func (s *RedisStateStore) LoadServerState(ctx context.Context, domainID string) (*model.ServerState, error) {
	fields, err := s.client.HGetAll(ctx, stateKey(domainID)).Result()
	if err != nil {
		return nil, errors.StateStoreFailed("failed to load server state", err)
	}
	return stateFromHash(fields)
}

// SaveServerState merges state with the stored one and writes the result.
// The read and the write are not atomic; concurrent savers of one domain still
// converge because every field only moves forward.
func (s *RedisStateStore) SaveServerState(ctx context.Context, domainID string, state *model.ServerState) error {
	key := stateKey(domainID)

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return errors.StateStoreFailed("failed to read server state", err)
	}
	stored, err := stateFromHash(fields)
	if err != nil {
		s.logger.Warn("Overwriting undecodable server state", zap.String("domain", domainID), zap.Error(err))
		stored = model.NewServerState()
	}
	stored.UpdateState(state)
	if stored.IsEmpty() {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, stateToHash(stored))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.StateStoreFailed("failed to save server state", err)
	}
	return nil
}

func stateToHash(state *model.ServerState) map[string]interface{} {
	out := make(map[string]interface{}, state.Len())
	for _, rid := range state.ReplicaIDs() {
		out[strconv.Itoa(int(rid))] = state.GetMaxChangeNumber(rid).String()
	}
	return out
}

func stateFromHash(fields map[string]string) (*model.ServerState, error) {
	tokens := make([]string, 0, len(fields))
	for field, token := range fields {
		cn, err := model.ParseChangeNumber(token)
		if err != nil {
			return nil, err
		}
		if strconv.Itoa(int(cn.ReplicaID)) != field {
			return nil, errors.DecodeFailed(token, fmt.Sprintf("stored under replica %s", field), nil)
		}
		tokens = append(tokens, token)
	}
	return model.DecodeServerState(tokens)
}

// Close closes the Redis client
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}

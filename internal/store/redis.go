package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kimhsiao/taskdeck/internal/errors"
	"github.com/kimhsiao/taskdeck/internal/models"
)

// RedisOptions configures the redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the keys, so several devices can share one server in development.
	Prefix string
}

// RedisStore keeps one hash per entity type, keyed by id.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(errors.ErrDatabase, "failed to connect to redis", err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "taskdeck"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) Put(ctx context.Context, e *models.Entity) error {
	if err := validate(e); err != nil {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to encode entity", err)
	}
	if err := s.client.HSet(ctx, s.key(e.Type), e.ID, raw).Err(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to cache entity", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, typ models.EntityType, id string) error {
	if err := s.client.HDel(ctx, s.key(typ), id).Err(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to remove cached entity", err)
	}
	return nil
}

func (s *RedisStore) GetAll(ctx context.Context, typ models.EntityType) ([]*models.Entity, error) {
	m, err := s.client.HGetAll(ctx, s.key(typ)).Result()
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list cached entities", err)
	}

	entities := make([]*models.Entity, 0, len(m))
	for id, raw := range m {
		e, err := decodeEntity(raw)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", typ, id, err)
		}
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].ID < entities[j].ID
	})
	return entities, nil
}

func (s *RedisStore) Get(ctx context.Context, typ models.EntityType, id string) (*models.Entity, error) {
	raw, err := s.client.HGet(ctx, s.key(typ), id).Result()
	if err == redis.Nil {
		return nil, errors.New(errors.ErrNotFound, string(typ)+" "+id+" not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read cached entity", err)
	}
	return decodeEntity(raw)
}

// ReplaceAll rewrites the hash inside MULTI/EXEC so readers see either the old or the new contents.
func (s *RedisStore) ReplaceAll(ctx context.Context, typ models.EntityType, entities []*models.Entity) error {
	values := make([]interface{}, 0, len(entities)*2)
	for _, e := range entities {
		if err := validate(e); err != nil {
			return err
		}
		if e.Type != typ {
			return errors.New(errors.ErrInvalid, fmt.Sprintf("entity %s has type %s, want %s", e.ID, e.Type, typ))
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "failed to encode entity", err)
		}
		values = append(values, e.ID, raw)
	}

	key := s.key(typ)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.HSet(ctx, key, values...)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to reload "+string(typ), err)
	}
	return nil
}

func (s *RedisStore) Reset(ctx context.Context) error {
	keys := make([]string, 0, len(models.EntityTypes))
	for _, typ := range models.EntityTypes {
		keys = append(keys, s.key(typ))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to reset cache", err)
	}
	return nil
}

func (s *RedisStore) CountUnsynced(ctx context.Context, typ models.EntityType) (int, error) {
	entities, err := s.GetAll(ctx, typ)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entities {
		if e.Unsynced {
			n++
		}
	}
	return n, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(typ models.EntityType) string {
	return fmt.Sprintf("%s:entities:%s", s.prefix, typ)
}

func decodeEntity(raw string) (*models.Entity, error) {
	var e models.Entity
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "corrupt cached entity", err)
	}
	return &e, nil
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// redisTxRetries bounds how often an insert is replayed after WATCH fails.
const redisTxRetries = 3

// RedisPersistence keeps each instance in a hash and the open instance per
// entity and type in a string key. Writes run under WATCH so a concurrent
// writer aborts the transaction instead of overwriting it.
type RedisPersistence struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisPersistence.
type RedisOption func(*RedisPersistence)

// WithRedisPrefix sets the key prefix. Default is "careflow".
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *RedisPersistence) {
		r.prefix = prefix
	}
}

func NewRedisPersistence(client *redis.Client, opts ...RedisOption) *RedisPersistence {
	r := &RedisPersistence{client: client, prefix: "careflow"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisPersistence) instanceKey(id string) string {
	return r.prefix + ":workflow:" + id
}

func (r *RedisPersistence) activeKey(entityID string, t WorkflowType) string {
	return r.prefix + ":active:" + string(t) + ":" + entityID
}

// Ping checks the connection.
func (r *RedisPersistence) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisPersistence) Load(ctx context.Context, id string) (Record, error) {
	fields, err := r.client.HGetAll(ctx, r.instanceKey(id)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, &NotFoundError{Kind: "workflow instance", ID: id}
	}
	return decodeRedisHash(id, fields)
}

func decodeRedisHash(id string, fields map[string]string) (Record, error) {
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("workflow instance %s has bad version %q: %w", id, fields["version"], err)
	}
	return Record{
		ID:           id,
		EntityID:     fields["entity_id"],
		WorkflowType: WorkflowType(fields["workflow_type"]),
		Active:       fields["active"] == "1",
		Version:      version,
		Data:         []byte(fields["data"]),
	}, nil
}

func (r *RedisPersistence) Save(ctx context.Context, rec Record, expectedVersion int64) error {
	key := r.instanceKey(rec.ID)
	activeKey := r.activeKey(rec.EntityID, rec.WorkflowType)

	txf := func(tx *redis.Tx) error {
		stored, err := tx.HGet(ctx, key, "version").Result()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
		} else if err != nil {
			return fmt.Errorf("redis hget failed: %w", err)
		}

		openID, err := tx.Get(ctx, activeKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis get failed: %w", err)
		}

		if expectedVersion == 0 {
			if exists {
				return &VersionConflictError{InstanceID: rec.ID, Expected: 0}
			}
			if rec.Active && openID != "" && openID != rec.ID {
				return &DuplicateActiveInstanceError{EntityID: rec.EntityID, WorkflowType: rec.WorkflowType, ExistingID: openID}
			}
		} else {
			if !exists {
				return &NotFoundError{Kind: "workflow instance", ID: rec.ID}
			}
			if stored != strconv.FormatInt(expectedVersion, 10) {
				return &VersionConflictError{InstanceID: rec.ID, Expected: expectedVersion}
			}
		}

		active := "0"
		if rec.Active {
			active = "1"
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]interface{}{
				"entity_id":     rec.EntityID,
				"workflow_type": string(rec.WorkflowType),
				"active":        active,
				"version":       rec.Version,
				"data":          rec.Data,
			})
			if rec.Active {
				pipe.Set(ctx, activeKey, rec.ID, 0)
			} else if openID == rec.ID {
				pipe.Del(ctx, activeKey)
			}
			return nil
		})
		return err
	}

	for i := 0; i < redisTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key, activeKey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if expectedVersion != 0 {
			// A watched key changed under us; the version moved on.
			return &VersionConflictError{InstanceID: rec.ID, Expected: expectedVersion}
		}
	}
	return &VersionConflictError{InstanceID: rec.ID, Expected: expectedVersion}
}

func (r *RedisPersistence) FindActive(ctx context.Context, entityID string, t WorkflowType) (string, error) {
	id, err := r.client.Get(ctx, r.activeKey(entityID, t)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	return id, nil
}

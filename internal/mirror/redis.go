// Package mirror copies each presence broadcast into Redis so other services
// can observe the study room without holding a WebSocket open.
package mirror

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"studyroom/internal/registry"
)

// Redis stores the latest snapshot as a hash (field per participant, value a
// JSON position) and publishes every broadcast frame on an events channel.
type Redis struct {
	client  *redis.Client
	key     string
	channel string
	ttl     time.Duration
}

func NewRedis(client *redis.Client, key string, ttl time.Duration) *Redis {
	return &Redis{
		client:  client,
		key:     key,
		channel: key + ":events",
		ttl:     ttl,
	}
}

// Dial connects to Redis and checks the connection with a PING.
func Dial(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", addr)
	}
	return rdb, nil
}

func (r *Redis) Channel() string { return r.channel }

// Publish replaces the stored snapshot with snap and publishes frame.
func (r *Redis) Publish(ctx context.Context, snap registry.Snapshot, frame []byte) error {
	fields := make(map[string]interface{}, len(snap))
	for id, pos := range snap {
		b, err := json.Marshal(pos)
		if err != nil {
			return errors.Wrapf(err, "encode position of %s", id)
		}
		fields[id] = string(b)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		if len(fields) > 0 {
			pipe.HSet(ctx, r.key, fields)
			if r.ttl > 0 {
				pipe.Expire(ctx, r.key, r.ttl)
			}
		}
		pipe.Publish(ctx, r.channel, frame)
		return nil
	})
	return errors.Wrap(err, "mirror positions")
}

// Positions reads the mirrored snapshot back.
func (r *Redis) Positions(ctx context.Context) (registry.Snapshot, error) {
	raw, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read mirrored positions")
	}

	snap := make(registry.Snapshot, len(raw))
	for id, value := range raw {
		var pos registry.Position
		if err := json.Unmarshal([]byte(value), &pos); err != nil {
			return nil, errors.Wrapf(err, "decode position of %s", id)
		}
		snap[id] = pos
	}
	return snap, nil
}

package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/bringyour/guild/guild"
)

const overridesPrefix = "guild:overrides"

// shared override store. implements `guild.OverrideStore`.
// each server is one hash `guild:overrides:<server id>` with fields `<scope>:<scope id>`.
type Redis struct {
	cli *redis.Client
}

// Connect connects to the Redis server and pings the server to ensure the
// connection is working.
func Connect(ctx context.Context, addr string) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{
		cli: cli,
	}, nil
}

func (self *Redis) Close() error {
	return self.cli.Close()
}

func serverKey(serverId string) string {
	return fmt.Sprintf("%s:%s", overridesPrefix, serverId)
}

func field(scope guild.OverrideScope, scopeId string) string {
	return fmt.Sprintf("%s:%s", scope, scopeId)
}

func (self *Redis) LoadOverrides(ctx context.Context, serverId string) ([]guild.OverrideRecord, error) {
	vals, err := self.cli.HGetAll(ctx, serverKey(serverId)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	records := make([]guild.OverrideRecord, 0, len(vals))
	for f, val := range vals {
		scope, scopeId, found := strings.Cut(f, ":")
		if !found {
			continue
		}
		var override guild.Override
		if err := json.Unmarshal([]byte(val), &override); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f, err)
		}
		records = append(records, guild.OverrideRecord{
			Scope:    guild.OverrideScope(scope),
			ScopeId:  scopeId,
			Override: override,
		})
	}
	return records, nil
}

// a write older than the stored override for the scope is ignored
func (self *Redis) SaveOverride(ctx context.Context, serverId string, record guild.OverrideRecord) error {
	value, err := json.Marshal(record.Override)
	if err != nil {
		return err
	}
	key := serverKey(serverId)
	f := field(record.Scope, record.ScopeId)

	err = self.cli.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := tx.HGet(ctx, key, f).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			var prior guild.Override
			if json.Unmarshal([]byte(existing), &prior) == nil && record.Override.UpdatedAt.Before(prior.UpdatedAt) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, f, value)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("redis save override: %w", err)
	}
	return nil
}

func (self *Redis) DeleteOverride(ctx context.Context, serverId string, scope guild.OverrideScope, scopeId string) error {
	if err := self.cli.HDel(ctx, serverKey(serverId), field(scope, scopeId)).Err(); err != nil {
		return fmt.Errorf("hdel: %w", err)
	}
	return nil
}

package pebblecache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/pebble"

	"github.com/bringyour/guild/guild"
)

const keyPrefix = "override/"

// durable local override cache. implements `guild.OverrideStore`.
// keys are `override/<server id>/<scope>/<scope id>`, values are the json override.
type Cache struct {
	db *pebble.DB
}

func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &Cache{db: db}, nil
}

func (self *Cache) Close() error {
	if self == nil || self.db == nil {
		return nil
	}
	return self.db.Close()
}

func serverPrefix(serverId string) []byte {
	return []byte(fmt.Sprintf("%s%s/", keyPrefix, serverId))
}

func overrideKey(serverId string, scope guild.OverrideScope, scopeId string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%s", keyPrefix, serverId, scope, scopeId))
}

// the smallest key greater than every key with `prefix`
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; 0 <= i; i-- {
		end[i] += 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (self *Cache) LoadOverrides(ctx context.Context, serverId string) ([]guild.OverrideRecord, error) {
	prefix := serverPrefix(serverId)
	it, err := self.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	records := []guild.OverrideRecord{}
	for ok := it.First(); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scope, scopeId, found := strings.Cut(string(it.Key()[len(prefix):]), "/")
		if !found {
			continue
		}
		var override guild.Override
		if err := json.Unmarshal(it.Value(), &override); err != nil {
			return nil, fmt.Errorf("decode %s: %w", it.Key(), err)
		}
		records = append(records, guild.OverrideRecord{
			Scope:    guild.OverrideScope(scope),
			ScopeId:  scopeId,
			Override: override,
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return records, nil
}

func (self *Cache) SaveOverride(ctx context.Context, serverId string, record guild.OverrideRecord) error {
	value, err := json.Marshal(record.Override)
	if err != nil {
		return err
	}
	return self.db.Set(overrideKey(serverId, record.Scope, record.ScopeId), value, pebble.Sync)
}

func (self *Cache) DeleteOverride(ctx context.Context, serverId string, scope guild.OverrideScope, scopeId string) error {
	return self.db.Delete(overrideKey(serverId, scope, scopeId), pebble.Sync)
}

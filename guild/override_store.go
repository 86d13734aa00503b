package guild

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
)

// backing store for overrides, keyed by server id
type OverrideStore interface {
	LoadOverrides(ctx context.Context, serverId string) ([]OverrideRecord, error)
	// stores the full override for the scope. the prior value is replaced.
	SaveOverride(ctx context.Context, serverId string, record OverrideRecord) error
	DeleteOverride(ctx context.Context, serverId string, scope OverrideScope, scopeId string) error
}

// process-local cache
type MemoryOverrideStore struct {
	stateLock sync.Mutex
	// server id -> key -> override
	overrides map[string]map[overrideKey]Override
}

func NewMemoryOverrideStore() *MemoryOverrideStore {
	return &MemoryOverrideStore{
		overrides: map[string]map[overrideKey]Override{},
	}
}

func (self *MemoryOverrideStore) LoadOverrides(ctx context.Context, serverId string) ([]OverrideRecord, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	records := []OverrideRecord{}
	for key, override := range self.overrides[serverId] {
		records = append(records, OverrideRecord{
			Scope:    key.scope,
			ScopeId:  key.scopeId,
			Override: override,
		})
	}
	return records, nil
}

func (self *MemoryOverrideStore) SaveOverride(ctx context.Context, serverId string, record OverrideRecord) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	serverOverrides, ok := self.overrides[serverId]
	if !ok {
		serverOverrides = map[overrideKey]Override{}
		self.overrides[serverId] = serverOverrides
	}
	serverOverrides[overrideKey{record.Scope, record.ScopeId}] = record.Override
	return nil
}

func (self *MemoryOverrideStore) DeleteOverride(ctx context.Context, serverId string, scope OverrideScope, scopeId string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.overrides[serverId], overrideKey{scope, scopeId})
	return nil
}

// persists through the REST overrides endpoints
type ApiOverrideStore struct {
	api Api
}

func NewApiOverrideStore(api Api) *ApiOverrideStore {
	return &ApiOverrideStore{
		api: api,
	}
}

func (self *ApiOverrideStore) LoadOverrides(ctx context.Context, serverId string) ([]OverrideRecord, error) {
	records := []OverrideRecord{}
	for _, scope := range []OverrideScope{OverrideScopeChannel, OverrideScopeCategory} {
		result, err := self.api.GetOverrides(ctx, serverId, scope)
		if err != nil {
			return nil, err
		}
		for scopeId, override := range result.Overrides {
			records = append(records, OverrideRecord{
				Scope:    scope,
				ScopeId:  scopeId,
				Override: override,
			})
		}
	}
	return records, nil
}

func patchOverrideArgs(scope OverrideScope, scopeId string) *PatchOverrideArgs {
	args := &PatchOverrideArgs{}
	switch scope {
	case OverrideScopeCategory:
		args.CategoryId = scopeId
	default:
		args.ChannelId = scopeId
	}
	return args
}

func (self *ApiOverrideStore) SaveOverride(ctx context.Context, serverId string, record OverrideRecord) error {
	args := patchOverrideArgs(record.Scope, record.ScopeId)
	args.Patch = &record.Override
	return self.api.PatchOverride(ctx, serverId, record.Scope, args)
}

func (self *ApiOverrideStore) DeleteOverride(ctx context.Context, serverId string, scope OverrideScope, scopeId string) error {
	args := patchOverrideArgs(scope, scopeId)
	args.Clear = true
	return self.api.PatchOverride(ctx, serverId, scope, args)
}

// a durable local cache with best-effort write-through to a remote store.
// writes fail only when the local cache fails. on load the newer override per scope wins.
type WriteThroughOverrideStore struct {
	local  OverrideStore
	remote OverrideStore
}

func NewWriteThroughOverrideStore(local OverrideStore, remote OverrideStore) *WriteThroughOverrideStore {
	return &WriteThroughOverrideStore{
		local:  local,
		remote: remote,
	}
}

func (self *WriteThroughOverrideStore) LoadOverrides(ctx context.Context, serverId string) ([]OverrideRecord, error) {
	localRecords, localErr := self.local.LoadOverrides(ctx, serverId)
	remoteRecords, remoteErr := self.remote.LoadOverrides(ctx, serverId)
	if localErr != nil && remoteErr != nil {
		return nil, errors.Join(localErr, remoteErr)
	}
	if localErr != nil {
		glog.Infof("[o]local load failed = %s\n", localErr)
	}
	if remoteErr != nil {
		glog.Infof("[o]remote load failed = %s\n", remoteErr)
	}
	return MergeOverrideRecords(localRecords, remoteRecords), nil
}

func (self *WriteThroughOverrideStore) SaveOverride(ctx context.Context, serverId string, record OverrideRecord) error {
	if err := self.local.SaveOverride(ctx, serverId, record); err != nil {
		return err
	}
	if err := self.remote.SaveOverride(ctx, serverId, record); err != nil {
		glog.Infof("[o]remote save %s %s failed = %s\n", record.Scope, record.ScopeId, err)
	}
	return nil
}

func (self *WriteThroughOverrideStore) DeleteOverride(ctx context.Context, serverId string, scope OverrideScope, scopeId string) error {
	if err := self.local.DeleteOverride(ctx, serverId, scope, scopeId); err != nil {
		return err
	}
	if err := self.remote.DeleteOverride(ctx, serverId, scope, scopeId); err != nil {
		glog.Infof("[o]remote delete %s %s failed = %s\n", scope, scopeId, err)
	}
	return nil
}

// one record per scope. the record with the later `UpdatedAt` wins, ties go to the later list.
func MergeOverrideRecords(recordLists ...[]OverrideRecord) []OverrideRecord {
	keys := []overrideKey{}
	merged := map[overrideKey]OverrideRecord{}
	for _, records := range recordLists {
		for _, record := range records {
			key := overrideKey{record.Scope, record.ScopeId}
			existing, ok := merged[key]
			if !ok {
				keys = append(keys, key)
			} else if record.Override.UpdatedAt.Before(existing.Override.UpdatedAt) {
				continue
			}
			merged[key] = record
		}
	}
	out := make([]OverrideRecord, 0, len(keys))
	for _, key := range keys {
		out = append(out, merged[key])
	}
	return out
}

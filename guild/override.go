package guild

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

type OverrideScope string

const (
	OverrideScopeChannel  OverrideScope = "channel"
	OverrideScopeCategory OverrideScope = "category"
)

// a sparse patch over a channel or category. nil fields fall through to the base entity.
// categories only use `Name` and `Deleted`.
type Override struct {
	Name    *string `json:"name,omitempty"`
	Private *bool   `json:"private,omitempty"`
	Color   *string `json:"color,omitempty"`
	Emoji   *string `json:"emoji,omitempty"`
	Muted   *bool   `json:"muted,omitempty"`
	// hides the entity from listings
	Deleted *bool `json:"deleted,omitempty"`
	// local time of the last patch. the newer scope wins when two stores disagree.
	UpdatedAt time.Time `json:"updatedAt"`
}

func Ptr[T any](value T) *T {
	return &value
}

func (self Override) IsEmpty() bool {
	return self.Name == nil &&
		self.Private == nil &&
		self.Color == nil &&
		self.Emoji == nil &&
		self.Muted == nil &&
		self.Deleted == nil
}

func (self Override) IsDeleted() bool {
	return self.Deleted != nil && *self.Deleted
}

// fields present in `patch` replace this override's fields. absent fields are kept.
func (self Override) Merge(patch Override) Override {
	if patch.Name != nil {
		self.Name = Ptr(*patch.Name)
	}
	if patch.Private != nil {
		self.Private = Ptr(*patch.Private)
	}
	if patch.Color != nil {
		self.Color = Ptr(*patch.Color)
	}
	if patch.Emoji != nil {
		self.Emoji = Ptr(*patch.Emoji)
	}
	if patch.Muted != nil {
		self.Muted = Ptr(*patch.Muted)
	}
	if patch.Deleted != nil {
		self.Deleted = Ptr(*patch.Deleted)
	}
	if self.UpdatedAt.Before(patch.UpdatedAt) {
		self.UpdatedAt = patch.UpdatedAt
	}
	return self
}

func (self Override) ApplyToChannel(channel Channel) Channel {
	if self.Name != nil {
		channel.Name = *self.Name
	}
	if self.Private != nil {
		channel.Private = *self.Private
	}
	if self.Color != nil {
		channel.Color = *self.Color
	}
	if self.Emoji != nil {
		channel.Emoji = *self.Emoji
	}
	if self.Muted != nil {
		channel.Muted = *self.Muted
	}
	return channel
}

func (self Override) ApplyToCategory(category Category) Category {
	if self.Name != nil {
		category.Name = *self.Name
	}
	return category
}

// drops the fields that the authoritative channel already matches
func (self Override) supersededByChannel(channel Channel) Override {
	if self.Name != nil && *self.Name == channel.Name {
		self.Name = nil
	}
	if self.Private != nil && *self.Private == channel.Private {
		self.Private = nil
	}
	if self.Color != nil && *self.Color == channel.Color {
		self.Color = nil
	}
	if self.Emoji != nil && *self.Emoji == channel.Emoji {
		self.Emoji = nil
	}
	if self.Muted != nil && *self.Muted == channel.Muted {
		self.Muted = nil
	}
	return self
}

func (self Override) supersededByCategory(category Category) Override {
	if self.Name != nil && *self.Name == category.Name {
		self.Name = nil
	}
	return self
}

type OverrideRecord struct {
	Scope    OverrideScope `json:"scope"`
	ScopeId  string        `json:"scopeId"`
	Override Override      `json:"override"`
}

type overrideKey struct {
	scope   OverrideScope
	scopeId string
}

type OverrideSettings struct {
	PersistTimeout time.Duration
	// failed writes are retried on this interval and on the next change. 0 retries only on change.
	RetryInterval time.Duration
	Now           func() time.Time
}

func DefaultOverrideSettings() *OverrideSettings {
	return &OverrideSettings{
		PersistTimeout: 10 * time.Second,
		RetryInterval:  30 * time.Second,
		Now:            time.Now,
	}
}

type persistOp struct {
	record OverrideRecord
	clear  bool
	// set for a flush marker
	done chan struct{}
	// set to resend failed writes
	retry bool
}

func (self persistOp) key() overrideKey {
	return overrideKey{self.record.Scope, self.record.ScopeId}
}

// sole writer of overrides for one server.
// every change is persisted asynchronously in application order on one worker.
// when the backing store fails the reconciler is degraded: the session keeps working from the
// process-local cache, and the latest failed write per scope is retried until the store accepts it.
type OverrideReconciler struct {
	ctx    context.Context
	cancel context.CancelFunc

	serverId string
	store    OverrideStore
	fallback *MemoryOverrideStore
	settings *OverrideSettings
	metrics  *Metrics

	stateLock sync.Mutex
	overrides map[overrideKey]Override
	degraded  bool

	queueLock   sync.Mutex
	queue       []persistOp
	queueNotify chan struct{}

	// owned by the worker
	retries map[overrideKey]persistOp
}

func NewOverrideReconcilerWithDefaults(ctx context.Context, serverId string, store OverrideStore) *OverrideReconciler {
	return NewOverrideReconciler(ctx, serverId, store, DefaultOverrideSettings(), nil)
}

// `store` may be nil, in which case only the process-local cache is used
func NewOverrideReconciler(
	ctx context.Context,
	serverId string,
	store OverrideStore,
	settings *OverrideSettings,
	metrics *Metrics,
) *OverrideReconciler {
	cancelCtx, cancel := context.WithCancel(ctx)
	fallback := NewMemoryOverrideStore()
	if store == nil {
		store = fallback
	}
	reconciler := &OverrideReconciler{
		ctx:         cancelCtx,
		cancel:      cancel,
		serverId:    serverId,
		store:       store,
		fallback:    fallback,
		settings:    settings,
		metrics:     metrics,
		overrides:   map[overrideKey]Override{},
		queueNotify: make(chan struct{}, 1),
		retries:     map[overrideKey]persistOp{},
	}
	go reconciler.run()
	return reconciler
}

// loads persisted overrides. a newer local override for the same scope is kept.
// if the store cannot load, the reconciler degrades and loads from the process-local cache.
func (self *OverrideReconciler) Load(ctx context.Context) error {
	records, err := self.store.LoadOverrides(ctx, self.serverId)
	if err != nil {
		glog.Infof("[o]load from store failed, using local cache = %s\n", err)
		self.metrics.OverridePersistFailure()
		self.setDegraded(true)
		records, _ = self.fallback.LoadOverrides(ctx, self.serverId)
	} else {
		// the store is reachable again
		self.enqueue(persistOp{retry: true})
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, record := range records {
		key := overrideKey{record.Scope, record.ScopeId}
		if existing, ok := self.overrides[key]; ok && record.Override.UpdatedAt.Before(existing.UpdatedAt) {
			continue
		}
		if record.Override.IsEmpty() {
			continue
		}
		self.overrides[key] = record.Override
	}
	return err
}

func (self *OverrideReconciler) Degraded() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.degraded
}

func (self *OverrideReconciler) Get(scope OverrideScope, scopeId string) (Override, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	override, ok := self.overrides[overrideKey{scope, scopeId}]
	return override, ok
}

func (self *OverrideReconciler) Overrides() []OverrideRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	records := make([]OverrideRecord, 0, len(self.overrides))
	for key, override := range self.overrides {
		records = append(records, OverrideRecord{
			Scope:    key.scope,
			ScopeId:  key.scopeId,
			Override: override,
		})
	}
	slices.SortFunc(records, func(a OverrideRecord, b OverrideRecord) int {
		if a.Scope != b.Scope {
			if a.Scope < b.Scope {
				return -1
			}
			return 1
		}
		if a.ScopeId < b.ScopeId {
			return -1
		} else if b.ScopeId < a.ScopeId {
			return 1
		}
		return 0
	})
	return records
}

// shallow merges `patch` into the scope's override and returns the result
func (self *OverrideReconciler) Apply(scope OverrideScope, scopeId string, patch Override) Override {
	patch.UpdatedAt = self.settings.Now()
	merged := func() Override {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		key := overrideKey{scope, scopeId}
		merged := self.overrides[key].Merge(patch)
		self.overrides[key] = merged
		return merged
	}()
	self.enqueue(persistOp{
		record: OverrideRecord{Scope: scope, ScopeId: scopeId, Override: merged},
	})
	return merged
}

func (self *OverrideReconciler) ApplyChannel(channelId string, patch Override) Override {
	return self.Apply(OverrideScopeChannel, channelId, patch)
}

func (self *OverrideReconciler) ApplyCategory(categoryId string, patch Override) Override {
	return self.Apply(OverrideScopeCategory, categoryId, patch)
}

// replaces the whole override for the scope. an empty override clears it.
func (self *OverrideReconciler) Set(scope OverrideScope, scopeId string, override Override) {
	if override.IsEmpty() {
		self.Clear(scope, scopeId)
		return
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.overrides[overrideKey{scope, scopeId}] = override
	}()
	self.enqueue(persistOp{
		record: OverrideRecord{Scope: scope, ScopeId: scopeId, Override: override},
	})
}

// restore. returns false if there was no override.
func (self *OverrideReconciler) Clear(scope OverrideScope, scopeId string) bool {
	cleared := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		key := overrideKey{scope, scopeId}
		if _, ok := self.overrides[key]; !ok {
			return false
		}
		delete(self.overrides, key)
		return true
	}()
	if cleared {
		self.enqueue(persistOp{
			record: OverrideRecord{Scope: scope, ScopeId: scopeId},
			clear:  true,
		})
	}
	return cleared
}

// undoes the fields `patch` set, restoring each from `prior`.
// a field that changed again since the patch is kept.
func (self *OverrideReconciler) Revert(scope OverrideScope, scopeId string, patch Override, prior Override) {
	now := self.settings.Now()
	op, changed := func() (persistOp, bool) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		key := overrideKey{scope, scopeId}
		current, ok := self.overrides[key]
		if !ok {
			return persistOp{}, false
		}
		next := current
		revertField(&next.Name, patch.Name, prior.Name)
		revertField(&next.Private, patch.Private, prior.Private)
		revertField(&next.Color, patch.Color, prior.Color)
		revertField(&next.Emoji, patch.Emoji, prior.Emoji)
		revertField(&next.Muted, patch.Muted, prior.Muted)
		revertField(&next.Deleted, patch.Deleted, prior.Deleted)
		if next == current {
			return persistOp{}, false
		}
		if next.IsEmpty() {
			delete(self.overrides, key)
			return persistOp{
				record: OverrideRecord{Scope: scope, ScopeId: scopeId},
				clear:  true,
			}, true
		}
		next.UpdatedAt = now
		self.overrides[key] = next
		return persistOp{
			record: OverrideRecord{Scope: scope, ScopeId: scopeId, Override: next},
		}, true
	}()
	if changed {
		self.enqueue(op)
	}
}

func revertField[T comparable](current **T, patched *T, prior *T) {
	if patched == nil || *current == nil || **current != *patched {
		return
	}
	if prior == nil {
		*current = nil
	} else {
		*current = Ptr(*prior)
	}
}

func (self *OverrideReconciler) ClearChannel(channelId string) bool {
	return self.Clear(OverrideScopeChannel, channelId)
}

func (self *OverrideReconciler) ClearCategory(categoryId string) bool {
	return self.Clear(OverrideScopeCategory, categoryId)
}

// reconciles overrides against an authoritative event.
// updated fields that now match the server are confirmed and dropped. a delete drops the whole override.
func (self *OverrideReconciler) Supersede(event Event) {
	switch v := event.(type) {
	case ChannelUpdated:
		self.supersede(OverrideScopeChannel, v.Channel.Id, func(override Override) Override {
			return override.supersededByChannel(v.Channel)
		})
	case ChannelDeleted:
		self.ClearChannel(v.ChannelId)
	case CategoryUpdated:
		self.supersede(OverrideScopeCategory, v.Category.Id, func(override Override) Override {
			return override.supersededByCategory(v.Category)
		})
	case CategoryDeleted:
		self.ClearCategory(v.CategoryId)
	}
}

func (self *OverrideReconciler) supersede(scope OverrideScope, scopeId string, reduce func(Override) Override) {
	override, ok := self.Get(scope, scopeId)
	if !ok {
		return
	}
	next := reduce(override)
	if next == override {
		return
	}
	glog.V(1).Infof("[o]superseded %s %s\n", scope, scopeId)
	self.Set(scope, scopeId, next)
}

// the merged view and whether it is listed
func (self *OverrideReconciler) EffectiveChannel(channel Channel) (Channel, bool) {
	override, ok := self.Get(OverrideScopeChannel, channel.Id)
	if !ok {
		return channel, true
	}
	return override.ApplyToChannel(channel), !override.IsDeleted()
}

func (self *OverrideReconciler) EffectiveCategory(category Category) (Category, bool) {
	override, ok := self.Get(OverrideScopeCategory, category.Id)
	if !ok {
		return category, true
	}
	return override.ApplyToCategory(category), !override.IsDeleted()
}

func (self *OverrideReconciler) VisibleChannels(channels []Channel) []Channel {
	visibleChannels := make([]Channel, 0, len(channels))
	for _, channel := range channels {
		if effective, visible := self.EffectiveChannel(channel); visible {
			visibleChannels = append(visibleChannels, effective)
		}
	}
	return visibleChannels
}

func (self *OverrideReconciler) VisibleCategories(categories []Category) []Category {
	visibleCategories := make([]Category, 0, len(categories))
	for _, category := range categories {
		if effective, visible := self.EffectiveCategory(category); visible {
			visibleCategories = append(visibleCategories, effective)
		}
	}
	return visibleCategories
}

func (self *OverrideReconciler) enqueue(op persistOp) {
	self.queueLock.Lock()
	self.queue = append(self.queue, op)
	self.queueLock.Unlock()
	select {
	case self.queueNotify <- struct{}{}:
	default:
	}
}

func (self *OverrideReconciler) dequeue() []persistOp {
	self.queueLock.Lock()
	defer self.queueLock.Unlock()
	ops := self.queue
	self.queue = nil
	return ops
}

// waits until every change applied before the call has been persisted or absorbed by the local cache
func (self *OverrideReconciler) Flush(ctx context.Context) error {
	done := make(chan struct{})
	self.enqueue(persistOp{done: done})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
}

func (self *OverrideReconciler) run() {
	var retryC <-chan time.Time
	if 0 < self.settings.RetryInterval {
		retryTicker := time.NewTicker(self.settings.RetryInterval)
		defer retryTicker.Stop()
		retryC = retryTicker.C
	}
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-retryC:
			if 0 < len(self.retries) {
				HandleError(self.retry)
			}
			continue
		case <-self.queueNotify:
		}
		for _, op := range self.dequeue() {
			switch {
			case op.done != nil:
				close(op.done)
			case op.retry:
				if self.store != OverrideStore(self.fallback) {
					HandleError(self.retry)
				}
			default:
				self.persist(op)
			}
		}
	}
}

func (self *OverrideReconciler) persist(op persistOp) {
	HandleError(func() {
		if op.clear {
			self.fallback.DeleteOverride(self.ctx, self.serverId, op.record.Scope, op.record.ScopeId)
		} else {
			self.fallback.SaveOverride(self.ctx, self.serverId, op.record)
		}

		if self.store == OverrideStore(self.fallback) {
			return
		}

		// this op carries the latest value for its scope
		delete(self.retries, op.key())
		if err := self.persistStore(op); err != nil {
			glog.Infof("[o]persist %s %s failed, degrading to local cache = %s\n", op.record.Scope, op.record.ScopeId, err)
			self.retries[op.key()] = op
			self.setDegraded(true)
			return
		}
		self.retry()
	})
}

// resends failed writes. the reconciler recovers once none are left.
func (self *OverrideReconciler) retry() {
	for key, op := range self.retries {
		if err := self.persistStore(op); err != nil {
			glog.V(1).Infof("[o]retry %s %s failed = %s\n", key.scope, key.scopeId, err)
			return
		}
		delete(self.retries, key)
	}
	if self.setDegraded(false) {
		glog.Infof("[o]store recovered\n")
	}
}

func (self *OverrideReconciler) persistStore(op persistOp) error {
	persistCtx, persistCancel := context.WithTimeout(self.ctx, self.settings.PersistTimeout)
	defer persistCancel()
	var err error
	if op.clear {
		err = self.store.DeleteOverride(persistCtx, self.serverId, op.record.Scope, op.record.ScopeId)
	} else {
		err = self.store.SaveOverride(persistCtx, self.serverId, op.record)
	}
	if err != nil {
		self.metrics.OverridePersistFailure()
	}
	return err
}

// returns true if the state changed
func (self *OverrideReconciler) setDegraded(degraded bool) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	changed := self.degraded != degraded
	self.degraded = degraded
	return changed
}

func (self *OverrideReconciler) Close() {
	self.cancel()
}

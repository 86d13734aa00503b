package guild

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
)

type SessionSettings struct {
	ConnectUrl         string
	TransportSettings  *TransportSettings
	StoreSettings      *StoreSettings
	OverrideSettings   *OverrideSettings
	DispatcherSettings *DispatcherSettings
	FlushTimeout       time.Duration
	// metrics are registered here. nil uses a fresh registry per session.
	Registerer prometheus.Registerer
}

func DefaultSessionSettings(connectUrl string) *SessionSettings {
	return &SessionSettings{
		ConnectUrl:         connectUrl,
		TransportSettings:  DefaultTransportSettings(),
		StoreSettings:      DefaultStoreSettings(),
		OverrideSettings:   DefaultOverrideSettings(),
		DispatcherSettings: DefaultDispatcherSettings(),
		FlushTimeout:       5 * time.Second,
	}
}

// one server session. owns the transport, the entity store, the overrides, and the dispatcher.
// nothing is shared between sessions.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	api           Api
	overrideStore OverrideStore
	auth          *ClientAuth
	userId        string
	settings      *SessionSettings
	metrics       *Metrics

	transport   *Transport
	store       *Store
	permissions *PermissionResolver

	stateLock    sync.Mutex
	serverId     string
	overrides    *OverrideReconciler
	dispatcher   *Dispatcher
	unsubscribes []func()
	connects     int
	lastError    error
	// events received while a resync is in flight are applied after the fetched state
	resyncs   int
	replaying bool
	buffered  []Event
}

// `overrideStore` may be nil for process-local overrides only
func NewSession(
	ctx context.Context,
	api Api,
	overrideStore OverrideStore,
	auth *ClientAuth,
	settings *SessionSettings,
) (*Session, error) {
	userId, err := auth.UserId()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	registerer := settings.Registerer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	metrics := NewMetrics(registerer)

	cancelCtx, cancel := context.WithCancel(ctx)
	store := NewStore(settings.StoreSettings)
	store.SetSelfUserId(userId)

	return &Session{
		ctx:           cancelCtx,
		cancel:        cancel,
		api:           api,
		overrideStore: overrideStore,
		auth:          auth,
		userId:        userId,
		settings:      settings,
		metrics:       metrics,
		transport:     NewTransport(cancelCtx, settings.ConnectUrl, auth, settings.TransportSettings, metrics),
		store:         store,
		permissions:   NewPermissionResolver(store),
	}, nil
}

func (self *Session) UserId() string {
	return self.userId
}

func (self *Session) ServerId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.serverId
}

func (self *Session) Store() *Store {
	return self.store
}

func (self *Session) Permissions() *PermissionResolver {
	return self.permissions
}

func (self *Session) Transport() *Transport {
	return self.transport
}

// nil before `Open`
func (self *Session) Overrides() *OverrideReconciler {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.overrides
}

// nil before `Open`
func (self *Session) Dispatcher() *Dispatcher {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.dispatcher
}

func (self *Session) Actor() Actor {
	return self.permissions.ActorFor(self.userId)
}

// fetches the server state, loads overrides, then connects the realtime transport.
// overrides are loaded before `Open` returns so the first render already has them.
func (self *Session) Open(ctx context.Context, serverId string) error {
	self.stateLock.Lock()
	if self.serverId != "" {
		self.stateLock.Unlock()
		return fmt.Errorf("session already open for %s", self.serverId)
	}
	self.serverId = serverId
	self.stateLock.Unlock()

	if err := self.fetch(ctx, serverId); err != nil {
		self.stateLock.Lock()
		self.serverId = ""
		self.stateLock.Unlock()
		return err
	}

	overrides := NewOverrideReconciler(self.ctx, serverId, self.overrideStore, self.settings.OverrideSettings, self.metrics)
	if err := overrides.Load(ctx); err != nil {
		// degraded, the session continues on the local cache
		self.setLastError(err)
	}
	dispatcher := NewDispatcher(
		serverId,
		self.userId,
		self.api,
		self.store,
		overrides,
		self.permissions,
		self.transport,
		self.settings.DispatcherSettings,
		self.metrics,
	)

	unsubscribes := []func(){}
	for _, eventType := range StoreEventTypes {
		unsubscribes = append(unsubscribes, self.transport.On(eventType, self.handleFrame))
	}
	unsubscribes = append(unsubscribes, self.transport.On(EventConnected, self.handleConnected))
	unsubscribes = append(unsubscribes, self.transport.AddStateCallback(self.handleState))

	self.stateLock.Lock()
	self.overrides = overrides
	self.dispatcher = dispatcher
	self.unsubscribes = unsubscribes
	self.stateLock.Unlock()

	go self.pruneTyping()

	return self.transport.Connect(serverId, self.userId)
}

func (self *Session) fetch(ctx context.Context, serverId string) error {
	return Trace(fmt.Sprintf("[session]fetch %s", serverId), func() error {
		return self.fetchState(ctx, serverId)
	})
}

func (self *Session) fetchState(ctx context.Context, serverId string) error {
	var server *Server
	var categories *GetCategoriesResult
	var members *GetMembersResult

	var wg sync.WaitGroup
	var serverErr, categoriesErr, membersErr error
	wg.Add(3)
	go func() {
		defer wg.Done()
		server, serverErr = self.api.GetServer(ctx, serverId)
	}()
	go func() {
		defer wg.Done()
		categories, categoriesErr = self.api.GetCategories(ctx, serverId)
	}()
	go func() {
		defer wg.Done()
		members, membersErr = self.api.GetMembers(ctx, serverId)
	}()
	wg.Wait()
	if err := errors.Join(serverErr, categoriesErr, membersErr); err != nil {
		return err
	}

	self.store.Load(InitialState{
		Server:     *server,
		Categories: categories.Categories,
		Channels:   categories.Channels,
		Members:    members.Members,
	})
	return nil
}

// refetches the bulk state after a reconnect, since events may have been missed while offline.
// events that arrive during the fetch are applied on top of the fetched state in delivery order.
func (self *Session) Resync(ctx context.Context) error {
	self.bufferEvents()
	return self.resync(ctx)
}

// must follow `bufferEvents`
func (self *Session) resync(ctx context.Context) error {
	defer self.replayEvents()
	serverId := self.ServerId()
	if serverId == "" {
		return fmt.Errorf("session not open")
	}
	err := self.fetch(ctx, serverId)
	if err != nil {
		glog.Infof("[session]resync failed = %s\n", err)
		self.setLastError(err)
	}
	return err
}

// fetches a channel's history into the store
func (self *Session) LoadMessages(ctx context.Context, channelId string) error {
	if !self.permissions.HasPermission(self.Actor(), channelId, CapabilityReadMessageHistory) {
		return fmt.Errorf("%w: %s", ErrUnauthorized, CapabilityReadMessageHistory)
	}
	result, err := self.api.GetMessages(ctx, channelId)
	if err != nil {
		return err
	}
	self.store.LoadMessages(channelId, result.Messages)
	return nil
}

func (self *Session) bufferEvents() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.resyncs += 1
}

// applies the events buffered during the last outstanding resync
func (self *Session) replayEvents() {
	self.stateLock.Lock()
	self.resyncs -= 1
	if 0 < self.resyncs || self.replaying {
		self.stateLock.Unlock()
		return
	}
	self.replaying = true
	for {
		events := self.buffered
		self.buffered = nil
		// a newer resync replays the rest
		if len(events) == 0 || 0 < self.resyncs {
			self.buffered = events
			self.replaying = false
			self.stateLock.Unlock()
			return
		}
		self.stateLock.Unlock()

		glog.V(1).Infof("[session]replay %d events\n", len(events))
		for _, event := range events {
			self.applyEvent(event)
		}

		self.stateLock.Lock()
	}
}

func (self *Session) handleFrame(frame *Frame) {
	event, err := DecodeEvent(frame)
	if err != nil {
		glog.Infof("[session]drop frame = %s\n", err)
		self.metrics.EventDropped("decode")
		self.setLastError(err)
		return
	}

	self.stateLock.Lock()
	if 0 < self.resyncs || self.replaying {
		self.buffered = append(self.buffered, event)
		self.stateLock.Unlock()
		return
	}
	self.stateLock.Unlock()

	self.applyEvent(event)
}

func (self *Session) applyEvent(event Event) {
	if err := self.store.Apply(event); err != nil {
		glog.Infof("[session]drop event = %s\n", err)
		self.metrics.EventDropped("scope")
		self.setLastError(err)
		return
	}
	self.metrics.EventApplied(event.EventType())
	if overrides := self.Overrides(); overrides != nil {
		overrides.Supersede(event)
	}
}

func (self *Session) handleConnected(frame *Frame) {
	self.stateLock.Lock()
	self.connects += 1
	reconnected := 1 < self.connects
	self.stateLock.Unlock()

	if reconnected {
		// buffer on the read loop so that no event is applied before the fetched state
		self.bufferEvents()
		go func() {
			resyncCtx, resyncCancel := context.WithTimeout(self.ctx, self.settings.DispatcherSettings.RequestTimeout)
			defer resyncCancel()
			self.resync(resyncCtx)
		}()
	}
}

func (self *Session) handleState(state ConnectionState) {
	if state.LastError != nil {
		self.setLastError(state.LastError)
	}
}

func (self *Session) pruneTyping() {
	interval := self.settings.StoreSettings.TypingTtl / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			if n := self.store.PruneTyping(); 0 < n {
				glog.V(2).Infof("[session]pruned %d typing\n", n)
			}
		}
	}
}

func (self *Session) setLastError(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastError = err
}

func (self *Session) LastError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastError
}

func (self *Session) ConnectionStatus() ConnectionStatus {
	return self.transport.State().Status
}

func (self *Session) Reconnect() {
	self.transport.Reconnect()
}

// categories visible to the session user after overrides, ordered by position
func (self *Session) VisibleCategories() []Category {
	categories := self.store.Categories()
	if overrides := self.Overrides(); overrides != nil {
		categories = overrides.VisibleCategories(categories)
	}
	return categories
}

// channels in the category the session user can view, after overrides
func (self *Session) VisibleChannels(categoryId string) []Channel {
	actor := self.Actor()
	channels := []Channel{}
	for _, channel := range self.store.ChannelsInCategory(categoryId) {
		if self.permissions.HasPermission(actor, channel.Id, CapabilityViewChannel) {
			channels = append(channels, channel)
		}
	}
	if overrides := self.Overrides(); overrides != nil {
		channels = overrides.VisibleChannels(channels)
	}
	return channels
}

// revokes subscriptions, disconnects, and flushes pending override writes
func (self *Session) Close() {
	self.stateLock.Lock()
	unsubscribes := self.unsubscribes
	self.unsubscribes = nil
	overrides := self.overrides
	self.stateLock.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	self.transport.Disconnect()
	self.transport.Close()

	if overrides != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), self.settings.FlushTimeout)
		if err := overrides.Flush(flushCtx); err != nil {
			glog.Infof("[session]override flush = %s\n", err)
		}
		flushCancel()
		overrides.Close()
	}

	self.store.Reset()
	self.cancel()
}

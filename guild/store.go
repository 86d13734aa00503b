package guild

import (
	"cmp"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type StoreSettings struct {
	TypingTtl time.Duration
	Now       func() time.Time
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		TypingTtl: 8 * time.Second,
		Now:       time.Now,
	}
}

// bulk state from the REST fetch on open
type InitialState struct {
	Server     Server
	Categories []Category
	Channels   []Channel
	Members    []Member
}

// a deep copy of the store. safe to hold and compare.
type Snapshot struct {
	Server     *Server
	Categories []Category
	Channels   map[string]Channel
	Members    []Member
	Messages   map[string][]Message
	Typing     map[string][]TypingEntry
}

type StoreChange struct {
	Type      EventType
	ChannelId string
	// the change came from an optimistic or confirmed local mutation, not the realtime stream
	Local bool
}

type StoreChangeFunction = func(change StoreChange)

// normalized entity state for one server session.
// every inbound event type has exactly one handler. handlers are total: unknown ids are no-ops.
// a handler either applies fully or returns an error before mutating anything.
type Store struct {
	settings *StoreSettings

	stateLock sync.Mutex

	selfUserId      string
	activeChannelId string

	server     *Server
	categories []Category
	channels   map[string]Channel
	members    []Member
	messages   map[string][]Message
	// channel id -> deleted message ids
	tombstones map[string]map[string]bool
	// channel id -> user key -> entry
	typing map[string]map[string]TypingEntry

	changeCallbacks *CallbackList[StoreChangeFunction]
}

func NewStoreWithDefaults() *Store {
	return NewStore(DefaultStoreSettings())
}

func NewStore(settings *StoreSettings) *Store {
	return &Store{
		settings:        settings,
		channels:        map[string]Channel{},
		messages:        map[string][]Message{},
		tombstones:      map[string]map[string]bool{},
		typing:          map[string]map[string]TypingEntry{},
		changeCallbacks: NewCallbackList[StoreChangeFunction](),
	}
}

func (self *Store) AddChangeCallback(callback StoreChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *Store) notify(change StoreChange) {
	for _, callback := range self.changeCallbacks.Get() {
		HandleError(func() {
			callback(change)
		})
	}
}

func (self *Store) SetSelfUserId(userId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.selfUserId = userId
}

// the active channel does not accumulate unread messages
func (self *Store) SetActiveChannel(channelId string) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.activeChannelId = channelId
		self.markReadWithLock(channelId)
	}()
	self.notify(StoreChange{Type: EventChannelUpdated, ChannelId: channelId, Local: true})
}

func (self *Store) MarkRead(channelId string) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		return self.markReadWithLock(channelId)
	}()
	if changed {
		self.notify(StoreChange{Type: EventChannelUpdated, ChannelId: channelId, Local: true})
	}
}

func (self *Store) markReadWithLock(channelId string) bool {
	channel, ok := self.channels[channelId]
	if !ok || channel.UnreadCount == 0 {
		return false
	}
	channel.UnreadCount = 0
	self.channels[channelId] = channel
	return true
}

func (self *Store) Load(initialState InitialState) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		server := initialState.Server.clone()
		self.server = &server

		self.categories = []Category{}
		categoryIndexes := map[string]int{}
		for _, category := range initialState.Categories {
			if _, ok := categoryIndexes[category.Id]; ok {
				continue
			}
			category = category.clone()
			category.ChannelIds = []string{}
			categoryIndexes[category.Id] = len(self.categories)
			self.categories = append(self.categories, category)
		}

		self.channels = map[string]Channel{}
		for _, channel := range initialState.Channels {
			if _, ok := categoryIndexes[channel.CategoryId]; !ok {
				glog.Infof("[s]load drop channel %s with unknown category %s\n", channel.Id, channel.CategoryId)
				continue
			}
			self.channels[channel.Id] = channel.clone()
		}

		// the category's own channel order first, then any remaining channels in fetch order
		for _, category := range initialState.Categories {
			i, ok := categoryIndexes[category.Id]
			if !ok {
				continue
			}
			for _, channelId := range category.ChannelIds {
				if channel, ok := self.channels[channelId]; ok && channel.CategoryId == category.Id {
					if !slices.Contains(self.categories[i].ChannelIds, channelId) {
						self.categories[i].ChannelIds = append(self.categories[i].ChannelIds, channelId)
					}
				}
			}
		}
		for _, channel := range initialState.Channels {
			if _, ok := self.channels[channel.Id]; !ok {
				continue
			}
			i := categoryIndexes[channel.CategoryId]
			if !slices.Contains(self.categories[i].ChannelIds, channel.Id) {
				self.categories[i].ChannelIds = append(self.categories[i].ChannelIds, channel.Id)
			}
		}

		self.members = []Member{}
		for _, member := range initialState.Members {
			if slices.ContainsFunc(self.members, func(m Member) bool { return m.Id == member.Id }) {
				continue
			}
			member = member.clone()
			member.TopRoleId = self.topRoleIdWithLock(member.RoleIds)
			self.members = append(self.members, member)
		}
	}()
	self.notify(StoreChange{Type: EventServerUpdated, Local: true})
}

// replaces a channel's history from a REST fetch. pending local messages stay at the end.
func (self *Store) LoadMessages(channelId string, messages []Message) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		tombstones := self.tombstones[channelId]
		next := make([]Message, 0, len(messages))
		for _, message := range messages {
			if tombstones[message.Id] {
				continue
			}
			message = message.clone()
			message.ChannelId = channelId
			message.State = MessageStateConfirmed
			next = append(next, message)
		}
		for _, message := range self.messages[channelId] {
			if message.IsPending() {
				next = append(next, message)
			}
		}
		self.messages[channelId] = next
	}()
	self.notify(StoreChange{Type: EventMessageCreated, ChannelId: channelId, Local: true})
}

func (self *Store) Apply(event Event) error {
	var err error
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		err = self.applyWithLock(event)
	}()
	if err != nil {
		return err
	}
	self.notify(changeFor(event, false))
	return nil
}

// same result as calling `Apply` for each event in order
func (self *Store) ApplyAll(events []Event) error {
	errs := []error{}
	changes := []StoreChange{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for _, event := range events {
			if err := self.applyWithLock(event); err != nil {
				errs = append(errs, err)
			} else {
				changes = append(changes, changeFor(event, false))
			}
		}
	}()
	for _, change := range changes {
		self.notify(change)
	}
	return errors.Join(errs...)
}

func changeFor(event Event, local bool) StoreChange {
	change := StoreChange{
		Type:  event.EventType(),
		Local: local,
	}
	switch v := event.(type) {
	case MessageCreated:
		change.ChannelId = v.ChannelId
	case MessageUpdated:
		change.ChannelId = v.ChannelId
	case MessageDeleted:
		change.ChannelId = v.ChannelId
	case TypingStart:
		change.ChannelId = v.ChannelId
	case TypingStop:
		change.ChannelId = v.ChannelId
	case ChannelCreated:
		change.ChannelId = v.Channel.Id
	case ChannelUpdated:
		change.ChannelId = v.Channel.Id
	case ChannelDeleted:
		change.ChannelId = v.ChannelId
	}
	return change
}

// must be called with `stateLock`
func (self *Store) applyWithLock(event Event) error {
	switch v := event.(type) {
	case ServerUpdated:
		self.applyServerUpdated(v)
	case MemberJoined:
		self.applyMemberJoined(v)
	case MemberLeft:
		self.applyMemberLeft(v)
	case MemberUpdated:
		self.applyMemberUpdated(v)
	case MessageCreated:
		self.applyMessageCreated(v)
	case MessageUpdated:
		self.applyMessageUpdated(v)
	case MessageDeleted:
		self.applyMessageDeleted(v)
	case TypingStart:
		self.applyTypingStart(v)
	case TypingStop:
		self.applyTypingStop(v)
	case ChannelCreated:
		return self.applyChannelCreated(v)
	case ChannelUpdated:
		return self.applyChannelUpdated(v)
	case ChannelDeleted:
		self.applyChannelDeleted(v)
	case CategoryCreated:
		self.applyCategoryCreated(v)
	case CategoryUpdated:
		self.applyCategoryUpdated(v)
	case CategoryDeleted:
		self.applyCategoryDeleted(v)
	default:
		return malformedEvent("store does not handle %T", event)
	}
	return nil
}

func (self *Store) applyServerUpdated(e ServerUpdated) {
	server := e.Server.clone()
	self.server = &server
	// role positions may have changed
	for i, member := range self.members {
		self.members[i].TopRoleId = self.topRoleIdWithLock(member.RoleIds)
	}
}

func (self *Store) memberIndexWithLock(memberId string) int {
	return slices.IndexFunc(self.members, func(member Member) bool {
		return member.Id == memberId
	})
}

func (self *Store) applyMemberJoined(e MemberJoined) {
	if 0 <= self.memberIndexWithLock(e.Member.Id) {
		return
	}
	member := e.Member.clone()
	member.TopRoleId = self.topRoleIdWithLock(member.RoleIds)
	self.members = append(self.members, member)
}

func (self *Store) applyMemberLeft(e MemberLeft) {
	i := self.memberIndexWithLock(e.MemberId)
	if i < 0 {
		return
	}
	self.members = slices.Delete(slices.Clone(self.members), i, i+1)
}

func (self *Store) applyMemberUpdated(e MemberUpdated) {
	i := self.memberIndexWithLock(e.Member.Id)
	if i < 0 {
		return
	}
	member := e.Member.clone()
	member.TopRoleId = self.topRoleIdWithLock(member.RoleIds)
	self.members[i] = member
}

func (self *Store) messageIndexWithLock(channelId string, messageId string) int {
	return slices.IndexFunc(self.messages[channelId], func(message Message) bool {
		return message.Id == messageId
	})
}

func (self *Store) pendingIndexWithLock(channelId string, nonce string) int {
	// pending nonces are local ids. anything else is another client's nonce.
	if _, err := ParseId(nonce); err != nil {
		return -1
	}
	return slices.IndexFunc(self.messages[channelId], func(message Message) bool {
		return message.IsPending() && message.Nonce == nonce
	})
}

func (self *Store) applyMessageCreated(e MessageCreated) {
	if self.tombstones[e.ChannelId][e.Message.Id] {
		return
	}
	if 0 <= self.messageIndexWithLock(e.ChannelId, e.Message.Id) {
		return
	}
	message := e.Message.clone()
	message.ChannelId = e.ChannelId
	message.State = MessageStateConfirmed

	messages := slices.Clone(self.messages[e.ChannelId])
	if i := self.pendingIndexWithLock(e.ChannelId, message.Nonce); 0 <= i {
		// the echo of our own optimistic send
		messages[i] = message
	} else {
		messages = append(messages, message)
		if channel, ok := self.channels[e.ChannelId]; ok {
			if e.ChannelId != self.activeChannelId && message.AuthorId != self.selfUserId {
				channel.UnreadCount += 1
				self.channels[e.ChannelId] = channel
			}
		}
	}
	self.messages[e.ChannelId] = messages
}

func (self *Store) applyMessageUpdated(e MessageUpdated) {
	i := self.messageIndexWithLock(e.ChannelId, e.Message.Id)
	if i < 0 {
		return
	}
	message := e.Message.clone()
	message.ChannelId = e.ChannelId
	message.State = MessageStateConfirmed
	messages := slices.Clone(self.messages[e.ChannelId])
	messages[i] = message
	self.messages[e.ChannelId] = messages
}

func (self *Store) applyMessageDeleted(e MessageDeleted) {
	tombstones, ok := self.tombstones[e.ChannelId]
	if !ok {
		tombstones = map[string]bool{}
		self.tombstones[e.ChannelId] = tombstones
	}
	tombstones[e.MessageId] = true

	i := self.messageIndexWithLock(e.ChannelId, e.MessageId)
	if i < 0 {
		return
	}
	self.messages[e.ChannelId] = slices.Delete(slices.Clone(self.messages[e.ChannelId]), i, i+1)
}

func typingKey(userId string, username string) string {
	if userId != "" {
		return userId
	}
	return username
}

func (self *Store) applyTypingStart(e TypingStart) {
	typingSet, ok := self.typing[e.ChannelId]
	if !ok {
		typingSet = map[string]TypingEntry{}
		self.typing[e.ChannelId] = typingSet
	}
	typingSet[typingKey(e.UserId, e.Username)] = TypingEntry{
		UserId:    e.UserId,
		Username:  e.Username,
		ExpiresAt: self.settings.Now().Add(self.settings.TypingTtl),
	}
}

func (self *Store) applyTypingStop(e TypingStop) {
	typingSet, ok := self.typing[e.ChannelId]
	if !ok {
		return
	}
	delete(typingSet, typingKey(e.UserId, e.Username))
	if len(typingSet) == 0 {
		delete(self.typing, e.ChannelId)
	}
}

func (self *Store) categoryIndexWithLock(categoryId string) int {
	return slices.IndexFunc(self.categories, func(category Category) bool {
		return category.Id == categoryId
	})
}

func (self *Store) applyChannelCreated(e ChannelCreated) error {
	if _, ok := self.channels[e.Channel.Id]; ok {
		return nil
	}
	i := self.categoryIndexWithLock(e.Channel.CategoryId)
	if i < 0 {
		return malformedEvent("%s: channel %s references unknown category %s", e.EventType(), e.Channel.Id, e.Channel.CategoryId)
	}
	self.channels[e.Channel.Id] = e.Channel.clone()
	categories := slices.Clone(self.categories)
	categories[i].ChannelIds = append(slices.Clone(categories[i].ChannelIds), e.Channel.Id)
	self.categories = categories
	return nil
}

func (self *Store) applyChannelUpdated(e ChannelUpdated) error {
	prior, ok := self.channels[e.Channel.Id]
	if !ok {
		return nil
	}
	channel := e.Channel.clone()
	// unread state is local
	channel.UnreadCount = prior.UnreadCount

	if channel.CategoryId != prior.CategoryId {
		to := self.categoryIndexWithLock(channel.CategoryId)
		if to < 0 {
			return malformedEvent("%s: channel %s references unknown category %s", e.EventType(), channel.Id, channel.CategoryId)
		}
		categories := slices.Clone(self.categories)
		if from := self.categoryIndexWithLock(prior.CategoryId); 0 <= from {
			categories[from].ChannelIds = removeString(categories[from].ChannelIds, channel.Id)
		}
		categories[to].ChannelIds = append(slices.Clone(categories[to].ChannelIds), channel.Id)
		self.categories = categories
	}
	self.channels[channel.Id] = channel
	return nil
}

func (self *Store) applyChannelDeleted(e ChannelDeleted) {
	channel, ok := self.channels[e.ChannelId]
	if !ok {
		return
	}
	self.removeChannelWithLock(channel)
}

func (self *Store) removeChannelWithLock(channel Channel) {
	delete(self.channels, channel.Id)
	if i := self.categoryIndexWithLock(channel.CategoryId); 0 <= i {
		categories := slices.Clone(self.categories)
		categories[i].ChannelIds = removeString(categories[i].ChannelIds, channel.Id)
		self.categories = categories
	}
	delete(self.messages, channel.Id)
	delete(self.tombstones, channel.Id)
	delete(self.typing, channel.Id)
	if self.activeChannelId == channel.Id {
		self.activeChannelId = ""
	}
}

func (self *Store) applyCategoryCreated(e CategoryCreated) {
	if 0 <= self.categoryIndexWithLock(e.Category.Id) {
		return
	}
	category := e.Category.clone()
	category.ChannelIds = []string{}
	// the store owns channel membership
	for _, channel := range self.channels {
		if channel.CategoryId == category.Id {
			category.ChannelIds = append(category.ChannelIds, channel.Id)
		}
	}
	slices.Sort(category.ChannelIds)
	self.categories = append(slices.Clone(self.categories), category)
}

func (self *Store) applyCategoryUpdated(e CategoryUpdated) {
	i := self.categoryIndexWithLock(e.Category.Id)
	if i < 0 {
		return
	}
	category := e.Category.clone()
	category.ChannelIds = self.categories[i].ChannelIds
	categories := slices.Clone(self.categories)
	categories[i] = category
	self.categories = categories
}

func (self *Store) applyCategoryDeleted(e CategoryDeleted) {
	i := self.categoryIndexWithLock(e.CategoryId)
	if i < 0 {
		return
	}
	for _, channelId := range self.categories[i].ChannelIds {
		if channel, ok := self.channels[channelId]; ok {
			self.removeChannelWithLock(channel)
		}
	}
	self.categories = slices.Delete(slices.Clone(self.categories), i, i+1)
}

func removeString(values []string, value string) []string {
	return slices.DeleteFunc(slices.Clone(values), func(v string) bool {
		return v == value
	})
}

// must be called with `stateLock`
func (self *Store) topRoleIdWithLock(roleIds []string) string {
	if self.server == nil {
		return ""
	}
	var top *Role
	for i := range self.server.Roles {
		role := &self.server.Roles[i]
		if role.IsDefault || !slices.Contains(roleIds, role.Id) {
			continue
		}
		if top == nil || compareRoles(*top, *role) < 0 {
			top = role
		}
	}
	if top == nil {
		return ""
	}
	return top.Id
}

// ascending priority. equal positions order by id.
func compareRoles(a Role, b Role) int {
	if c := cmp.Compare(a.Position, b.Position); c != 0 {
		return c
	}
	return cmp.Compare(a.Id, b.Id)
}

// local mutations. the dispatcher is the only caller.

func (self *Store) AddPendingMessage(channelId string, message Message) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		message = message.clone()
		message.ChannelId = channelId
		message.State = MessageStatePending
		self.messages[channelId] = append(slices.Clone(self.messages[channelId]), message)
	}()
	self.notify(StoreChange{Type: EventMessageCreated, ChannelId: channelId, Local: true})
}

// swaps the pending message for the confirmed one.
// if the realtime echo already replaced it, only the leftover pending entry (if any) is removed.
func (self *Store) ConfirmPendingMessage(channelId string, nonce string, confirmed Message) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		messages := slices.Clone(self.messages[channelId])
		i := self.pendingIndexWithLock(channelId, nonce)
		exists := 0 <= self.messageIndexWithLock(channelId, confirmed.Id)
		tombstoned := self.tombstones[channelId][confirmed.Id]

		confirmed = confirmed.clone()
		confirmed.ChannelId = channelId
		confirmed.State = MessageStateConfirmed

		switch {
		case 0 <= i && (exists || tombstoned):
			messages = slices.Delete(messages, i, i+1)
		case 0 <= i:
			messages[i] = confirmed
		case !exists && !tombstoned:
			messages = append(messages, confirmed)
		}
		self.messages[channelId] = messages
	}()
	self.notify(StoreChange{Type: EventMessageCreated, ChannelId: channelId, Local: true})
}

func (self *Store) RemovePendingMessage(channelId string, nonce string) bool {
	removed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		i := self.pendingIndexWithLock(channelId, nonce)
		if i < 0 {
			return false
		}
		self.messages[channelId] = slices.Delete(slices.Clone(self.messages[channelId]), i, i+1)
		return true
	}()
	if removed {
		self.notify(StoreChange{Type: EventMessageDeleted, ChannelId: channelId, Local: true})
	}
	return removed
}

// replaces an existing message by id. returns the prior value.
func (self *Store) ReplaceMessage(channelId string, message Message) (Message, bool) {
	var prior Message
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		i := self.messageIndexWithLock(channelId, message.Id)
		if i < 0 {
			return false
		}
		messages := slices.Clone(self.messages[channelId])
		prior = messages[i]
		message = message.clone()
		message.ChannelId = channelId
		messages[i] = message
		self.messages[channelId] = messages
		return true
	}()
	if ok {
		self.notify(StoreChange{Type: EventMessageUpdated, ChannelId: channelId, Local: true})
	}
	return prior, ok
}

// removes without a tombstone so that a failed delete can restore the message.
// returns the removed message and its index.
func (self *Store) HideMessage(channelId string, messageId string) (Message, int, bool) {
	var message Message
	i := -1
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		i = self.messageIndexWithLock(channelId, messageId)
		if i < 0 {
			return
		}
		message = self.messages[channelId][i]
		self.messages[channelId] = slices.Delete(slices.Clone(self.messages[channelId]), i, i+1)
	}()
	if i < 0 {
		return Message{}, -1, false
	}
	self.notify(StoreChange{Type: EventMessageDeleted, ChannelId: channelId, Local: true})
	return message, i, true
}

// puts a hidden message back unless it was deleted authoritatively or re-added meanwhile
func (self *Store) RestoreMessage(channelId string, message Message, index int) bool {
	restored := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.tombstones[channelId][message.Id] {
			return false
		}
		if 0 <= self.messageIndexWithLock(channelId, message.Id) {
			return false
		}
		messages := slices.Clone(self.messages[channelId])
		index = max(0, min(index, len(messages)))
		self.messages[channelId] = slices.Insert(messages, index, message.clone())
		return true
	}()
	if restored {
		self.notify(StoreChange{Type: EventMessageCreated, ChannelId: channelId, Local: true})
	}
	return restored
}

// adds or removes `userId` from the emoji's reaction. returns false if the message is unknown.
func (self *Store) SetReaction(channelId string, messageId string, emoji string, userId string, present bool) bool {
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		i := self.messageIndexWithLock(channelId, messageId)
		if i < 0 {
			return false
		}
		messages := slices.Clone(self.messages[channelId])
		message := messages[i].clone()
		message.Reactions = setReaction(message.Reactions, emoji, userId, present)
		messages[i] = message
		self.messages[channelId] = messages
		return true
	}()
	if ok {
		self.notify(StoreChange{Type: EventMessageUpdated, ChannelId: channelId, Local: true})
	}
	return ok
}

func setReaction(reactions []Reaction, emoji string, userId string, present bool) []Reaction {
	i := slices.IndexFunc(reactions, func(reaction Reaction) bool {
		return reaction.Emoji == emoji
	})
	if present {
		if i < 0 {
			return append(reactions, Reaction{Emoji: emoji, UserIds: []string{userId}})
		}
		if !slices.Contains(reactions[i].UserIds, userId) {
			reactions[i].UserIds = append(reactions[i].UserIds, userId)
		}
		return reactions
	}
	if i < 0 {
		return reactions
	}
	reactions[i].UserIds = removeString(reactions[i].UserIds, userId)
	if len(reactions[i].UserIds) == 0 {
		reactions = slices.Delete(reactions, i, i+1)
	}
	return reactions
}

// changes one member in place. `update` returns false to leave the member as is.
func (self *Store) UpdateMember(memberId string, update func(member *Member) bool) bool {
	updated := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		i := self.memberIndexWithLock(memberId)
		if i < 0 {
			return false
		}
		member := self.members[i].clone()
		if !update(&member) {
			return false
		}
		member.TopRoleId = self.topRoleIdWithLock(member.RoleIds)
		members := slices.Clone(self.members)
		members[i] = member
		self.members = members
		return true
	}()
	if updated {
		self.notify(StoreChange{Type: EventMemberUpdated, Local: true})
	}
	return updated
}

// changes one message in place. `update` returns false to leave the message as is.
func (self *Store) UpdateMessage(channelId string, messageId string, update func(message *Message) bool) bool {
	updated := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		i := self.messageIndexWithLock(channelId, messageId)
		if i < 0 {
			return false
		}
		message := self.messages[channelId][i].clone()
		if !update(&message) {
			return false
		}
		messages := slices.Clone(self.messages[channelId])
		messages[i] = message
		self.messages[channelId] = messages
		return true
	}()
	if updated {
		self.notify(StoreChange{Type: EventMessageUpdated, ChannelId: channelId, Local: true})
	}
	return updated
}

// applies a confirmed mutation through the same handler the realtime event uses
func (self *Store) ApplyLocal(event Event) error {
	var err error
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		err = self.applyWithLock(event)
	}()
	if err != nil {
		return err
	}
	self.notify(changeFor(event, true))
	return nil
}

func (self *Store) PruneTyping() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	now := self.settings.Now()
	pruned := 0
	for channelId, typingSet := range self.typing {
		for key, entry := range typingSet {
			if !now.Before(entry.ExpiresAt) {
				delete(typingSet, key)
				pruned += 1
			}
		}
		if len(typingSet) == 0 {
			delete(self.typing, channelId)
		}
	}
	return pruned
}

// accessors. all return copies.

func (self *Store) Server() (Server, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.server == nil {
		return Server{}, false
	}
	return self.server.clone(), true
}

func (self *Store) Role(roleId string) (Role, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.server == nil {
		return Role{}, false
	}
	for _, role := range self.server.Roles {
		if role.Id == roleId {
			return role, true
		}
	}
	return Role{}, false
}

// ordered by position, then by arrival
func (self *Store) Categories() []Category {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	categories := make([]Category, 0, len(self.categories))
	for _, category := range self.categories {
		categories = append(categories, category.clone())
	}
	slices.SortStableFunc(categories, func(a Category, b Category) int {
		return cmp.Compare(a.Position, b.Position)
	})
	return categories
}

func (self *Store) Category(categoryId string) (Category, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	i := self.categoryIndexWithLock(categoryId)
	if i < 0 {
		return Category{}, false
	}
	return self.categories[i].clone(), true
}

func (self *Store) Channel(channelId string) (Channel, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	channel, ok := self.channels[channelId]
	if !ok {
		return Channel{}, false
	}
	return channel.clone(), true
}

// in category order
func (self *Store) Channels() []Channel {
	channels := []Channel{}
	for _, category := range self.Categories() {
		channels = append(channels, self.ChannelsInCategory(category.Id)...)
	}
	return channels
}

func (self *Store) ChannelsInCategory(categoryId string) []Channel {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	i := self.categoryIndexWithLock(categoryId)
	if i < 0 {
		return nil
	}
	channels := []Channel{}
	for _, channelId := range self.categories[i].ChannelIds {
		if channel, ok := self.channels[channelId]; ok {
			channels = append(channels, channel.clone())
		}
	}
	return channels
}

func (self *Store) Members() []Member {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	members := make([]Member, 0, len(self.members))
	for _, member := range self.members {
		members = append(members, member.clone())
	}
	return members
}

func (self *Store) Member(memberId string) (Member, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	i := self.memberIndexWithLock(memberId)
	if i < 0 {
		return Member{}, false
	}
	return self.members[i].clone(), true
}

func (self *Store) MemberByUserId(userId string) (Member, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, member := range self.members {
		if member.UserId == userId {
			return member.clone(), true
		}
	}
	return Member{}, false
}

// server order. pending local messages are included.
func (self *Store) Messages(channelId string) []Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	messages := make([]Message, 0, len(self.messages[channelId]))
	for _, message := range self.messages[channelId] {
		messages = append(messages, message.clone())
	}
	return messages
}

func (self *Store) Message(channelId string, messageId string) (Message, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	i := self.messageIndexWithLock(channelId, messageId)
	if i < 0 {
		return Message{}, false
	}
	return self.messages[channelId][i].clone(), true
}

// unexpired entries, ordered by username
func (self *Store) TypingUsers(channelId string) []TypingEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.typingWithLock(channelId, self.settings.Now())
}

func (self *Store) typingWithLock(channelId string, now time.Time) []TypingEntry {
	entries := []TypingEntry{}
	for _, entry := range maps.Values(self.typing[channelId]) {
		if now.Before(entry.ExpiresAt) {
			entries = append(entries, entry)
		}
	}
	slices.SortFunc(entries, func(a TypingEntry, b TypingEntry) int {
		if c := cmp.Compare(a.Username, b.Username); c != 0 {
			return c
		}
		return cmp.Compare(a.UserId, b.UserId)
	})
	return entries
}

func (self *Store) Snapshot() Snapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	snapshot := Snapshot{
		Categories: make([]Category, 0, len(self.categories)),
		Channels:   map[string]Channel{},
		Members:    make([]Member, 0, len(self.members)),
		Messages:   map[string][]Message{},
		Typing:     map[string][]TypingEntry{},
	}
	if self.server != nil {
		server := self.server.clone()
		snapshot.Server = &server
	}
	for _, category := range self.categories {
		snapshot.Categories = append(snapshot.Categories, category.clone())
	}
	for channelId, channel := range self.channels {
		snapshot.Channels[channelId] = channel.clone()
	}
	for _, member := range self.members {
		snapshot.Members = append(snapshot.Members, member.clone())
	}
	for channelId, messages := range self.messages {
		out := make([]Message, 0, len(messages))
		for _, message := range messages {
			out = append(out, message.clone())
		}
		snapshot.Messages[channelId] = out
	}
	now := self.settings.Now()
	for channelId := range self.typing {
		if entries := self.typingWithLock(channelId, now); 0 < len(entries) {
			snapshot.Typing[channelId] = entries
		}
	}
	return snapshot
}

// session teardown
func (self *Store) Reset() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.activeChannelId = ""
		self.server = nil
		self.categories = nil
		self.channels = map[string]Channel{}
		self.members = nil
		self.messages = map[string][]Message{}
		self.tombstones = map[string]map[string]bool{}
		self.typing = map[string]map[string]TypingEntry{}
	}()
	self.notify(StoreChange{Type: EventServerUpdated, Local: true})
}

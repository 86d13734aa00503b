package guild

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/time/rate"
)

type MutationKind string

const (
	MutationSendMessage    MutationKind = "send_message"
	MutationEditMessage    MutationKind = "edit_message"
	MutationDeleteMessage  MutationKind = "delete_message"
	MutationToggleReaction MutationKind = "toggle_reaction"
	MutationKickMember     MutationKind = "kick_member"
	MutationBanMember      MutationKind = "ban_member"
	MutationMuteMember     MutationKind = "mute_member"
	MutationCreateCategory MutationKind = "create_category"
	MutationCreateChannel  MutationKind = "create_channel"
	MutationDeleteChannel  MutationKind = "delete_channel"
	MutationPatchChannel   MutationKind = "patch_channel"
)

type MutationState string

const (
	MutationPending    MutationState = "pending"
	MutationConfirmed  MutationState = "confirmed"
	MutationRolledBack MutationState = "rolled_back"
)

func (self MutationState) IsTerminal() bool {
	switch self {
	case MutationConfirmed, MutationRolledBack:
		return true
	default:
		return false
	}
}

type Mutation struct {
	Id    Id
	Kind  MutationKind
	State MutationState
	// the channel, category, message, or member the mutation targets
	ScopeId   string
	Err       error
	CreatedAt time.Time
	UpdatedAt time.Time
}

type MutationFunction = func(mutation Mutation)

// outbound realtime frames. `*Transport` implements it.
type FrameSender interface {
	Send(eventType EventType, payload any) bool
}

type DispatcherSettings struct {
	RequestTimeout time.Duration
	// minimum spacing of typing:start per channel
	TypingInterval time.Duration
	// number of recent mutations kept for `Mutations`
	MutationHistory int
	Now             func() time.Time
}

func DefaultDispatcherSettings() *DispatcherSettings {
	return &DispatcherSettings{
		RequestTimeout:  30 * time.Second,
		TypingInterval:  5 * time.Second,
		MutationHistory: 256,
		Now:             time.Now,
	}
}

// one entry point per user intent.
// each checks permissions and validates locally, then applies an optimistic mutation, then calls the api.
// on failure the optimistic mutation is reverted and the error is returned.
// on success the confirmed value replaces the optimistic one. a later realtime echo is a no-op.
type Dispatcher struct {
	serverId    string
	userId      string
	api         Api
	store       *Store
	overrides   *OverrideReconciler
	permissions *PermissionResolver
	sender      FrameSender
	validator   *Validator
	settings    *DispatcherSettings
	metrics     *Metrics

	stateLock      sync.Mutex
	mutations      []Mutation
	typingLimiters map[string]*rate.Limiter

	mutationCallbacks *CallbackList[MutationFunction]
}

func NewDispatcher(
	serverId string,
	userId string,
	api Api,
	store *Store,
	overrides *OverrideReconciler,
	permissions *PermissionResolver,
	sender FrameSender,
	settings *DispatcherSettings,
	metrics *Metrics,
) *Dispatcher {
	return &Dispatcher{
		serverId:          serverId,
		userId:            userId,
		api:               api,
		store:             store,
		overrides:         overrides,
		permissions:       permissions,
		sender:            sender,
		validator:         NewValidator(),
		settings:          settings,
		metrics:           metrics,
		typingLimiters:    map[string]*rate.Limiter{},
		mutationCallbacks: NewCallbackList[MutationFunction](),
	}
}

func (self *Dispatcher) AddMutationCallback(callback MutationFunction) func() {
	callbackId := self.mutationCallbacks.Add(callback)
	return func() {
		self.mutationCallbacks.Remove(callbackId)
	}
}

// recent mutations, oldest first
func (self *Dispatcher) Mutations() []Mutation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.mutations)
}

func (self *Dispatcher) actor() Actor {
	return self.permissions.ActorFor(self.userId)
}

func (self *Dispatcher) require(scopeId string, capabilities ...Capability) error {
	actor := self.actor()
	for _, capability := range capabilities {
		if !self.permissions.HasPermission(actor, scopeId, capability) {
			return fmt.Errorf("%w: %s", ErrUnauthorized, capability)
		}
	}
	return nil
}

func (self *Dispatcher) begin(kind MutationKind, scopeId string) Mutation {
	now := self.settings.Now()
	mutation := Mutation{
		Id:        NewId(),
		Kind:      kind,
		State:     MutationPending,
		ScopeId:   scopeId,
		CreatedAt: now,
		UpdatedAt: now,
	}
	self.record(mutation)
	return mutation
}

// confirmed when `err` is nil, otherwise rolled back
func (self *Dispatcher) finish(mutation Mutation, err error) error {
	mutation.UpdatedAt = self.settings.Now()
	if err == nil {
		mutation.State = MutationConfirmed
	} else {
		mutation.State = MutationRolledBack
		mutation.Err = err
		glog.Infof("[d]%s %s rolled back = %s\n", mutation.Kind, mutation.ScopeId, err)
	}
	self.record(mutation)
	self.metrics.Mutation(mutation.Kind, mutation.State)
	return err
}

func (self *Dispatcher) record(mutation Mutation) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		i := slices.IndexFunc(self.mutations, func(m Mutation) bool {
			return m.Id == mutation.Id
		})
		if 0 <= i {
			self.mutations[i] = mutation
		} else {
			self.mutations = append(self.mutations, mutation)
			if overflow := len(self.mutations) - self.settings.MutationHistory; 0 < overflow {
				self.mutations = slices.Delete(self.mutations, 0, overflow)
			}
		}
	}()
	for _, callback := range self.mutationCallbacks.Get() {
		HandleError(func() {
			callback(mutation)
		})
	}
}

func (self *Dispatcher) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, self.settings.RequestTimeout)
}

// appends a pending message, then swaps it for the confirmed message.
// the send is never retried here since a retry without dedup can post twice.
func (self *Dispatcher) SendMessage(ctx context.Context, channelId string, args SendMessageArgs) (*Message, error) {
	if _, ok := self.store.Channel(channelId); !ok {
		return nil, fmt.Errorf("%w: unknown channel %s", ErrInvalidIntent, channelId)
	}
	capabilities := []Capability{CapabilitySendMessages}
	if 0 < len(args.Attachments) {
		capabilities = append(capabilities, CapabilityAttachFiles)
	}
	if err := self.require(channelId, capabilities...); err != nil {
		return nil, err
	}
	if err := self.validator.Struct(&args); err != nil {
		return nil, err
	}
	if args.ReplyToId != "" {
		if _, ok := self.store.Message(channelId, args.ReplyToId); !ok {
			return nil, fmt.Errorf("%w: reply to unknown message %s", ErrInvalidIntent, args.ReplyToId)
		}
	}

	nonce := NewId()
	args.Nonce = nonce.String()
	pending := Message{
		Id:          pendingMessageId(nonce),
		ChannelId:   channelId,
		AuthorId:    self.userId,
		Content:     args.Content,
		CreatedAt:   self.settings.Now(),
		ReplyToId:   args.ReplyToId,
		Attachments: slices.Clone(args.Attachments),
		Nonce:       args.Nonce,
	}

	mutation := self.begin(MutationSendMessage, channelId)
	self.store.AddPendingMessage(channelId, pending)

	requestCtx, requestCancel := self.requestContext(ctx)
	defer requestCancel()
	message, err := self.api.SendMessage(requestCtx, channelId, &args)
	if err != nil {
		self.store.RemovePendingMessage(channelId, args.Nonce)
		return nil, self.finish(mutation, err)
	}
	self.store.ConfirmPendingMessage(channelId, args.Nonce, *message)
	self.finish(mutation, nil)
	return message, nil
}

// only the author can edit
func (self *Dispatcher) EditMessage(ctx context.Context, channelId string, messageId string, content string) (*Message, error) {
	prior, ok := self.store.Message(channelId, messageId)
	if !ok || prior.IsPending() {
		return nil, fmt.Errorf("%w: unknown message %s", ErrInvalidIntent, messageId)
	}
	if self.userId == "" || prior.AuthorId != self.userId {
		return nil, fmt.Errorf("%w: not the author", ErrUnauthorized)
	}
	args := &EditMessageArgs{
		Content: content,
	}
	if err := self.validator.Struct(args); err != nil {
		return nil, err
	}

	editedAt := self.settings.Now()

	mutation := self.begin(MutationEditMessage, messageId)
	self.store.UpdateMessage(channelId, messageId, func(message *Message) bool {
		message.Content = content
		message.EditedAt = &editedAt
		return true
	})

	requestCtx, requestCancel := self.requestContext(ctx)
	defer requestCancel()
	message, err := self.api.EditMessage(requestCtx, messageId, args)
	if err != nil {
		// only the optimistic edit is undone. a confirmed update since then is kept.
		self.store.UpdateMessage(channelId, messageId, func(message *Message) bool {
			if message.Content != content || message.EditedAt == nil || !message.EditedAt.Equal(editedAt) {
				return false
			}
			message.Content = prior.Content
			message.EditedAt = prior.clone().EditedAt
			return true
		})
		return nil, self.finish(mutation, err)
	}
	self.store.ReplaceMessage(channelId, *message)
	self.finish(mutation, nil)
	return message, nil
}

// the author, or anyone with manage_messages in the channel
func (self *Dispatcher) DeleteMessage(ctx context.Context, channelId string, messageId string) error {
	prior, ok := self.store.Message(channelId, messageId)
	if !ok || prior.IsPending() {
		return fmt.Errorf("%w: unknown message %s", ErrInvalidIntent, messageId)
	}
	if self.userId == "" || prior.AuthorId != self.userId {
		if err := self.require(channelId, CapabilityManageMessages); err != nil {
			return err
		}
	}

	mutation := self.begin(MutationDeleteMessage, messageId)
	hidden, index, _ := self.store.HideMessage(channelId, messageId)

	requestCtx, requestCancel := self.requestContext(ctx)
	defer requestCancel()
	if err := self.api.DeleteMessage(requestCtx, messageId); err != nil {
		self.store.RestoreMessage(channelId, hidden, index)
		return self.finish(mutation, err)
	}
	self.store.ApplyLocal(MessageDeleted{ChannelId: channelId, MessageId: messageId})
	return self.finish(mutation, nil)
}

// adds the session user's reaction if absent, otherwise removes it
func (self *Dispatcher) ToggleReaction(ctx context.Context, channelId string, messageId string, emoji string) error {
	message, ok := self.store.Message(channelId, messageId)
	if !ok || message.IsPending() {
		return fmt.Errorf("%w: unknown message %s", ErrInvalidIntent, messageId)
	}
	if err := self.validator.Var("emoji", emoji, "required,max=64"); err != nil {
		return err
	}
	present := !message.ReactedBy(emoji, self.userId)
	if present {
		if err := self.require(channelId, CapabilityAddReactions); err != nil {
			return err
		}
	} else if self.userId == "" {
		return fmt.Errorf("%w: unauthenticated", ErrUnauthorized)
	}

	mutation := self.begin(MutationToggleReaction, messageId)
	self.store.SetReaction(channelId, messageId, emoji, self.userId, present)

	requestCtx, requestCancel := self.requestContext(ctx)
	defer requestCancel()
	var err error
	if present {
		err = self.api.AddReaction(requestCtx, messageId, emoji)
	} else {
		err = self.api.RemoveReaction(requestCtx, messageId, emoji)
	}
	if err != nil {
		self.store.SetReaction(channelId, messageId, emoji, self.userId, !present)
		return self.finish(mutation, err)
	}
	return self.finish(mutation, nil)
}

func (self *Dispatcher) moderationTarget(memberId string, capability Capability) (Member, error) {
	member, ok := self.store.Member(memberId)
	if !ok {
		return Member{}, fmt.Errorf("%w: unknown member %s", ErrInvalidIntent, memberId)
	}
	if !self.permissions.CanModerate(self.actor(), member, capability) {
		return Member{}, fmt.Errorf("%w: %s", ErrUnauthorized, capability)
	}
	return member, nil
}

func (self *Dispatcher) KickMember(ctx context.Context, memberId string, reason string) error {
	return self.removeMember(ctx, MutationKickMember, ModerationKick, CapabilityKickMembers, memberId, reason)
}

func (self *Dispatcher) BanMember(ctx context.Context, memberId string, reason string) error {
	return self.removeMember(ctx, MutationBanMember, ModerationBan, CapabilityBanMembers, memberId, reason)
}

// no optimistic removal. the member is removed once the server confirms.
func (self *Dispatcher) removeMember(
	ctx context.Context,
	kind MutationKind,
	action ModerationAction,
	capability Capability,
	memberId string,
	reason string,
) error {
	if _, err := self.moderationTarget(memberId, capability); err != nil {
		return err
	}
	args := &ModerateArgs{
		Reason: reason,
	}
	if err := self.validator.Struct(args); err != nil {
		return err
	}

	mutation := self.begin(kind, memberId)

	requestCtx, requestCancel := self.requestContext(ctx)
	defer requestCancel()
	if err := self.api.ModerateMember(requestCtx, self.serverId, memberId, action, args); err != nil {
		return self.finish(mutation, err)
	}
	self.store.ApplyLocal(MemberLeft{MemberId: memberId})
	return self.finish(mutation, nil)
}

func (self *Dispatcher) MuteMember(ctx context.Context, memberId string, muted bool) error {
	prior, err := self.moderationTarget(memberId, CapabilityMuteMembers)
	if err != nil {
		return err
	}

	mutation := self.begin(MutationMuteMember, memberId)
	self.store.UpdateMember(memberId, func(member *Member) bool {
		member.Muted = muted
		return true
	})

	requestCtx, requestCancel := self.requestContext(ctx)
	defer requestCancel()
	if err := self.api.ModerateMember(requestCtx, self.serverId, memberId, ModerationMute, &ModerateArgs{Muted: muted}); err != nil {
		self.store.UpdateMember(memberId, func(member *Member) bool {
			if member.Muted != muted {
				return false
			}
			member.Muted = prior.Muted
			return true
		})
		return self.finish(mutation, err)
	}
	return self.finish(mutation, nil)
}

func (self *Dispatcher) CreateCategory(ctx context.Context, args CreateCategoryArgs) (*Category, error) {
	if err := self.require("", CapabilityManageChannels); err != nil {
		return nil, err
	}
	if err := self.validator.Struct(&args); err != nil {
		return nil, err
	}

	mutation := self.begin(MutationCreateCategory, self.serverId)

	requestCtx, requestCancel := self.requestContext(ctx)
	defer requestCancel()
	category, err := self.api.CreateCategory(requestCtx, self.serverId, &args)
	if err != nil {
		return nil, self.finish(mutation, err)
	}
	self.store.ApplyLocal(CategoryCreated{Category: *category})
	self.finish(mutation, nil)
	return category, nil
}

func (self *Dispatcher) CreateChannel(ctx context.Context, categoryId string, args CreateChannelArgs) (*Channel, error) {
	if _, ok := self.store.Category(categoryId); !ok {
		return nil, fmt.Errorf("%w: unknown category %s", ErrInvalidIntent, categoryId)
	}
	if err := self.require(categoryId, CapabilityManageChannels); err != nil {
		return nil, err
	}
	if args.Kind == "" {
		args.Kind = ChannelKindText
	}
	if err := self.validator.Struct(&args); err != nil {
		return nil, err
	}

	mutation := self.begin(MutationCreateChannel, categoryId)

	requestCtx, requestCancel := self.requestContext(ctx)
	defer requestCancel()
	channel, err := self.api.CreateChannel(requestCtx, self.serverId, categoryId, &args)
	if err != nil {
		return nil, self.finish(mutation, err)
	}
	if channel.CategoryId == "" {
		channel.CategoryId = categoryId
	}
	if err := self.store.ApplyLocal(ChannelCreated{Channel: *channel}); err != nil {
		// the category was deleted while the request was in flight
		glog.Infof("[d]created channel %s not applied = %s\n", channel.Id, err)
	}
	self.finish(mutation, nil)
	return channel, nil
}

// hides the channel with a deleted override while the request is in flight
func (self *Dispatcher) DeleteChannel(ctx context.Context, channelId string) error {
	if _, ok := self.store.Channel(channelId); !ok {
		return fmt.Errorf("%w: unknown channel %s", ErrInvalidIntent, channelId)
	}
	if err := self.require(channelId, CapabilityManageChannels); err != nil {
		return err
	}

	mutation := self.begin(MutationDeleteChannel, channelId)
	patch := Override{Deleted: Ptr(true)}
	prior, _ := self.overrides.Get(OverrideScopeChannel, channelId)
	self.overrides.ApplyChannel(channelId, patch)

	requestCtx, requestCancel := self.requestContext(ctx)
	defer requestCancel()
	if err := self.api.DeleteChannel(requestCtx, channelId); err != nil {
		self.overrides.Revert(OverrideScopeChannel, channelId, patch, prior)
		return self.finish(mutation, err)
	}
	deleted := ChannelDeleted{ChannelId: channelId}
	self.store.ApplyLocal(deleted)
	self.overrides.Supersede(deleted)
	return self.finish(mutation, nil)
}

// applies the patch as an override right away.
// name, privacy, and styling are sent to the server. mute and hide stay local.
func (self *Dispatcher) PatchChannel(ctx context.Context, channelId string, patch Override) (*Channel, error) {
	channel, ok := self.store.Channel(channelId)
	if !ok {
		return nil, fmt.Errorf("%w: unknown channel %s", ErrInvalidIntent, channelId)
	}
	localOnly := patch.Name == nil && patch.Private == nil && patch.Color == nil && patch.Emoji == nil
	if !localOnly {
		if err := self.require(channelId, CapabilityManageChannels); err != nil {
			return nil, err
		}
	}
	if patch.Name != nil {
		if err := self.validator.Var("name", *patch.Name, "required,max=100,channelname"); err != nil {
			return nil, err
		}
	}
	if patch.Color != nil && *patch.Color != "" {
		if err := self.validator.Var("color", *patch.Color, "hexcolor"); err != nil {
			return nil, err
		}
	}

	mutation := self.begin(MutationPatchChannel, channelId)
	prior, _ := self.overrides.Get(OverrideScopeChannel, channelId)
	merged := self.overrides.ApplyChannel(channelId, patch)

	if localOnly {
		effective := merged.ApplyToChannel(channel)
		self.finish(mutation, nil)
		return &effective, nil
	}

	target := patch.ApplyToChannel(channel)
	requestCtx, requestCancel := self.requestContext(ctx)
	defer requestCancel()
	confirmed, err := self.api.UpdateChannel(requestCtx, &target)
	if err != nil {
		self.overrides.Revert(OverrideScopeChannel, channelId, patch, prior)
		return nil, self.finish(mutation, err)
	}
	updated := ChannelUpdated{Channel: *confirmed}
	self.store.ApplyLocal(updated)
	self.overrides.Supersede(updated)
	self.finish(mutation, nil)
	return confirmed, nil
}

// category overrides are local
func (self *Dispatcher) PatchCategory(categoryId string, patch Override) (*Category, error) {
	category, ok := self.store.Category(categoryId)
	if !ok {
		return nil, fmt.Errorf("%w: unknown category %s", ErrInvalidIntent, categoryId)
	}
	if patch.Name != nil {
		if err := self.validator.Var("name", *patch.Name, "required,max=100"); err != nil {
			return nil, err
		}
	}
	effective := self.overrides.ApplyCategory(categoryId, patch).ApplyToCategory(category)
	return &effective, nil
}

func (self *Dispatcher) RestoreChannel(channelId string) bool {
	return self.overrides.ClearChannel(channelId)
}

func (self *Dispatcher) RestoreCategory(categoryId string) bool {
	return self.overrides.ClearCategory(categoryId)
}

// sends typing:start at most once per `TypingInterval` per channel.
// returns false when throttled or when the transport is not connected.
func (self *Dispatcher) StartTyping(channelId string) bool {
	if err := self.require(channelId, CapabilitySendMessages); err != nil {
		return false
	}
	limiter := func() *rate.Limiter {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		limiter, ok := self.typingLimiters[channelId]
		if !ok {
			limiter = rate.NewLimiter(rate.Every(self.settings.TypingInterval), 1)
			self.typingLimiters[channelId] = limiter
		}
		return limiter
	}()
	if !limiter.AllowN(self.settings.Now(), 1) {
		return false
	}
	return self.sender.Send(EventTypingStart, self.typingPayload(channelId))
}

func (self *Dispatcher) StopTyping(channelId string) bool {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.typingLimiters, channelId)
	}()
	return self.sender.Send(EventTypingStop, TypingStop(self.typingPayload(channelId)))
}

func (self *Dispatcher) typingPayload(channelId string) TypingStart {
	typing := TypingStart{
		ChannelId: channelId,
		UserId:    self.userId,
	}
	if member, ok := self.store.MemberByUserId(self.userId); ok {
		typing.Username = member.DisplayName
	}
	return typing
}

func (self *Dispatcher) MarkRead(channelId string) {
	self.store.MarkRead(channelId)
}

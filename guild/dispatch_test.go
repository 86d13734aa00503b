package guild

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// in-memory api. every call is recorded. `fail` makes a method return an error.
// when `hold` is set calls block until it is closed, after announcing themselves on `entered`.
type fakeApi struct {
	store *Store

	mutex   sync.Mutex
	calls   []string
	errs    map[string]error
	nextId  int
	hold    chan struct{}
	entered chan string
}

func newFakeApi(store *Store) *fakeApi {
	return &fakeApi{
		store:   store,
		errs:    map[string]error{},
		entered: make(chan string, 16),
	}
}

func (self *fakeApi) fail(method string, err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.errs[method] = err
}

func (self *fakeApi) holdCalls() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.hold = make(chan struct{})
}

func (self *fakeApi) releaseCalls() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.hold != nil {
		close(self.hold)
		self.hold = nil
	}
}

func (self *fakeApi) Calls() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]string{}, self.calls...)
}

func (self *fakeApi) call(method string) (string, error) {
	self.mutex.Lock()
	self.calls = append(self.calls, method)
	self.nextId += 1
	id := fmt.Sprintf("srv-%d", self.nextId)
	err := self.errs[method]
	hold := self.hold
	self.mutex.Unlock()

	if hold != nil {
		self.entered <- method
		<-hold
	}
	return id, err
}

func (self *fakeApi) GetServer(ctx context.Context, serverId string) (*Server, error) {
	if _, err := self.call("GetServer"); err != nil {
		return nil, err
	}
	server := testInitialState().Server
	return &server, nil
}

func (self *fakeApi) UpdateServer(ctx context.Context, server *Server) (*Server, error) {
	if _, err := self.call("UpdateServer"); err != nil {
		return nil, err
	}
	return server, nil
}

func (self *fakeApi) GetCategories(ctx context.Context, serverId string) (*GetCategoriesResult, error) {
	if _, err := self.call("GetCategories"); err != nil {
		return nil, err
	}
	initialState := testInitialState()
	return &GetCategoriesResult{
		Categories: initialState.Categories,
		Channels:   initialState.Channels,
	}, nil
}

func (self *fakeApi) CreateCategory(ctx context.Context, serverId string, args *CreateCategoryArgs) (*Category, error) {
	id, err := self.call("CreateCategory")
	if err != nil {
		return nil, err
	}
	return &Category{Id: id, Name: args.Name, Position: args.Position}, nil
}

func (self *fakeApi) CreateChannel(ctx context.Context, serverId string, categoryId string, args *CreateChannelArgs) (*Channel, error) {
	id, err := self.call("CreateChannel")
	if err != nil {
		return nil, err
	}
	return &Channel{Id: id, Name: args.Name, Kind: args.Kind, CategoryId: categoryId, Private: args.Private}, nil
}

func (self *fakeApi) UpdateChannel(ctx context.Context, channel *Channel) (*Channel, error) {
	if _, err := self.call("UpdateChannel"); err != nil {
		return nil, err
	}
	updated := *channel
	return &updated, nil
}

func (self *fakeApi) DeleteChannel(ctx context.Context, channelId string) error {
	_, err := self.call("DeleteChannel")
	return err
}

func (self *fakeApi) GetMembers(ctx context.Context, serverId string) (*GetMembersResult, error) {
	if _, err := self.call("GetMembers"); err != nil {
		return nil, err
	}
	return &GetMembersResult{Members: testInitialState().Members}, nil
}

func (self *fakeApi) ModerateMember(ctx context.Context, serverId string, memberId string, action ModerationAction, args *ModerateArgs) error {
	_, err := self.call("ModerateMember")
	return err
}

func (self *fakeApi) GetMessages(ctx context.Context, channelId string) (*GetMessagesResult, error) {
	if _, err := self.call("GetMessages"); err != nil {
		return nil, err
	}
	return &GetMessagesResult{
		Messages: []Message{testMessage("h1", channelId, "u2", "history")},
	}, nil
}

func (self *fakeApi) SendMessage(ctx context.Context, channelId string, args *SendMessageArgs) (*Message, error) {
	id, err := self.call("SendMessage")
	if err != nil {
		return nil, err
	}
	return &Message{
		Id:          id,
		ChannelId:   channelId,
		Content:     args.Content,
		ReplyToId:   args.ReplyToId,
		Attachments: args.Attachments,
		Nonce:       args.Nonce,
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC),
	}, nil
}

func (self *fakeApi) EditMessage(ctx context.Context, messageId string, args *EditMessageArgs) (*Message, error) {
	if _, err := self.call("EditMessage"); err != nil {
		return nil, err
	}
	for _, channel := range self.store.Channels() {
		if message, ok := self.store.Message(channel.Id, messageId); ok {
			message.Content = args.Content
			return &message, nil
		}
	}
	return nil, &RejectedError{StatusCode: 404}
}

func (self *fakeApi) DeleteMessage(ctx context.Context, messageId string) error {
	_, err := self.call("DeleteMessage")
	return err
}

func (self *fakeApi) AddReaction(ctx context.Context, messageId string, emoji string) error {
	_, err := self.call("AddReaction")
	return err
}

func (self *fakeApi) RemoveReaction(ctx context.Context, messageId string, emoji string) error {
	_, err := self.call("RemoveReaction")
	return err
}

func (self *fakeApi) GetOverrides(ctx context.Context, serverId string, scope OverrideScope) (*GetOverridesResult, error) {
	if _, err := self.call("GetOverrides"); err != nil {
		return nil, err
	}
	return &GetOverridesResult{Overrides: map[string]Override{}}, nil
}

func (self *fakeApi) PatchOverride(ctx context.Context, serverId string, scope OverrideScope, args *PatchOverrideArgs) error {
	_, err := self.call("PatchOverride")
	return err
}

type fakeSender struct {
	mutex     sync.Mutex
	connected bool
	frames    []EventType
}

func (self *fakeSender) Send(eventType EventType, payload any) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.connected {
		return false
	}
	self.frames = append(self.frames, eventType)
	return true
}

type testDispatch struct {
	clock      *testClock
	store      *Store
	api        *fakeApi
	overrides  *OverrideReconciler
	sender     *fakeSender
	dispatcher *Dispatcher
}

func newTestDispatch(t *testing.T, userId string) *testDispatch {
	clock := newTestClock()
	store := newTestStore(clock)
	store.SetSelfUserId(userId)
	store.LoadMessages("c1", []Message{
		testMessage("a", "c1", "u2", "first"),
		testMessage("b", "c1", "u1", "second"),
		testMessage("c", "c1", "u2", "third"),
	})
	api := newFakeApi(store)
	overrides := newTestReconciler(t, nil, clock)
	sender := &fakeSender{connected: true}
	settings := DefaultDispatcherSettings()
	settings.RequestTimeout = 5 * time.Second
	settings.Now = clock.Now
	dispatcher := NewDispatcher(
		testServerId,
		userId,
		api,
		store,
		overrides,
		NewPermissionResolver(store),
		sender,
		settings,
		nil,
	)
	return &testDispatch{
		clock:      clock,
		store:      store,
		api:        api,
		overrides:  overrides,
		sender:     sender,
		dispatcher: dispatcher,
	}
}

func messageIds(messages []Message) []string {
	ids := []string{}
	for _, message := range messages {
		ids = append(ids, message.Id)
	}
	return ids
}

func TestDispatchSendMessage(t *testing.T) {
	d := newTestDispatch(t, "u1")
	ctx := context.Background()

	d.api.holdCalls()
	type result struct {
		message *Message
		err     error
	}
	done := make(chan result, 1)
	go func() {
		message, err := d.dispatcher.SendMessage(ctx, "c1", SendMessageArgs{Content: "hello"})
		done <- result{message, err}
	}()
	<-d.api.entered

	// in flight, the pending message is last
	messages := d.store.Messages("c1")
	assert.Equal(t, len(messages), 4)
	pending := messages[3]
	assert.Equal(t, pending.IsPending(), true)
	assert.Equal(t, pending.Content, "hello")
	assert.Equal(t, pending.AuthorId, "u1")
	assert.NotEqual(t, pending.Nonce, "")

	d.api.releaseCalls()
	r := <-done
	assert.Equal(t, r.err, nil)
	assert.Equal(t, r.message.Id, "srv-1")

	messages = d.store.Messages("c1")
	assert.Equal(t, messageIds(messages), []string{"a", "b", "c", "srv-1"})
	assert.Equal(t, messages[3].IsPending(), false)

	// the realtime echo is a no-op
	d.store.Apply(MessageCreated{ChannelId: "c1", Message: *r.message})
	assert.Equal(t, messageIds(d.store.Messages("c1")), []string{"a", "b", "c", "srv-1"})
	channel, _ := d.store.Channel("c1")
	assert.Equal(t, channel.UnreadCount, 0)
}

func TestDispatchSendMessageEchoFirst(t *testing.T) {
	d := newTestDispatch(t, "u1")

	d.api.holdCalls()
	done := make(chan error, 1)
	go func() {
		_, err := d.dispatcher.SendMessage(context.Background(), "c1", SendMessageArgs{Content: "hello"})
		done <- err
	}()
	<-d.api.entered

	messages := d.store.Messages("c1")
	echo := testMessage("srv-1", "c1", "u1", "hello")
	echo.Nonce = messages[3].Nonce
	d.store.Apply(MessageCreated{ChannelId: "c1", Message: echo})
	assert.Equal(t, messageIds(d.store.Messages("c1")), []string{"a", "b", "c", "srv-1"})

	d.api.releaseCalls()
	assert.Equal(t, <-done, nil)
	assert.Equal(t, messageIds(d.store.Messages("c1")), []string{"a", "b", "c", "srv-1"})
}

func TestDispatchSendMessageRejected(t *testing.T) {
	d := newTestDispatch(t, "u1")
	d.api.fail("SendMessage", &RejectedError{StatusCode: 429, Message: "slow mode is on"})

	var mutex sync.Mutex
	states := []MutationState{}
	d.dispatcher.AddMutationCallback(func(mutation Mutation) {
		mutex.Lock()
		defer mutex.Unlock()
		states = append(states, mutation.State)
	})

	before := d.store.Messages("c1")
	message, err := d.dispatcher.SendMessage(context.Background(), "c1", SendMessageArgs{Content: "hello"})
	assert.Equal(t, message, nil)
	assert.Equal(t, errors.Is(err, ErrRejected), true)
	var rejectedErr *RejectedError
	assert.Equal(t, errors.As(err, &rejectedErr), true)
	assert.Equal(t, rejectedErr.Message, "slow mode is on")

	// rolled back to exactly the prior list
	assert.Equal(t, messageIds(d.store.Messages("c1")), messageIds(before))

	mutex.Lock()
	assert.Equal(t, states, []MutationState{MutationPending, MutationRolledBack})
	mutex.Unlock()

	mutations := d.dispatcher.Mutations()
	assert.Equal(t, len(mutations), 1)
	assert.Equal(t, mutations[0].Kind, MutationSendMessage)
	assert.Equal(t, mutations[0].State.IsTerminal(), true)
	assert.Equal(t, errors.Is(mutations[0].Err, ErrRejected), true)
}

func TestDispatchSendMessageNetworkFailure(t *testing.T) {
	d := newTestDispatch(t, "u1")
	d.api.fail("SendMessage", networkFailure(errors.New("reset")))

	_, err := d.dispatcher.SendMessage(context.Background(), "c1", SendMessageArgs{Content: "hello"})
	assert.Equal(t, IsRetryable(err), true)
	assert.Equal(t, len(d.store.Messages("c1")), 3)
	// never retried automatically
	assert.Equal(t, d.api.Calls(), []string{"SendMessage"})
}

func TestDispatchSendMessageDenied(t *testing.T) {
	d := newTestDispatch(t, "u1")
	channel, _ := d.store.Channel("c2")
	channel.Overwrites = Overwrites{
		"everyone": {CapabilitySendMessages: false, CapabilityAttachFiles: false},
	}
	assert.Equal(t, d.store.ApplyLocal(ChannelUpdated{Channel: channel}), nil)

	_, err := d.dispatcher.SendMessage(context.Background(), "c2", SendMessageArgs{Content: "hello"})
	assert.Equal(t, errors.Is(err, ErrUnauthorized), true)

	// attachments need attach_files
	channel.Overwrites = Overwrites{
		"everyone": {CapabilityAttachFiles: false},
	}
	d.store.ApplyLocal(ChannelUpdated{Channel: channel})
	_, err = d.dispatcher.SendMessage(context.Background(), "c2", SendMessageArgs{
		Content:     "look",
		Attachments: []string{"https://example.com/a.png"},
	})
	assert.Equal(t, errors.Is(err, ErrUnauthorized), true)

	assert.Equal(t, len(d.api.Calls()), 0)
	assert.Equal(t, len(d.store.Messages("c2")), 0)
	assert.Equal(t, len(d.dispatcher.Mutations()), 0)
}

func TestDispatchSendMessageInvalid(t *testing.T) {
	d := newTestDispatch(t, "u1")
	ctx := context.Background()

	for _, args := range []SendMessageArgs{
		{},
		{Content: strings.Repeat("x", 2001)},
		{Attachments: []string{"not a url"}},
		{Content: "reply", ReplyToId: "missing"},
	} {
		_, err := d.dispatcher.SendMessage(ctx, "c1", args)
		assert.Equal(t, errors.Is(err, ErrInvalidIntent), true)
	}
	_, err := d.dispatcher.SendMessage(ctx, "c404", SendMessageArgs{Content: "hello"})
	assert.Equal(t, errors.Is(err, ErrInvalidIntent), true)

	// attachments alone are fine
	_, err = d.dispatcher.SendMessage(ctx, "c1", SendMessageArgs{Attachments: []string{"https://example.com/a.png"}})
	assert.Equal(t, err, nil)
	assert.Equal(t, d.api.Calls(), []string{"SendMessage"})
}

func TestDispatchEditMessage(t *testing.T) {
	d := newTestDispatch(t, "u1")
	ctx := context.Background()

	// not the author
	_, err := d.dispatcher.EditMessage(ctx, "c1", "a", "changed")
	assert.Equal(t, errors.Is(err, ErrUnauthorized), true)

	d.api.fail("EditMessage", &RejectedError{StatusCode: 500})
	_, err = d.dispatcher.EditMessage(ctx, "c1", "b", "changed")
	assert.Equal(t, errors.Is(err, ErrRejected), true)
	message, _ := d.store.Message("c1", "b")
	assert.Equal(t, message.Content, "second")
	assert.Equal(t, message.EditedAt, nil)

	d.api.fail("EditMessage", nil)
	edited, err := d.dispatcher.EditMessage(ctx, "c1", "b", "changed")
	assert.Equal(t, err, nil)
	assert.Equal(t, edited.Content, "changed")
	message, _ = d.store.Message("c1", "b")
	assert.Equal(t, message.Content, "changed")
	assert.Equal(t, messageIds(d.store.Messages("c1")), []string{"a", "b", "c"})
}

func TestDispatchDeleteMessage(t *testing.T) {
	d := newTestDispatch(t, "u1")
	ctx := context.Background()

	// the author of a, without manage_messages
	err := d.dispatcher.DeleteMessage(ctx, "c1", "a")
	assert.Equal(t, errors.Is(err, ErrUnauthorized), true)

	d.api.holdCalls()
	d.api.fail("DeleteMessage", networkFailure(errors.New("timeout")))
	done := make(chan error, 1)
	go func() {
		done <- d.dispatcher.DeleteMessage(ctx, "c1", "b")
	}()
	<-d.api.entered
	assert.Equal(t, messageIds(d.store.Messages("c1")), []string{"a", "c"})
	d.api.releaseCalls()
	assert.Equal(t, IsRetryable(<-done), true)

	// restored at the same position
	assert.Equal(t, messageIds(d.store.Messages("c1")), []string{"a", "b", "c"})

	d.api.fail("DeleteMessage", nil)
	assert.Equal(t, d.dispatcher.DeleteMessage(ctx, "c1", "b"), nil)
	assert.Equal(t, messageIds(d.store.Messages("c1")), []string{"a", "c"})

	// a late create for the deleted message does not resurrect it
	d.store.Apply(MessageCreated{ChannelId: "c1", Message: testMessage("b", "c1", "u1", "second")})
	assert.Equal(t, messageIds(d.store.Messages("c1")), []string{"a", "c"})
}

func TestDispatchDeleteMessageModerator(t *testing.T) {
	d := newTestDispatch(t, "u2")
	assert.Equal(t, d.dispatcher.DeleteMessage(context.Background(), "c1", "b"), nil)
	assert.Equal(t, messageIds(d.store.Messages("c1")), []string{"a", "c"})
}

func TestDispatchToggleReaction(t *testing.T) {
	d := newTestDispatch(t, "u1")
	ctx := context.Background()

	d.api.fail("AddReaction", &RejectedError{StatusCode: 403})
	err := d.dispatcher.ToggleReaction(ctx, "c1", "a", "👍")
	assert.Equal(t, errors.Is(err, ErrRejected), true)
	message, _ := d.store.Message("c1", "a")
	assert.Equal(t, len(message.Reactions), 0)

	d.api.fail("AddReaction", nil)
	assert.Equal(t, d.dispatcher.ToggleReaction(ctx, "c1", "a", "👍"), nil)
	message, _ = d.store.Message("c1", "a")
	assert.Equal(t, message.ReactedBy("👍", "u1"), true)

	// toggling again removes
	d.api.fail("RemoveReaction", &RejectedError{StatusCode: 500})
	err = d.dispatcher.ToggleReaction(ctx, "c1", "a", "👍")
	assert.Equal(t, errors.Is(err, ErrRejected), true)
	message, _ = d.store.Message("c1", "a")
	assert.Equal(t, message.ReactedBy("👍", "u1"), true)

	d.api.fail("RemoveReaction", nil)
	assert.Equal(t, d.dispatcher.ToggleReaction(ctx, "c1", "a", "👍"), nil)
	message, _ = d.store.Message("c1", "a")
	assert.Equal(t, len(message.Reactions), 0)

	assert.Equal(t, d.api.Calls(), []string{"AddReaction", "AddReaction", "RemoveReaction", "RemoveReaction"})

	assert.Equal(t, errors.Is(d.dispatcher.ToggleReaction(ctx, "c1", "missing", "👍"), ErrInvalidIntent), true)
	assert.Equal(t, errors.Is(d.dispatcher.ToggleReaction(ctx, "c1", "a", ""), ErrInvalidIntent), true)
}

func TestDispatchKickMember(t *testing.T) {
	ctx := context.Background()

	// no kick_members
	d := newTestDispatch(t, "u1")
	err := d.dispatcher.KickMember(ctx, "m2", "")
	assert.Equal(t, errors.Is(err, ErrUnauthorized), true)
	assert.Equal(t, len(d.api.Calls()), 0)

	d = newTestDispatch(t, "u2")
	// equal top role
	err = d.dispatcher.KickMember(ctx, "m3", "")
	assert.Equal(t, errors.Is(err, ErrUnauthorized), true)
	// the owner
	err = d.dispatcher.BanMember(ctx, "m-owner", "")
	assert.Equal(t, errors.Is(err, ErrUnauthorized), true)
	assert.Equal(t, len(d.api.Calls()), 0)

	d.api.fail("ModerateMember", &RejectedError{StatusCode: 403})
	err = d.dispatcher.KickMember(ctx, "m1", "spam")
	assert.Equal(t, errors.Is(err, ErrRejected), true)
	_, ok := d.store.Member("m1")
	assert.Equal(t, ok, true)

	d.api.fail("ModerateMember", nil)
	assert.Equal(t, d.dispatcher.KickMember(ctx, "m1", "spam"), nil)
	_, ok = d.store.Member("m1")
	assert.Equal(t, ok, false)

	err = d.dispatcher.BanMember(ctx, "m1", "")
	assert.Equal(t, errors.Is(err, ErrInvalidIntent), true)
	err = d.dispatcher.BanMember(ctx, "m-owner", strings.Repeat("x", 513))
	assert.Equal(t, errors.Is(err, ErrUnauthorized), true)
}

func TestDispatchMuteMember(t *testing.T) {
	d := newTestDispatch(t, "u2")
	ctx := context.Background()

	d.api.fail("ModerateMember", networkFailure(errors.New("reset")))
	err := d.dispatcher.MuteMember(ctx, "m1", true)
	assert.Equal(t, IsRetryable(err), true)
	member, _ := d.store.Member("m1")
	assert.Equal(t, member.Muted, false)

	d.api.fail("ModerateMember", nil)
	assert.Equal(t, d.dispatcher.MuteMember(ctx, "m1", true), nil)
	member, _ = d.store.Member("m1")
	assert.Equal(t, member.Muted, true)
}

func TestDispatchCreate(t *testing.T) {
	ctx := context.Background()

	d := newTestDispatch(t, "u1")
	_, err := d.dispatcher.CreateChannel(ctx, "cat1", CreateChannelArgs{Name: "new-channel"})
	assert.Equal(t, errors.Is(err, ErrUnauthorized), true)
	_, err = d.dispatcher.CreateCategory(ctx, CreateCategoryArgs{Name: "More"})
	assert.Equal(t, errors.Is(err, ErrUnauthorized), true)

	d = newTestDispatch(t, "u2")
	_, err = d.dispatcher.CreateChannel(ctx, "cat1", CreateChannelArgs{Name: "New Channel"})
	var validationErr *ValidationError
	assert.Equal(t, errors.As(err, &validationErr), true)
	assert.Equal(t, validationErr.Fields[0].Tag, "channelname")
	assert.Equal(t, errors.Is(err, ErrInvalidIntent), true)

	_, err = d.dispatcher.CreateChannel(ctx, "cat404", CreateChannelArgs{Name: "new-channel"})
	assert.Equal(t, errors.Is(err, ErrInvalidIntent), true)
	assert.Equal(t, len(d.api.Calls()), 0)

	channel, err := d.dispatcher.CreateChannel(ctx, "cat1", CreateChannelArgs{Name: "new-channel"})
	assert.Equal(t, err, nil)
	assert.Equal(t, channel.Kind, ChannelKindText)
	channels := d.store.ChannelsInCategory("cat1")
	assert.Equal(t, len(channels), 3)
	assert.Equal(t, channels[2].Name, "new-channel")

	category, err := d.dispatcher.CreateCategory(ctx, CreateCategoryArgs{Name: "More", Position: 2})
	assert.Equal(t, err, nil)
	categories := d.store.Categories()
	assert.Equal(t, len(categories), 3)
	assert.Equal(t, categories[2].Id, category.Id)
}

func TestDispatchDeleteChannel(t *testing.T) {
	d := newTestDispatch(t, "u2")
	ctx := context.Background()

	d.api.holdCalls()
	d.api.fail("DeleteChannel", &RejectedError{StatusCode: 409})
	done := make(chan error, 1)
	go func() {
		done <- d.dispatcher.DeleteChannel(ctx, "c2")
	}()
	<-d.api.entered
	// hidden while in flight
	visible := d.overrides.VisibleChannels(d.store.ChannelsInCategory("cat1"))
	assert.Equal(t, len(visible), 1)
	d.api.releaseCalls()
	assert.Equal(t, errors.Is(<-done, ErrRejected), true)

	visible = d.overrides.VisibleChannels(d.store.ChannelsInCategory("cat1"))
	assert.Equal(t, len(visible), 2)
	_, ok := d.overrides.Get(OverrideScopeChannel, "c2")
	assert.Equal(t, ok, false)

	d.api.fail("DeleteChannel", nil)
	assert.Equal(t, d.dispatcher.DeleteChannel(ctx, "c2"), nil)
	_, ok = d.store.Channel("c2")
	assert.Equal(t, ok, false)
	_, ok = d.overrides.Get(OverrideScopeChannel, "c2")
	assert.Equal(t, ok, false)
}

func TestDispatchPatchChannel(t *testing.T) {
	d := newTestDispatch(t, "u2")
	ctx := context.Background()

	d.overrides.ApplyChannel("c1", Override{Emoji: Ptr("🔥")})

	d.api.fail("UpdateChannel", &RejectedError{StatusCode: 409, Message: "name taken"})
	_, err := d.dispatcher.PatchChannel(ctx, "c1", Override{Name: Ptr("renamed")})
	assert.Equal(t, errors.Is(err, ErrRejected), true)
	// reverted to the prior override
	override, ok := d.overrides.Get(OverrideScopeChannel, "c1")
	assert.Equal(t, ok, true)
	assert.Equal(t, override.Name, nil)
	assert.Equal(t, *override.Emoji, "🔥")

	d.api.fail("UpdateChannel", nil)
	channel, err := d.dispatcher.PatchChannel(ctx, "c1", Override{Name: Ptr("renamed")})
	assert.Equal(t, err, nil)
	assert.Equal(t, channel.Name, "renamed")
	stored, _ := d.store.Channel("c1")
	assert.Equal(t, stored.Name, "renamed")
	// confirmed fields are dropped from the override
	override, _ = d.overrides.Get(OverrideScopeChannel, "c1")
	assert.Equal(t, override.Name, nil)

	_, err = d.dispatcher.PatchChannel(ctx, "c1", Override{Color: Ptr("red")})
	assert.Equal(t, errors.Is(err, ErrInvalidIntent), true)
	_, err = d.dispatcher.PatchChannel(ctx, "c1", Override{Name: Ptr("Bad Name")})
	assert.Equal(t, errors.Is(err, ErrInvalidIntent), true)
}

func TestDispatchPatchChannelLocal(t *testing.T) {
	d := newTestDispatch(t, "u1")
	ctx := context.Background()

	// styling needs manage_channels
	_, err := d.dispatcher.PatchChannel(ctx, "c1", Override{Name: Ptr("renamed")})
	assert.Equal(t, errors.Is(err, ErrUnauthorized), true)

	// mute and hide are local
	channel, err := d.dispatcher.PatchChannel(ctx, "c1", Override{Muted: Ptr(true)})
	assert.Equal(t, err, nil)
	assert.Equal(t, channel.Muted, true)
	_, err = d.dispatcher.PatchChannel(ctx, "c2", Override{Deleted: Ptr(true)})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(d.api.Calls()), 0)

	visible := d.overrides.VisibleChannels(d.store.ChannelsInCategory("cat1"))
	assert.Equal(t, len(visible), 1)
	assert.Equal(t, visible[0].Muted, true)

	assert.Equal(t, d.dispatcher.RestoreChannel("c2"), true)
	visible = d.overrides.VisibleChannels(d.store.ChannelsInCategory("cat1"))
	assert.Equal(t, len(visible), 2)

	category, err := d.dispatcher.PatchCategory("cat2", Override{Name: Ptr("Audio")})
	assert.Equal(t, err, nil)
	assert.Equal(t, category.Name, "Audio")
	assert.Equal(t, d.dispatcher.RestoreCategory("cat2"), true)
	assert.Equal(t, d.dispatcher.RestoreCategory("cat2"), false)
}

func TestDispatchTyping(t *testing.T) {
	d := newTestDispatch(t, "u1")

	assert.Equal(t, d.dispatcher.StartTyping("c1"), true)
	assert.Equal(t, d.dispatcher.StartTyping("c1"), false)
	d.clock.Advance(2 * time.Second)
	assert.Equal(t, d.dispatcher.StartTyping("c1"), false)
	// independent per channel
	assert.Equal(t, d.dispatcher.StartTyping("c2"), true)

	d.clock.Advance(3 * time.Second)
	assert.Equal(t, d.dispatcher.StartTyping("c1"), true)

	assert.Equal(t, d.dispatcher.StopTyping("c1"), true)
	// a stop resets the throttle
	assert.Equal(t, d.dispatcher.StartTyping("c1"), true)

	d.sender.mutex.Lock()
	assert.Equal(t, d.sender.frames, []EventType{
		EventTypingStart,
		EventTypingStart,
		EventTypingStart,
		EventTypingStop,
		EventTypingStart,
	})
	d.sender.connected = false
	d.sender.mutex.Unlock()

	d.clock.Advance(5 * time.Second)
	assert.Equal(t, d.dispatcher.StartTyping("c1"), false)
}

func TestDispatchMuteMemberRollbackKeepsConfirmed(t *testing.T) {
	d := newTestDispatch(t, testOwnerId)
	ctx := context.Background()

	d.api.holdCalls()
	d.api.fail("ModerateMember", &RejectedError{StatusCode: 400})
	done := make(chan error, 1)
	go func() {
		done <- d.dispatcher.MuteMember(ctx, "m1", true)
	}()
	<-d.api.entered
	member, _ := d.store.Member("m1")
	assert.Equal(t, member.Muted, true)

	// confirmed while the mute is in flight
	updated := member.clone()
	updated.DisplayName = "renamed"
	updated.RoleIds = []string{"member", "mod"}
	updated.Muted = true
	assert.Equal(t, d.store.Apply(MemberUpdated{Member: updated}), nil)

	d.api.releaseCalls()
	assert.Equal(t, errors.Is(<-done, ErrRejected), true)

	member, _ = d.store.Member("m1")
	assert.Equal(t, member.DisplayName, "renamed")
	assert.Equal(t, member.RoleIds, []string{"member", "mod"})
	assert.Equal(t, member.TopRoleId, "mod")
	assert.Equal(t, member.Muted, false)
}

func TestDispatchEditMessageRollbackKeepsConfirmed(t *testing.T) {
	d := newTestDispatch(t, "u1")
	ctx := context.Background()

	d.api.holdCalls()
	d.api.fail("EditMessage", &RejectedError{StatusCode: 500})
	done := make(chan error, 1)
	go func() {
		_, err := d.dispatcher.EditMessage(ctx, "c1", "b", "changed")
		done <- err
	}()
	<-d.api.entered
	message, _ := d.store.Message("c1", "b")
	assert.Equal(t, message.Content, "changed")

	// an edit from another client is confirmed first
	confirmed := testMessage("b", "c1", "u1", "from elsewhere")
	assert.Equal(t, d.store.Apply(MessageUpdated{ChannelId: "c1", Message: confirmed}), nil)

	d.api.releaseCalls()
	assert.Equal(t, errors.Is(<-done, ErrRejected), true)

	message, _ = d.store.Message("c1", "b")
	assert.Equal(t, message.Content, "from elsewhere")
}

func TestDispatchPatchChannelRollbackKeepsLaterFields(t *testing.T) {
	d := newTestDispatch(t, "u2")
	ctx := context.Background()

	d.overrides.ApplyChannel("c1", Override{Emoji: Ptr("🔥")})

	d.api.holdCalls()
	d.api.fail("UpdateChannel", &RejectedError{StatusCode: 409, Message: "name taken"})
	done := make(chan error, 1)
	go func() {
		_, err := d.dispatcher.PatchChannel(ctx, "c1", Override{Name: Ptr("renamed"), Color: Ptr("#ff0000")})
		done <- err
	}()
	<-d.api.entered

	// local changes made while the patch is in flight
	d.overrides.ApplyChannel("c1", Override{Muted: Ptr(true), Color: Ptr("#00ff00")})

	d.api.releaseCalls()
	assert.Equal(t, errors.Is(<-done, ErrRejected), true)

	override, ok := d.overrides.Get(OverrideScopeChannel, "c1")
	assert.Equal(t, ok, true)
	assert.Equal(t, override.Name, nil)
	assert.Equal(t, *override.Emoji, "🔥")
	assert.Equal(t, *override.Muted, true)
	assert.Equal(t, *override.Color, "#00ff00")
}

package guild

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// the REST collaborator. `*GuildApi` is the http implementation.
// errors are `ErrNetworkFailure` when the request could not complete, or `*RejectedError`.
type Api interface {
	GetServer(ctx context.Context, serverId string) (*Server, error)
	UpdateServer(ctx context.Context, server *Server) (*Server, error)

	GetCategories(ctx context.Context, serverId string) (*GetCategoriesResult, error)
	CreateCategory(ctx context.Context, serverId string, args *CreateCategoryArgs) (*Category, error)
	CreateChannel(ctx context.Context, serverId string, categoryId string, args *CreateChannelArgs) (*Channel, error)
	UpdateChannel(ctx context.Context, channel *Channel) (*Channel, error)
	DeleteChannel(ctx context.Context, channelId string) error

	GetMembers(ctx context.Context, serverId string) (*GetMembersResult, error)
	ModerateMember(ctx context.Context, serverId string, memberId string, action ModerationAction, args *ModerateArgs) error

	GetMessages(ctx context.Context, channelId string) (*GetMessagesResult, error)
	SendMessage(ctx context.Context, channelId string, args *SendMessageArgs) (*Message, error)
	EditMessage(ctx context.Context, messageId string, args *EditMessageArgs) (*Message, error)
	DeleteMessage(ctx context.Context, messageId string) error
	AddReaction(ctx context.Context, messageId string, emoji string) error
	RemoveReaction(ctx context.Context, messageId string, emoji string) error

	GetOverrides(ctx context.Context, serverId string, scope OverrideScope) (*GetOverridesResult, error)
	PatchOverride(ctx context.Context, serverId string, scope OverrideScope, args *PatchOverrideArgs) error
}

type GuildApi struct {
	apiUrl string
	client *http.Client

	jwt string
}

func NewGuildApi(apiUrl string) *GuildApi {
	return &GuildApi{
		apiUrl: strings.TrimSuffix(apiUrl, "/"),
		client: defaultClient(),
	}
}

// this gets attached to api calls that need it
func (self *GuildApi) SetJwt(jwt string) {
	self.jwt = jwt
}

func (self *GuildApi) url(format string, a ...any) string {
	escaped := make([]any, len(a))
	for i, v := range a {
		escaped[i] = url.PathEscape(fmt.Sprint(v))
	}
	return self.apiUrl + fmt.Sprintf(format, escaped...)
}

func (self *GuildApi) GetServer(ctx context.Context, serverId string) (*Server, error) {
	return call(ctx, self.client, "GET", self.url("/servers/%s", serverId), nil, self.jwt, &Server{})
}

func (self *GuildApi) UpdateServer(ctx context.Context, server *Server) (*Server, error) {
	return call(ctx, self.client, "PUT", self.url("/servers/%s", server.Id), server, self.jwt, &Server{})
}

type GetCategoriesResult struct {
	Categories []Category `json:"categories"`
	Channels   []Channel  `json:"channels"`
}

func (self *GuildApi) GetCategories(ctx context.Context, serverId string) (*GetCategoriesResult, error) {
	return call(ctx, self.client, "GET", self.url("/servers/%s/categories", serverId), nil, self.jwt, &GetCategoriesResult{})
}

type CreateCategoryArgs struct {
	Name     string `json:"name" validate:"required,max=100"`
	Position int    `json:"position" validate:"gte=0"`
}

func (self *GuildApi) CreateCategory(ctx context.Context, serverId string, args *CreateCategoryArgs) (*Category, error) {
	return call(ctx, self.client, "POST", self.url("/servers/%s/categories", serverId), args, self.jwt, &Category{})
}

type CreateChannelArgs struct {
	Name    string      `json:"name" validate:"required,max=100,channelname"`
	Kind    ChannelKind `json:"kind" validate:"required,oneof=text voice announcement"`
	Private bool        `json:"private"`
}

func (self *GuildApi) CreateChannel(ctx context.Context, serverId string, categoryId string, args *CreateChannelArgs) (*Channel, error) {
	return call(ctx, self.client, "POST", self.url("/servers/%s/categories/%s/channels", serverId, categoryId), args, self.jwt, &Channel{})
}

func (self *GuildApi) UpdateChannel(ctx context.Context, channel *Channel) (*Channel, error) {
	return call(ctx, self.client, "PUT", self.url("/channels/%s", channel.Id), channel, self.jwt, &Channel{})
}

func (self *GuildApi) DeleteChannel(ctx context.Context, channelId string) error {
	_, err := call(ctx, self.client, "DELETE", self.url("/channels/%s", channelId), nil, self.jwt, &json.RawMessage{})
	return err
}

type GetMembersResult struct {
	Members []Member `json:"members"`
}

func (self *GuildApi) GetMembers(ctx context.Context, serverId string) (*GetMembersResult, error) {
	return call(ctx, self.client, "GET", self.url("/servers/%s/members", serverId), nil, self.jwt, &GetMembersResult{})
}

type ModerationAction string

const (
	ModerationKick ModerationAction = "kick"
	ModerationBan  ModerationAction = "ban"
	ModerationMute ModerationAction = "mute"
)

type ModerateArgs struct {
	Reason string `json:"reason,omitempty" validate:"max=512"`
	// mute only
	Muted bool `json:"muted,omitempty"`
}

func (self *GuildApi) ModerateMember(ctx context.Context, serverId string, memberId string, action ModerationAction, args *ModerateArgs) error {
	_, err := call(ctx, self.client, "POST", self.url("/servers/%s/members/%s/%s", serverId, memberId, action), args, self.jwt, &json.RawMessage{})
	return err
}

type GetMessagesResult struct {
	Messages []Message `json:"messages"`
}

func (self *GuildApi) GetMessages(ctx context.Context, channelId string) (*GetMessagesResult, error) {
	return call(ctx, self.client, "GET", self.url("/channels/%s/messages", channelId), nil, self.jwt, &GetMessagesResult{})
}

type SendMessageArgs struct {
	Content     string   `json:"content" validate:"required_without=Attachments,max=2000"`
	ReplyToId   string   `json:"replyToId,omitempty"`
	Attachments []string `json:"attachments,omitempty" validate:"dive,url"`
	// the server echoes this on the created message
	Nonce string `json:"nonce"`
}

func (self *GuildApi) SendMessage(ctx context.Context, channelId string, args *SendMessageArgs) (*Message, error) {
	return call(ctx, self.client, "POST", self.url("/channels/%s/messages", channelId), args, self.jwt, &Message{})
}

type EditMessageArgs struct {
	Content string `json:"content" validate:"required,max=2000"`
}

func (self *GuildApi) EditMessage(ctx context.Context, messageId string, args *EditMessageArgs) (*Message, error) {
	return call(ctx, self.client, "PUT", self.url("/messages/%s", messageId), args, self.jwt, &Message{})
}

func (self *GuildApi) DeleteMessage(ctx context.Context, messageId string) error {
	_, err := call(ctx, self.client, "DELETE", self.url("/messages/%s", messageId), nil, self.jwt, &json.RawMessage{})
	return err
}

type ReactionArgs struct {
	Emoji string `json:"emoji"`
}

func (self *GuildApi) AddReaction(ctx context.Context, messageId string, emoji string) error {
	_, err := call(ctx, self.client, "POST", self.url("/messages/%s/reactions", messageId), &ReactionArgs{Emoji: emoji}, self.jwt, &json.RawMessage{})
	return err
}

func (self *GuildApi) RemoveReaction(ctx context.Context, messageId string, emoji string) error {
	reactionUrl := fmt.Sprintf("%s?emoji=%s", self.url("/messages/%s/reactions", messageId), url.QueryEscape(emoji))
	_, err := call(ctx, self.client, "DELETE", reactionUrl, nil, self.jwt, &json.RawMessage{})
	return err
}

type GetOverridesResult struct {
	// scope id -> override
	Overrides map[string]Override `json:"overrides"`
}

type PatchOverrideArgs struct {
	ChannelId  string    `json:"channelId,omitempty"`
	CategoryId string    `json:"categoryId,omitempty"`
	Patch      *Override `json:"patch,omitempty"`
	// restore. the server drops the scope's override.
	Clear bool `json:"clear,omitempty"`
}

func overridesPath(scope OverrideScope) string {
	switch scope {
	case OverrideScopeCategory:
		return "/servers/%s/categories/overrides"
	default:
		return "/servers/%s/channels/overrides"
	}
}

func (self *GuildApi) GetOverrides(ctx context.Context, serverId string, scope OverrideScope) (*GetOverridesResult, error) {
	return call(ctx, self.client, "GET", self.url(overridesPath(scope), serverId), nil, self.jwt, &GetOverridesResult{})
}

func (self *GuildApi) PatchOverride(ctx context.Context, serverId string, scope OverrideScope, args *PatchOverrideArgs) error {
	_, err := call(ctx, self.client, "PATCH", self.url(overridesPath(scope), serverId), args, self.jwt, &json.RawMessage{})
	return err
}

// an empty response body leaves `result` unchanged
func call[R any](ctx context.Context, client *http.Client, method string, url string, args any, jwt string, result R) (R, error) {
	var empty R

	var requestBody io.Reader
	if args != nil {
		requestBodyBytes, err := json.Marshal(args)
		if err != nil {
			return empty, err
		}
		requestBody = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, requestBody)
	if err != nil {
		return empty, err
	}

	if args != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	if jwt != "" {
		auth := fmt.Sprintf("Bearer %s", jwt)
		req.Header.Add("Authorization", auth)
	}

	glog.V(2).Infof("[api]%s %s\n", method, url)

	r, err := client.Do(req)
	if err != nil {
		return empty, networkFailure(err)
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return empty, networkFailure(err)
	}

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		return empty, &RejectedError{
			StatusCode: r.StatusCode,
			Message:    strings.TrimSpace(string(responseBodyBytes)),
		}
	}

	if len(bytes.TrimSpace(responseBodyBytes)) == 0 {
		return result, nil
	}

	err = json.Unmarshal(responseBodyBytes, result)
	if err != nil {
		// the request may have been applied, so this is not retryable
		return empty, &RejectedError{
			StatusCode: r.StatusCode,
			Message:    fmt.Sprintf("malformed response: %s", err),
		}
	}
	return result, nil
}

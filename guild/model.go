package guild

import (
	"slices"
	"time"

	"golang.org/x/exp/maps"
)

type ChannelKind string

const (
	ChannelKindText         ChannelKind = "text"
	ChannelKindVoice        ChannelKind = "voice"
	ChannelKindAnnouncement ChannelKind = "announcement"
)

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceIdle    PresenceStatus = "idle"
	PresenceDnd     PresenceStatus = "dnd"
	PresenceOffline PresenceStatus = "offline"
)

// explicit allow (true) or deny (false) per capability. an absent key inherits.
type PermissionSet map[Capability]bool

// role id -> explicit settings for one scope
type Overwrites map[string]PermissionSet

type Server struct {
	Id        string `json:"id"`
	Name      string `json:"name"`
	OwnerId   string `json:"ownerId"`
	IconUrl   string `json:"iconUrl,omitempty"`
	BannerUrl string `json:"bannerUrl,omitempty"`
	Roles     []Role `json:"roles,omitempty"`
}

type Role struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	Color    string `json:"color,omitempty"`
	// the @everyone role. every authenticated actor holds it implicitly.
	IsDefault   bool          `json:"isDefault,omitempty"`
	Permissions PermissionSet `json:"permissions,omitempty"`
}

type Category struct {
	Id         string     `json:"id"`
	Name       string     `json:"name"`
	Position   int        `json:"position"`
	ChannelIds []string   `json:"channelIds"`
	Overwrites Overwrites `json:"overwrites,omitempty"`
}

type Channel struct {
	Id          string      `json:"id"`
	Name        string      `json:"name"`
	Kind        ChannelKind `json:"kind"`
	CategoryId  string      `json:"categoryId"`
	Private     bool        `json:"private"`
	UnreadCount int         `json:"unreadCount"`
	Muted       bool        `json:"muted"`
	Color       string      `json:"color,omitempty"`
	Emoji       string      `json:"emoji,omitempty"`
	Overwrites  Overwrites  `json:"overwrites,omitempty"`
}

type Member struct {
	Id          string         `json:"id"`
	UserId      string         `json:"userId"`
	DisplayName string         `json:"displayName"`
	Status      PresenceStatus `json:"status"`
	RoleIds     []string       `json:"roleIds"`
	// display only. computed by the store from the server roles.
	TopRoleId string `json:"topRoleId,omitempty"`
	Muted     bool   `json:"muted,omitempty"`
}

type Reaction struct {
	Emoji   string   `json:"emoji"`
	UserIds []string `json:"userIds"`
}

type MessageState string

const (
	// the message came from the server
	MessageStateConfirmed MessageState = ""
	// appended locally while the send is in flight
	MessageStatePending MessageState = "pending"
)

type Message struct {
	Id          string     `json:"id"`
	ChannelId   string     `json:"channelId"`
	AuthorId    string     `json:"authorId"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"createdAt"`
	EditedAt    *time.Time `json:"editedAt,omitempty"`
	Reactions   []Reaction `json:"reactions,omitempty"`
	ReplyToId   string     `json:"replyToId,omitempty"`
	Attachments []string   `json:"attachments,omitempty"`
	Deleted     bool       `json:"deleted,omitempty"`
	// echoed by the server so a pending local message can be matched to its confirmation
	Nonce string       `json:"nonce,omitempty"`
	State MessageState `json:"-"`
}

func (self Message) IsPending() bool {
	return self.State == MessageStatePending
}

func (self Message) ReactedBy(emoji string, userId string) bool {
	for _, reaction := range self.Reactions {
		if reaction.Emoji == emoji {
			return slices.Contains(reaction.UserIds, userId)
		}
	}
	return false
}

type TypingEntry struct {
	UserId    string    `json:"userId"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// copies so that snapshots never alias store internals

func (self Server) clone() Server {
	self.Roles = slices.Clone(self.Roles)
	for i, role := range self.Roles {
		self.Roles[i].Permissions = maps.Clone(role.Permissions)
	}
	return self
}

func (self Category) clone() Category {
	self.ChannelIds = slices.Clone(self.ChannelIds)
	self.Overwrites = self.Overwrites.clone()
	return self
}

func (self Channel) clone() Channel {
	self.Overwrites = self.Overwrites.clone()
	return self
}

func (self Member) clone() Member {
	self.RoleIds = slices.Clone(self.RoleIds)
	return self
}

func (self Message) clone() Message {
	if self.EditedAt != nil {
		editedAt := *self.EditedAt
		self.EditedAt = &editedAt
	}
	self.Reactions = slices.Clone(self.Reactions)
	for i, reaction := range self.Reactions {
		self.Reactions[i].UserIds = slices.Clone(reaction.UserIds)
	}
	self.Attachments = slices.Clone(self.Attachments)
	return self
}

func (self Overwrites) clone() Overwrites {
	if self == nil {
		return nil
	}
	out := Overwrites{}
	for roleId, permissions := range self {
		out[roleId] = maps.Clone(permissions)
	}
	return out
}

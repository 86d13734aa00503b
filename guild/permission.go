package guild

import (
	"slices"
)

type Capability string

const (
	CapabilityViewChannel        Capability = "view_channel"
	CapabilitySendMessages       Capability = "send_messages"
	CapabilityReadMessageHistory Capability = "read_message_history"
	CapabilityManageMessages     Capability = "manage_messages"
	CapabilityAddReactions       Capability = "add_reactions"
	CapabilityAttachFiles        Capability = "attach_files"
	CapabilityMentionEveryone    Capability = "mention_everyone"
	CapabilityKickMembers        Capability = "kick_members"
	CapabilityBanMembers         Capability = "ban_members"
	CapabilityMuteMembers        Capability = "mute_members"
	CapabilityManageChannels     Capability = "manage_channels"
	CapabilityManageRoles        Capability = "manage_roles"
	CapabilityManageServer       Capability = "manage_server"
	CapabilityConnect            Capability = "connect"
	CapabilitySpeak              Capability = "speak"
	CapabilityAdministrator      Capability = "administrator"
)

// global defaults. a capability not in the table defaults to deny.
var DefaultCapabilities = map[Capability]bool{
	CapabilityViewChannel:        true,
	CapabilitySendMessages:       true,
	CapabilityReadMessageHistory: true,
	CapabilityManageMessages:     false,
	CapabilityAddReactions:       true,
	CapabilityAttachFiles:        true,
	CapabilityMentionEveryone:    false,
	CapabilityKickMembers:        false,
	CapabilityBanMembers:         false,
	CapabilityMuteMembers:        false,
	CapabilityManageChannels:     false,
	CapabilityManageRoles:        false,
	CapabilityManageServer:       false,
	CapabilityConnect:            true,
	CapabilitySpeak:              true,
	CapabilityAdministrator:      false,
}

func Capabilities() []Capability {
	capabilities := make([]Capability, 0, len(DefaultCapabilities))
	for capability := range DefaultCapabilities {
		capabilities = append(capabilities, capability)
	}
	slices.Sort(capabilities)
	return capabilities
}

func ParseCapability(value string) (Capability, bool) {
	capability := Capability(value)
	_, ok := DefaultCapabilities[capability]
	return capability, ok
}

// an empty `UserId` is unauthenticated
type Actor struct {
	UserId  string
	RoleIds []string
	IsOwner bool
}

func (self Actor) IsAuthenticated() bool {
	return self.UserId != ""
}

// read only view the resolver needs. `*Store` implements it.
type PermissionSource interface {
	Server() (Server, bool)
	Channel(channelId string) (Channel, bool)
	Category(categoryId string) (Category, bool)
	MemberByUserId(userId string) (Member, bool)
}

// pure queries over the current store state. nothing is cached.
type PermissionResolver struct {
	source PermissionSource
}

func NewPermissionResolver(source PermissionSource) *PermissionResolver {
	return &PermissionResolver{
		source: source,
	}
}

func (self *PermissionResolver) ActorFor(userId string) Actor {
	if userId == "" {
		return Actor{}
	}
	actor := Actor{
		UserId: userId,
	}
	if server, ok := self.source.Server(); ok && server.OwnerId == userId {
		actor.IsOwner = true
	}
	if member, ok := self.source.MemberByUserId(userId); ok {
		actor.RoleIds = slices.Clone(member.RoleIds)
	}
	return actor
}

// `scopeId` is a channel id, a category id, or empty for the server level
func (self *PermissionResolver) HasPermission(actor Actor, scopeId string, capability Capability) bool {
	if !actor.IsAuthenticated() {
		return false
	}
	if actor.IsOwner {
		return true
	}
	roles, channelOverwrites, categoryOverwrites := self.scope(actor, scopeId)
	if capability != CapabilityAdministrator {
		if resolve(roles, channelOverwrites, categoryOverwrites, CapabilityAdministrator) {
			return true
		}
	}
	return resolve(roles, channelOverwrites, categoryOverwrites, capability)
}

// the roles the actor holds in ascending position order, with the overwrites for the scope
func (self *PermissionResolver) scope(actor Actor, scopeId string) ([]Role, Overwrites, Overwrites) {
	roles := []Role{}
	if server, ok := self.source.Server(); ok {
		for _, role := range server.Roles {
			if role.IsDefault || slices.Contains(actor.RoleIds, role.Id) {
				roles = append(roles, role)
			}
		}
	}
	slices.SortFunc(roles, compareRoles)

	var channelOverwrites Overwrites
	var categoryOverwrites Overwrites
	if scopeId != "" {
		if channel, ok := self.source.Channel(scopeId); ok {
			channelOverwrites = channel.Overwrites
			if category, ok := self.source.Category(channel.CategoryId); ok {
				categoryOverwrites = category.Overwrites
			}
		} else if category, ok := self.source.Category(scopeId); ok {
			categoryOverwrites = category.Overwrites
		}
	}
	return roles, channelOverwrites, categoryOverwrites
}

// last explicit value wins, walking roles lowest position first
func resolve(roles []Role, channelOverwrites Overwrites, categoryOverwrites Overwrites, capability Capability) bool {
	allowed := DefaultCapabilities[capability]
	for _, role := range roles {
		if value, ok := explicit(role, channelOverwrites, categoryOverwrites, capability); ok {
			allowed = value
		}
	}
	return allowed
}

// the most specific explicit setting for one role: channel, then category, then role base
func explicit(role Role, channelOverwrites Overwrites, categoryOverwrites Overwrites, capability Capability) (bool, bool) {
	if value, ok := channelOverwrites[role.Id][capability]; ok {
		return value, true
	}
	if value, ok := categoryOverwrites[role.Id][capability]; ok {
		return value, true
	}
	value, ok := role.Permissions[capability]
	return value, ok
}

// the actor's highest held role, excluding the default role
func (self *PermissionResolver) topPosition(actor Actor) (Role, bool) {
	server, ok := self.source.Server()
	if !ok {
		return Role{}, false
	}
	var top *Role
	for i := range server.Roles {
		role := &server.Roles[i]
		if role.IsDefault || !slices.Contains(actor.RoleIds, role.Id) {
			continue
		}
		if top == nil || compareRoles(*top, *role) < 0 {
			top = role
		}
	}
	if top == nil {
		return Role{}, false
	}
	return *top, true
}

// moderation requires the capability and a strictly higher top role than the target.
// the owner can moderate anyone except themselves. nobody can moderate the owner.
func (self *PermissionResolver) CanModerate(actor Actor, target Member, capability Capability) bool {
	if !actor.IsAuthenticated() {
		return false
	}
	if target.UserId == actor.UserId {
		return false
	}
	if server, ok := self.source.Server(); ok && server.OwnerId == target.UserId {
		return false
	}
	if actor.IsOwner {
		return true
	}
	if !self.HasPermission(actor, "", capability) {
		return false
	}
	actorTop, ok := self.topPosition(actor)
	if !ok {
		return false
	}
	targetTop, ok := self.topPosition(Actor{UserId: target.UserId, RoleIds: target.RoleIds})
	if !ok {
		return true
	}
	return 0 < compareRoles(actorTop, targetTop)
}

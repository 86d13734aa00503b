package guild

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func permissionStore(roles []Role, categories []Category, channels []Channel) *Store {
	store := NewStoreWithDefaults()
	store.Load(InitialState{
		Server: Server{
			Id:      testServerId,
			OwnerId: testOwnerId,
			Roles:   roles,
		},
		Categories: categories,
		Channels:   channels,
	})
	return store
}

func TestPermissionPositionDecides(t *testing.T) {
	roleSet := func(aAllows bool) []Role {
		return []Role{
			{Id: "everyone", Position: 0, IsDefault: true},
			{Id: "a", Position: 1, Permissions: PermissionSet{CapabilitySendMessages: aAllows}},
			{Id: "b", Position: 2, Permissions: PermissionSet{CapabilitySendMessages: !aAllows}},
		}
	}
	actor := Actor{UserId: "u1", RoleIds: []string{"a", "b"}}

	// a denies, b allows -> b is higher
	resolver := NewPermissionResolver(permissionStore(roleSet(false), nil, nil))
	assert.Equal(t, resolver.HasPermission(actor, "", CapabilitySendMessages), true)

	// swapped
	resolver = NewPermissionResolver(permissionStore(roleSet(true), nil, nil))
	assert.Equal(t, resolver.HasPermission(actor, "", CapabilitySendMessages), false)

	// the order the actor lists roles in does not matter
	reversed := Actor{UserId: "u1", RoleIds: []string{"b", "a"}}
	assert.Equal(t, resolver.HasPermission(reversed, "", CapabilitySendMessages), false)
}

func TestPermissionInheritSkipped(t *testing.T) {
	roles := []Role{
		{Id: "everyone", Position: 0, IsDefault: true, Permissions: PermissionSet{CapabilityAddReactions: false}},
		{Id: "a", Position: 1, Permissions: PermissionSet{CapabilityAddReactions: true}},
		// absent for add_reactions, does not overwrite a
		{Id: "b", Position: 2, Permissions: PermissionSet{CapabilityAttachFiles: false}},
	}
	resolver := NewPermissionResolver(permissionStore(roles, nil, nil))

	assert.Equal(t, resolver.HasPermission(Actor{UserId: "u1", RoleIds: []string{"a", "b"}}, "", CapabilityAddReactions), true)
	// the default role alone
	assert.Equal(t, resolver.HasPermission(Actor{UserId: "u1"}, "", CapabilityAddReactions), false)
	// no explicit value anywhere -> global default
	assert.Equal(t, resolver.HasPermission(Actor{UserId: "u1"}, "", CapabilitySendMessages), true)
	assert.Equal(t, resolver.HasPermission(Actor{UserId: "u1"}, "", CapabilityBanMembers), false)
}

func TestPermissionOwnerBypass(t *testing.T) {
	denyAll := PermissionSet{}
	for _, capability := range Capabilities() {
		denyAll[capability] = false
	}
	roles := []Role{
		{Id: "everyone", Position: 0, IsDefault: true, Permissions: denyAll},
	}
	resolver := NewPermissionResolver(permissionStore(roles, nil, nil))

	owner := resolver.ActorFor(testOwnerId)
	assert.Equal(t, owner.IsOwner, true)
	assert.Equal(t, len(owner.RoleIds), 0)
	for _, capability := range Capabilities() {
		assert.Equal(t, resolver.HasPermission(owner, "", capability), true)
		assert.Equal(t, resolver.HasPermission(owner, "c404", capability), true)
	}

	other := resolver.ActorFor("u1")
	assert.Equal(t, other.IsOwner, false)
	for _, capability := range Capabilities() {
		assert.Equal(t, resolver.HasPermission(other, "", capability), false)
	}
}

func TestPermissionUnauthenticated(t *testing.T) {
	resolver := NewPermissionResolver(permissionStore(testInitialState().Server.Roles, nil, nil))
	for _, capability := range Capabilities() {
		assert.Equal(t, resolver.HasPermission(Actor{}, "", capability), false)
		// the owner flag without a user is still unauthenticated
		assert.Equal(t, resolver.HasPermission(Actor{IsOwner: true}, "", capability), false)
	}
	assert.Equal(t, resolver.ActorFor(""), Actor{})
}

func TestPermissionAdministrator(t *testing.T) {
	roles := []Role{
		{Id: "everyone", Position: 0, IsDefault: true},
		{Id: "admin", Position: 1, Permissions: PermissionSet{CapabilityAdministrator: true}},
		{Id: "muzzle", Position: 2, Permissions: PermissionSet{CapabilitySendMessages: false}},
	}
	resolver := NewPermissionResolver(permissionStore(roles, nil, nil))
	actor := Actor{UserId: "u1", RoleIds: []string{"admin", "muzzle"}}

	// administrator short circuits explicit denies
	assert.Equal(t, resolver.HasPermission(actor, "", CapabilitySendMessages), true)
	assert.Equal(t, resolver.HasPermission(actor, "", CapabilityBanMembers), true)

	// a higher role can revoke administrator
	roles = append(roles, Role{Id: "demote", Position: 3, Permissions: PermissionSet{CapabilityAdministrator: false}})
	resolver = NewPermissionResolver(permissionStore(roles, nil, nil))
	actor.RoleIds = append(actor.RoleIds, "demote")
	assert.Equal(t, resolver.HasPermission(actor, "", CapabilitySendMessages), false)
}

func TestPermissionEqualPositionTieBreak(t *testing.T) {
	roles := []Role{
		{Id: "everyone", Position: 0, IsDefault: true},
		{Id: "b", Position: 1, Permissions: PermissionSet{CapabilitySendMessages: true}},
		{Id: "a", Position: 1, Permissions: PermissionSet{CapabilitySendMessages: false}},
	}
	resolver := NewPermissionResolver(permissionStore(roles, nil, nil))

	// equal positions walk by id, so b is applied last
	actor := Actor{UserId: "u1", RoleIds: []string{"a", "b"}}
	assert.Equal(t, resolver.HasPermission(actor, "", CapabilitySendMessages), true)
}

func TestPermissionOverwrites(t *testing.T) {
	roles := []Role{
		{Id: "everyone", Position: 0, IsDefault: true},
		{Id: "member", Position: 1, Permissions: PermissionSet{CapabilitySendMessages: true}},
	}
	categories := []Category{
		{
			Id:         "cat1",
			Overwrites: Overwrites{"everyone": {CapabilityViewChannel: false}},
		},
	}
	channels := []Channel{
		{Id: "c1", CategoryId: "cat1"},
		{
			Id:         "c2",
			CategoryId: "cat1",
			Overwrites: Overwrites{
				"member":   {CapabilitySendMessages: false},
				"everyone": {CapabilityViewChannel: true},
			},
		},
	}
	resolver := NewPermissionResolver(permissionStore(roles, categories, channels))
	actor := Actor{UserId: "u1", RoleIds: []string{"member"}}

	// category overwrite applies to its channels and to the category itself
	assert.Equal(t, resolver.HasPermission(actor, "c1", CapabilityViewChannel), false)
	assert.Equal(t, resolver.HasPermission(actor, "cat1", CapabilityViewChannel), false)
	// channel overwrite beats the category overwrite for the same role
	assert.Equal(t, resolver.HasPermission(actor, "c2", CapabilityViewChannel), true)

	// channel overwrite beats the role base permission
	assert.Equal(t, resolver.HasPermission(actor, "c1", CapabilitySendMessages), true)
	assert.Equal(t, resolver.HasPermission(actor, "c2", CapabilitySendMessages), false)

	// server level ignores overwrites
	assert.Equal(t, resolver.HasPermission(actor, "", CapabilityViewChannel), true)
}

func TestPermissionModeration(t *testing.T) {
	store := NewStoreWithDefaults()
	store.Load(testInitialState())
	resolver := NewPermissionResolver(store)

	owner := resolver.ActorFor(testOwnerId)
	mod := resolver.ActorFor("u2")
	member := resolver.ActorFor("u1")

	m1, _ := store.Member("m1")
	m2, _ := store.Member("m2")
	m3, _ := store.Member("m3")
	ownerMember, _ := store.Member("m-owner")

	// higher top role with the capability
	assert.Equal(t, resolver.CanModerate(mod, m1, CapabilityKickMembers), true)
	// equal top role
	assert.Equal(t, resolver.CanModerate(mod, m3, CapabilityKickMembers), false)
	// missing capability
	assert.Equal(t, resolver.CanModerate(member, m2, CapabilityKickMembers), false)
	// nobody moderates the owner or themselves
	assert.Equal(t, resolver.CanModerate(mod, ownerMember, CapabilityBanMembers), false)
	assert.Equal(t, resolver.CanModerate(mod, m2, CapabilityBanMembers), false)
	// the owner moderates anyone else
	assert.Equal(t, resolver.CanModerate(owner, m3, CapabilityBanMembers), true)
	assert.Equal(t, resolver.CanModerate(owner, ownerMember, CapabilityBanMembers), false)
}

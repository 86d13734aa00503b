package guild

import (
	"flag"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

const (
	testServerId = "s1"
	testOwnerId  = "u-owner"
)

// roles: @everyone (0), member (1), mod (2)
// categories: cat1 (c1, c2), cat2 (v1)
// members: owner, m1 (member), m2 (mod), m3 (mod)
func testInitialState() InitialState {
	return InitialState{
		Server: Server{
			Id:      testServerId,
			Name:    "test",
			OwnerId: testOwnerId,
			Roles: []Role{
				{Id: "everyone", Name: "@everyone", Position: 0, IsDefault: true},
				{Id: "member", Name: "member", Position: 1},
				{
					Id:       "mod",
					Name:     "mod",
					Position: 2,
					Permissions: PermissionSet{
						CapabilityKickMembers:    true,
						CapabilityBanMembers:     true,
						CapabilityMuteMembers:    true,
						CapabilityManageMessages: true,
						CapabilityManageChannels: true,
					},
				},
			},
		},
		Categories: []Category{
			{Id: "cat1", Name: "General", Position: 0, ChannelIds: []string{"c1", "c2"}},
			{Id: "cat2", Name: "Voice", Position: 1, ChannelIds: []string{"v1"}},
		},
		Channels: []Channel{
			{Id: "c1", Name: "general", Kind: ChannelKindText, CategoryId: "cat1"},
			{Id: "c2", Name: "random", Kind: ChannelKindText, CategoryId: "cat1"},
			{Id: "v1", Name: "lounge", Kind: ChannelKindVoice, CategoryId: "cat2"},
		},
		Members: []Member{
			{Id: "m-owner", UserId: testOwnerId, DisplayName: "owner", Status: PresenceOnline},
			{Id: "m1", UserId: "u1", DisplayName: "one", Status: PresenceOnline, RoleIds: []string{"member"}},
			{Id: "m2", UserId: "u2", DisplayName: "two", Status: PresenceIdle, RoleIds: []string{"mod"}},
			{Id: "m3", UserId: "u3", DisplayName: "three", Status: PresenceDnd, RoleIds: []string{"member", "mod"}},
		},
	}
}

type testClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newTestClock() *testClock {
	return &testClock{
		now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (self *testClock) Now() time.Time {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.now
}

func (self *testClock) Advance(d time.Duration) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.now = self.now.Add(d)
}

func newTestStore(clock *testClock) *Store {
	store := NewStore(&StoreSettings{
		TypingTtl: 8 * time.Second,
		Now:       clock.Now,
	})
	store.Load(testInitialState())
	return store
}

func testJwt(t *testing.T, userId string) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":  userId,
		"username": "user " + userId,
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	jwt, err := token.SignedString([]byte("test"))
	if err != nil {
		t.Fatal(err)
	}
	return jwt
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	end := time.Now().Add(timeout)
	for !condition() {
		if end.Before(time.Now()) {
			t.Fatal("timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

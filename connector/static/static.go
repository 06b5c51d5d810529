// Package static implements a password connector backed by users listed in
// the server configuration.
package static

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"github.com/jnnycn007/moauth/connector"
)

// User is one configured account.
type User struct {
	Username string
	// Bcrypt hash of the user's password.
	Hash []byte
	UID  int
	GIDs []int
}

// Config holds the configured users plus the optional test password which
// authenticates any username. The test password exists for test harnesses
// only and bypasses the account list.
type Config struct {
	Users        []User
	TestPassword string
}

// Open returns a connector serving the configured accounts.
func (c *Config) Open() connector.PasswordConnector {
	users := make(map[string]User, len(c.Users))
	for _, u := range c.Users {
		users[u.Username] = u
	}
	return &staticConnector{users: users, testPassword: c.TestPassword}
}

type staticConnector struct {
	users        map[string]User
	testPassword string
}

func (s *staticConnector) Login(_ context.Context, username, password string) (connector.Identity, bool, error) {
	if username == "" || password == "" {
		return connector.Identity{}, false, nil
	}

	if s.testPassword != "" && password == s.testPassword {
		ident := connector.Identity{Username: username, UID: 1000, GIDs: []int{1000}}
		if u, ok := s.users[username]; ok {
			ident.UID = u.UID
			ident.GIDs = clampGroups(u.GIDs)
		}
		return ident, true, nil
	}

	u, ok := s.users[username]
	if !ok {
		return connector.Identity{}, false, nil
	}
	if err := bcrypt.CompareHashAndPassword(u.Hash, []byte(password)); err != nil {
		return connector.Identity{}, false, nil
	}
	return connector.Identity{
		Username: u.Username,
		UID:      u.UID,
		GIDs:     clampGroups(u.GIDs),
	}, true, nil
}

func clampGroups(gids []int) []int {
	if len(gids) > connector.MaxGroups {
		gids = gids[:connector.MaxGroups]
	}
	out := make([]int, len(gids))
	copy(out, gids)
	return out
}

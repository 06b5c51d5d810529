// Package unix implements a password connector over the local OS account
// database. Password verification is delegated to a pluggable checker (PAM or
// similar); this package resolves the numeric identity via os/user.
package unix

import (
	"context"
	"os/user"
	"strconv"

	"github.com/jnnycn007/moauth/connector"
)

// Checker validates a username/password pair against the system
// authentication service. It is supplied by the host integration.
type Checker func(ctx context.Context, username, password string) (bool, error)

// Config holds the password checker. A nil Checker denies all logins.
type Config struct {
	Checker Checker
}

// Open returns a connector over the OS account database.
func (c *Config) Open() connector.PasswordConnector {
	return &unixConnector{checker: c.Checker}
}

type unixConnector struct {
	checker Checker
}

func (u *unixConnector) Login(ctx context.Context, username, password string) (connector.Identity, bool, error) {
	if u.checker == nil {
		return connector.Identity{}, false, nil
	}
	ok, err := u.checker(ctx, username, password)
	if err != nil || !ok {
		return connector.Identity{}, false, err
	}
	return Lookup(username)
}

// Lookup resolves a username to its numeric identity. The group list is
// capped at connector.MaxGroups.
func Lookup(username string) (connector.Identity, bool, error) {
	osUser, err := user.Lookup(username)
	if err != nil {
		return connector.Identity{}, false, nil
	}
	uid, err := strconv.Atoi(osUser.Uid)
	if err != nil {
		return connector.Identity{}, false, nil
	}

	ident := connector.Identity{Username: username, UID: uid}

	groupIDs, err := osUser.GroupIds()
	if err != nil {
		// Primary group only.
		if gid, err := strconv.Atoi(osUser.Gid); err == nil {
			ident.GIDs = []int{gid}
		}
		return ident, true, nil
	}
	for _, g := range groupIDs {
		if len(ident.GIDs) == connector.MaxGroups {
			break
		}
		if gid, err := strconv.Atoi(g); err == nil {
			ident.GIDs = append(ident.GIDs, gid)
		}
	}
	return ident, true, nil
}

package main

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jnnycn007/moauth/connector/static"
	"github.com/jnnycn007/moauth/server"
	"github.com/jnnycn007/moauth/storage"
)

// Config is the parsed form of the moauthd configuration file: one directive
// per line, case-insensitive keyword followed by space separated values; a
// line starting with "#" is a comment.
type Config struct {
	ServerName string
	Port       int

	Clients   []storage.Client
	Resources []server.Resource
	Users     []static.User

	LogFile  string
	LogLevel string

	IntrospectGroup *int
	RegisterGroup   *int

	MaxGrantLife time.Duration
	MaxTokenLife time.Duration

	BasicAuth bool

	TestPassword string

	StateFile string
	TLSCert   string
	TLSKey    string

	// Listen addresses; defaults to ":<port>" when none are given.
	Listen []string
}

// Issuer returns the server's external URL.
func (c *Config) Issuer() string {
	return fmt.Sprintf("https://%s:%d", c.ServerName, c.Port)
}

// defaultPort derives the port from the invoking user's UID.
func defaultPort() int {
	return 9000 + os.Getuid()%1000
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	c := &Config{
		LogFile:  "stderr",
		LogLevel: "info",
		Port:     defaultPort(),
	}
	if hostname, err := os.Hostname(); err == nil {
		c.ServerName = strings.TrimSuffix(hostname, ".")
	}

	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keyword, rest, _ := strings.Cut(line, " ")
		if err := c.directive(strings.ToLower(keyword), strings.TrimSpace(rest)); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineno, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return c, nil
}

func (c *Config) directive(keyword, rest string) error {
	args := strings.Fields(rest)
	switch keyword {
	case "application":
		if len(args) < 2 {
			return fmt.Errorf("Application needs <client_id> <redirect_uri>")
		}
		client := storage.Client{ID: args[0], RedirectURI: args[1]}
		if len(args) > 2 {
			client.Name = strings.Join(args[2:], " ")
		}
		c.Clients = append(c.Clients, client)

	case "logfile":
		if rest == "" {
			return fmt.Errorf("LogFile needs a value")
		}
		c.LogFile = rest

	case "loglevel":
		switch strings.ToLower(rest) {
		case "error", "info", "debug":
			c.LogLevel = strings.ToLower(rest)
		default:
			return fmt.Errorf("LogLevel must be error, info, or debug")
		}

	case "introspectgroup":
		gid, err := lookupGroup(rest)
		if err != nil {
			return err
		}
		c.IntrospectGroup = &gid

	case "registergroup":
		gid, err := lookupGroup(rest)
		if err != nil {
			return err
		}
		c.RegisterGroup = &gid

	case "maxgrantlife":
		life, err := parseLife(rest)
		if err != nil {
			return fmt.Errorf("MaxGrantLife: %w", err)
		}
		c.MaxGrantLife = life

	case "maxtokenlife":
		life, err := parseLife(rest)
		if err != nil {
			return fmt.Errorf("MaxTokenLife: %w", err)
		}
		c.MaxTokenLife = life

	case "option":
		switch strings.ToLower(rest) {
		case "basicauth":
			c.BasicAuth = true
		default:
			return fmt.Errorf("unknown option %q", rest)
		}

	case "resource":
		if len(args) != 3 {
			return fmt.Errorf("Resource needs {public|private|shared} <remote> <local>")
		}
		res, err := makeResource(args[0], args[1], args[2])
		if err != nil {
			return err
		}
		c.Resources = append(c.Resources, res)

	case "servername":
		host, port, found := strings.Cut(rest, ":")
		if host == "" {
			return fmt.Errorf("ServerName needs <host>[:<port>]")
		}
		c.ServerName = strings.TrimSuffix(host, ".")
		if found {
			p, err := strconv.Atoi(port)
			if err != nil || p <= 0 || p > 65535 {
				return fmt.Errorf("ServerName port %q is invalid", port)
			}
			c.Port = p
		}

	case "testpassword":
		c.TestPassword = rest

	case "user":
		// User <name> <bcrypt-hash> <uid> [gid,gid,...]
		if len(args) < 3 {
			return fmt.Errorf("User needs <name> <bcrypt-hash> <uid> [gids]")
		}
		uid, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("User uid %q is invalid", args[2])
		}
		u := static.User{Username: args[0], Hash: []byte(args[1]), UID: uid}
		if len(args) > 3 {
			for _, g := range strings.Split(args[3], ",") {
				gid, err := strconv.Atoi(g)
				if err != nil {
					return fmt.Errorf("User gid %q is invalid", g)
				}
				u.GIDs = append(u.GIDs, gid)
			}
		}
		c.Users = append(c.Users, u)

	case "statefile":
		c.StateFile = rest

	case "tlscert":
		c.TLSCert = rest

	case "tlskey":
		c.TLSKey = rest

	case "listen":
		c.Listen = append(c.Listen, rest)

	default:
		return fmt.Errorf("unknown directive %q", keyword)
	}
	return nil
}

// lookupGroup resolves a numeric gid or a group name.
func lookupGroup(value string) (int, error) {
	if value == "" {
		return 0, fmt.Errorf("group value is empty")
	}
	if gid, err := strconv.Atoi(value); err == nil {
		return gid, nil
	}
	group, err := user.LookupGroup(value)
	if err != nil {
		return 0, fmt.Errorf("unknown group %q", value)
	}
	gid, err := strconv.Atoi(group.Gid)
	if err != nil {
		return 0, fmt.Errorf("group %q has non-numeric gid %q", value, group.Gid)
	}
	return gid, nil
}

// parseLife parses a lifetime: a bare integer is seconds, with m/h/d/w
// suffixes for minutes, hours, days, and weeks.
func parseLife(value string) (time.Duration, error) {
	if value == "" {
		return 0, fmt.Errorf("missing value")
	}
	unit := time.Second
	switch value[len(value)-1] {
	case 'm':
		unit, value = time.Minute, value[:len(value)-1]
	case 'h':
		unit, value = time.Hour, value[:len(value)-1]
	case 'd':
		unit, value = 24*time.Hour, value[:len(value)-1]
	case 'w':
		unit, value = 7*24*time.Hour, value[:len(value)-1]
	case 's':
		value = value[:len(value)-1]
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid lifetime %q", value)
	}
	return time.Duration(n) * unit, nil
}

// makeResource classifies a Resource directive by the local path: a directory
// serves a tree, a file serves itself, a path containing "~" serves per-user
// trees. Shared file and directory resources take their group from the local
// file's ownership; a per-user resource keeps group 0.
func makeResource(scope, remote, local string) (server.Resource, error) {
	switch scope {
	case "public", "private", "shared":
	default:
		return server.Resource{}, fmt.Errorf("resource scope must be public, private, or shared")
	}
	if !strings.HasPrefix(remote, "/") {
		return server.Resource{}, fmt.Errorf("resource remote path %q must be absolute", remote)
	}

	res := server.Resource{RemotePath: remote, LocalPath: local, Scope: scope}

	if strings.Contains(local, "~") {
		res.Type = server.ResourceUserDir
		return res, nil
	}

	info, err := os.Stat(local)
	if err != nil {
		return server.Resource{}, fmt.Errorf("resource local path %q: %w", local, err)
	}
	if info.IsDir() {
		res.Type = server.ResourceDirectory
	} else {
		res.Type = server.ResourceFile
	}
	if scope == "shared" {
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			res.GID = int(st.Gid)
		}
	}
	return res, nil
}

package server

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/ChuLiYu/flowqueue/pkg/types"
)

// User is one API account.
type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Admin    bool   `yaml:"admin"`
}

// AuthConfig lists the accounts accepted by the coordinator. With no users
// every caller is an anonymous admin.
type AuthConfig struct {
	Users []User `yaml:"users"`
}

// Authenticator checks basic credentials against the configured accounts.
type Authenticator struct {
	users map[string]User
}

// NewAuthenticator indexes the accounts of cfg by user name.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	a := &Authenticator{users: make(map[string]User, len(cfg.Users))}
	for _, u := range cfg.Users {
		if u.Username == "" {
			continue
		}
		a.users[u.Username] = u
	}
	return a
}

// Open reports whether authentication is disabled.
func (a *Authenticator) Open() bool {
	return a == nil || len(a.users) == 0
}

// Authenticate resolves a user name and password to a caller.
func (a *Authenticator) Authenticate(username, password string) (types.Caller, bool) {
	if a.Open() {
		return types.Caller{Admin: true}, true
	}
	u, ok := a.users[username]
	if !ok {
		return types.Caller{}, false
	}
	if subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) != 1 {
		return types.Caller{}, false
	}
	return types.Caller{UserID: u.Username, Admin: u.Admin}, true
}

// AuthenticateHeader resolves an "Authorization: Basic ..." value.
func (a *Authenticator) AuthenticateHeader(header string) (types.Caller, bool) {
	if a.Open() {
		return types.Caller{Admin: true}, true
	}
	user, pass, ok := parseBasic(header)
	if !ok {
		return types.Caller{}, false
	}
	return a.Authenticate(user, pass)
}

func parseBasic(header string) (string, string, bool) {
	const prefix = "basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	return user, pass, ok
}

// scopeNext pins a non-admin worker to its own account: it reports under
// the caller's user and only receives the caller's tasks.
func scopeNext(caller types.Caller, req *types.NextTaskRequest) {
	if caller.Admin {
		return
	}
	req.Worker.Key.UserID = caller.UserID
	req.UserScope = caller.UserID
}

// scopeWorker forces the worker key of a non-admin caller to its own user.
func scopeWorker(caller types.Caller, d *types.WorkerDetails) {
	if !caller.Admin {
		d.Key.UserID = caller.UserID
	}
}

// ownerScope is the user filter applied to task reads and writes.
func ownerScope(caller types.Caller) string {
	if caller.Admin {
		return ""
	}
	return caller.UserID
}

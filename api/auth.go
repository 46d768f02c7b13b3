package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"

	"rcmon/config"
	"rcmon/logging"
)

const (
	sessionName    = "rcmon_session"
	sessionUserKey = "username"
	sessionRoleKey = "role"
)

// authenticator checks API requests against the configured users.
type authenticator struct {
	store *sessions.CookieStore
	users map[string]config.WebUser
}

// newAuthenticator returns nil when no users are configured, leaving the
// API open.
func newAuthenticator(secret string, users []config.WebUser) *authenticator {
	if len(users) == 0 {
		return nil
	}

	var key []byte
	if secret != "" {
		key, _ = base64.StdEncoding.DecodeString(secret)
	}
	if len(key) < 32 {
		key = make([]byte, 32)
		rand.Read(key)
	}

	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	byName := make(map[string]config.WebUser, len(users))
	for _, u := range users {
		byName[u.Username] = u
	}
	return &authenticator{store: store, users: byName}
}

// HashPassword returns the bcrypt hash stored as a user's password_hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (a *authenticator) check(username, password string) (config.WebUser, bool) {
	u, ok := a.users[username]
	if !ok {
		return config.WebUser{}, false
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return config.WebUser{}, false
	}
	return u, true
}

// session ignores decode errors; a stale cookie still yields a usable,
// empty session.
func (a *authenticator) session(r *http.Request) *sessions.Session {
	s, _ := a.store.Get(r, sessionName)
	return s
}

// identify returns the caller's role from a session cookie or Basic
// credentials.
func (a *authenticator) identify(r *http.Request) (user, role string, ok bool) {
	if username, password, basic := r.BasicAuth(); basic {
		u, ok := a.check(username, password)
		return u.Username, u.Role, ok
	}
	s := a.session(r)
	user, uok := s.Values[sessionUserKey].(string)
	role, rok := s.Values[sessionRoleKey].(string)
	if !uok || !rok || user == "" {
		return "", "", false
	}
	// Accounts removed from config lose access.
	if u, exists := a.users[user]; !exists || u.Role != role {
		return "", "", false
	}
	return user, role, true
}

// require rejects unauthenticated callers and viewers attempting writes.
// Login and logout pass through.
func (a *authenticator) require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && (strings.HasSuffix(r.URL.Path, "/login") || strings.HasSuffix(r.URL.Path, "/logout")) {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		user, role, ok := a.identify(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="rcmon"`)
			writeAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if role != config.RoleAdmin && r.Method != http.MethodGet && r.Method != http.MethodHead {
			logging.DebugLog("api", "denied %s %s for viewer %s", r.Method, r.URL.Path, user)
			writeAuthError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (a *authenticator) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	u, ok := a.check(req.Username, req.Password)
	if !ok {
		logging.DebugLog("api", "failed login for %q from %s", req.Username, r.RemoteAddr)
		writeAuthError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	s := a.session(r)
	s.Values[sessionUserKey] = u.Username
	s.Values[sessionRoleKey] = u.Role
	if err := s.Save(r, w); err != nil {
		writeAuthError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logging.DebugLog("api", "login %s (%s)", u.Username, u.Role)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"username": u.Username, "role": u.Role})
}

func (a *authenticator) handleLogout(w http.ResponseWriter, r *http.Request) {
	s := a.session(r)
	delete(s.Values, sessionUserKey)
	delete(s.Values, sessionRoleKey)
	s.Options.MaxAge = -1
	s.Save(r, w)
	w.WriteHeader(http.StatusNoContent)
}

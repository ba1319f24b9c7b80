package auth

import (
	"crypto/sha256"
	"encoding/gob"
	"net/http"

	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"github.com/example/retina-check/internal/config"
)

const (
	sessionName   = "retina_session"
	sessionUserID = "user_id"
	sessionCSRF   = "csrf_token"
)

// Flash is a one-shot message shown on the next rendered page.
type Flash struct {
	Category string
	Message  string
}

func init() {
	gob.Register(Flash{})
}

// SessionManager keeps the browser identity in a signed, encrypted cookie.
type SessionManager struct {
	store  *sessions.CookieStore
	logger *zap.Logger
}

// NewSessionManager derives the cookie keys from cfg.Secret.
func NewSessionManager(cfg config.SessionConfig, logger *zap.Logger) *SessionManager {
	store := sessions.NewCookieStore(
		createSessionKey(cfg.Secret),
		createSessionKey(cfg.Secret+"encryption"),
	)
	store.Options = buildSessionOptions(cfg.Secure, int(cfg.MaxAge.Seconds()))
	store.MaxAge(store.Options.MaxAge)
	return &SessionManager{store: store, logger: logger.Named("sessions")}
}

// createSessionKey stretches a seed to the 32 bytes AES-256 needs.
func createSessionKey(seed string) []byte {
	sum := sha256.Sum256([]byte(seed))
	return sum[:]
}

func buildSessionOptions(secure bool, maxAge int) *sessions.Options {
	return &sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// session never fails: a cookie that cannot be decoded yields a fresh session.
func (m *SessionManager) session(r *http.Request) *sessions.Session {
	s, err := m.store.Get(r, sessionName)
	if err != nil {
		m.logger.Debug("discarding unreadable session cookie", zap.Error(err))
	}
	return s
}

// Lookup returns the user bound to the request, if any.
func (m *SessionManager) Lookup(r *http.Request) (uint, bool) {
	id, ok := m.session(r).Values[sessionUserID].(uint)
	return id, ok && id != 0
}

// Bind establishes an authenticated session for userID. Everything but pending
// flashes is dropped, so the CSRF token is rotated too.
func (m *SessionManager) Bind(w http.ResponseWriter, r *http.Request, userID uint) error {
	s := m.session(r)
	flashes := s.Flashes()
	for k := range s.Values {
		delete(s.Values, k)
	}
	for _, f := range flashes {
		s.AddFlash(f)
	}
	s.Values[sessionUserID] = userID
	return s.Save(r, w)
}

// Clear removes the identity. Flashes survive so the logout notice can be shown.
func (m *SessionManager) Clear(w http.ResponseWriter, r *http.Request) error {
	s := m.session(r)
	delete(s.Values, sessionUserID)
	delete(s.Values, sessionCSRF)
	return s.Save(r, w)
}

// AddFlash queues a message for the next page render.
func (m *SessionManager) AddFlash(w http.ResponseWriter, r *http.Request, f Flash) error {
	s := m.session(r)
	s.AddFlash(f)
	return s.Save(r, w)
}

// Flashes drains the queued messages.
func (m *SessionManager) Flashes(w http.ResponseWriter, r *http.Request) []Flash {
	s := m.session(r)
	raw := s.Flashes()
	if len(raw) == 0 {
		return nil
	}
	if err := s.Save(r, w); err != nil {
		m.logger.Warn("failed to save session after reading flashes", zap.Error(err))
	}

	out := make([]Flash, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(Flash); ok {
			out = append(out, f)
		}
	}
	return out
}

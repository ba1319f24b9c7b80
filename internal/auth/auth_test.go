package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/retina-check/internal/config"
	"github.com/example/retina-check/internal/repository"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubUsers struct {
	users map[uint]*repository.User
	err   error
}

func (s *stubUsers) FindByID(ctx context.Context, id uint) (*repository.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, repository.ErrUserNotFound
}

func newTestSessions() *SessionManager {
	return NewSessionManager(config.SessionConfig{Secret: "test-secret", MaxAge: time.Hour}, zap.NewNop())
}

// lastCookies keeps the final Set-Cookie per name, the way a browser would.
func lastCookies(rec *httptest.ResponseRecorder) []*http.Cookie {
	byName := map[string]*http.Cookie{}
	var order []string
	for _, c := range rec.Result().Cookies() {
		if _, seen := byName[c.Name]; !seen {
			order = append(order, c.Name)
		}
		byName[c.Name] = c
	}
	out := make([]*http.Cookie, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}

func withCookies(req *http.Request, cookies []*http.Cookie) *http.Request {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return req
}

func TestSessionBindLookupClear(t *testing.T) {
	m := newTestSessions()

	rec := httptest.NewRecorder()
	require.NoError(t, m.Bind(rec, httptest.NewRequest(http.MethodPost, "/login", nil), 42))
	cookies := lastCookies(rec)
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)

	id, ok := m.Lookup(withCookies(httptest.NewRequest(http.MethodGet, "/home", nil), cookies))
	require.True(t, ok)
	assert.Equal(t, uint(42), id)

	rec = httptest.NewRecorder()
	req := withCookies(httptest.NewRequest(http.MethodGet, "/logout", nil), cookies)
	require.NoError(t, m.Clear(rec, req))

	_, ok = m.Lookup(withCookies(httptest.NewRequest(http.MethodGet, "/home", nil), lastCookies(rec)))
	assert.False(t, ok)
}

func TestSessionLookupIgnoresForeignCookie(t *testing.T) {
	m := newTestSessions()
	rec := httptest.NewRecorder()
	require.NoError(t, m.Bind(rec, httptest.NewRequest(http.MethodPost, "/login", nil), 7))

	other := NewSessionManager(config.SessionConfig{Secret: "another-secret"}, zap.NewNop())
	_, ok := other.Lookup(withCookies(httptest.NewRequest(http.MethodGet, "/", nil), lastCookies(rec)))
	assert.False(t, ok)
}

func TestFlashesAreDrainedOnce(t *testing.T) {
	m := newTestSessions()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, m.AddFlash(rec, req, Flash{Category: "success", Message: "Login successful!"}))
	cookies := lastCookies(rec)

	rec = httptest.NewRecorder()
	flashes := m.Flashes(rec, withCookies(httptest.NewRequest(http.MethodGet, "/home", nil), cookies))
	assert.Equal(t, []Flash{{Category: "success", Message: "Login successful!"}}, flashes)

	again := m.Flashes(httptest.NewRecorder(), withCookies(httptest.NewRequest(http.MethodGet, "/home", nil), lastCookies(rec)))
	assert.Empty(t, again)
}

func TestBindKeepsPendingFlashes(t *testing.T) {
	m := newTestSessions()

	rec := httptest.NewRecorder()
	require.NoError(t, m.AddFlash(rec, httptest.NewRequest(http.MethodGet, "/", nil), Flash{Category: "info", Message: "hello"}))

	rec2 := httptest.NewRecorder()
	req := withCookies(httptest.NewRequest(http.MethodPost, "/login", nil), lastCookies(rec))
	require.NoError(t, m.Bind(rec2, req, 3))

	flashes := m.Flashes(httptest.NewRecorder(), withCookies(httptest.NewRequest(http.MethodGet, "/home", nil), lastCookies(rec2)))
	assert.Len(t, flashes, 1)
}

func TestRequireSessionRedirectsAnonymous(t *testing.T) {
	m := newTestSessions()
	called := false

	router := gin.New()
	router.GET("/home", RequireSession(m, &stubUsers{}, zap.NewNop()), func(c *gin.Context) {
		called = true
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/home?tab=1", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login?next="+url.QueryEscape("/home?tab=1"), rec.Header().Get("Location"))
	assert.False(t, called)

	flashes := m.Flashes(httptest.NewRecorder(), withCookies(httptest.NewRequest(http.MethodGet, "/login", nil), lastCookies(rec)))
	assert.Equal(t, []Flash{{Category: "info", Message: LoginRequiredMessage}}, flashes)
}

func TestRequireSessionAdmitsKnownUser(t *testing.T) {
	m := newTestSessions()
	users := &stubUsers{users: map[uint]*repository.User{5: {ID: 5, Username: "ana"}}}

	rec := httptest.NewRecorder()
	require.NoError(t, m.Bind(rec, httptest.NewRequest(http.MethodPost, "/login", nil), 5))

	router := gin.New()
	router.GET("/home", RequireSession(m, users, zap.NewNop()), func(c *gin.Context) {
		user, ok := CurrentUser(c)
		require.True(t, ok)
		id, ok := GetUserID(c.Request.Context())
		require.True(t, ok)
		assert.Equal(t, user.ID, id)
		c.String(http.StatusOK, user.Username)
	})

	out := httptest.NewRecorder()
	router.ServeHTTP(out, withCookies(httptest.NewRequest(http.MethodGet, "/home", nil), lastCookies(rec)))
	assert.Equal(t, http.StatusOK, out.Code)
	assert.Equal(t, "ana", out.Body.String())
}

func TestRequireSessionRejectsVanishedUser(t *testing.T) {
	m := newTestSessions()
	rec := httptest.NewRecorder()
	require.NoError(t, m.Bind(rec, httptest.NewRequest(http.MethodPost, "/login", nil), 9))

	router := gin.New()
	router.GET("/home", RequireSession(m, &stubUsers{}, zap.NewNop()), func(c *gin.Context) {
		t.Fatal("handler must not run")
	})

	out := httptest.NewRecorder()
	router.ServeHTTP(out, withCookies(httptest.NewRequest(http.MethodGet, "/home", nil), lastCookies(rec)))
	assert.Equal(t, http.StatusFound, out.Code)
}

func TestJWTMiddleware(t *testing.T) {
	issuer := NewTokenIssuer("jwt-secret", "retina", time.Hour)
	token, expires, err := issuer.Issue(12)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	router := gin.New()
	router.GET("/api", JWTMiddleware("jwt-secret", "retina"), func(c *gin.Context) {
		id, _ := GetUserID(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"user": id})
	})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "valid", header: "Bearer " + token, status: http.StatusOK},
		{name: "missing", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + token, status: http.StatusUnauthorized},
		{name: "tampered", header: "Bearer " + token + "x", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.JSONEq(t, `{"user":12}`, rec.Body.String())
			}
		})
	}
}

func TestJWTMiddlewareRejectsWrongAudienceAndExpired(t *testing.T) {
	router := gin.New()
	router.GET("/api", JWTMiddleware("jwt-secret", "retina"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	otherAudience, _, err := NewTokenIssuer("jwt-secret", "someone-else", time.Hour).Issue(1)
	require.NoError(t, err)

	expired := NewTokenIssuer("jwt-secret", "retina", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _, err := expired.Issue(1)
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for _, token := range []string{otherAudience, old, noneAlg} {
		req := httptest.NewRequest(http.MethodGet, "/api", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	require.NoError(t, err)
	assert.NotContains(t, hash, "s3cret-pass")
	assert.True(t, CheckPassword(hash, "s3cret-pass"))
	assert.False(t, CheckPassword(hash, "wrong"))

	_, err = HashPassword(strings.Repeat("a", 73))
	assert.ErrorIs(t, err, ErrPasswordTooLong)
}

func TestCSRFRejectsMissingOrWrongToken(t *testing.T) {
	m := newTestSessions()
	router := gin.New()
	router.Use(CSRF(m, zap.NewNop()))
	router.GET("/form", func(c *gin.Context) { c.String(http.StatusOK, CSRFTokenFrom(c)) })
	router.POST("/form", func(c *gin.Context) { c.String(http.StatusOK, "accepted") })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/form", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	token := rec.Body.String()
	require.NotEmpty(t, token)
	cookies := lastCookies(rec)

	post := func(value string) *httptest.ResponseRecorder {
		form := url.Values{CSRFField: {value}}
		req := httptest.NewRequest(http.MethodPost, "/form", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		out := httptest.NewRecorder()
		router.ServeHTTP(out, withCookies(req, cookies))
		return out
	}

	assert.Equal(t, http.StatusOK, post(token).Code)
	assert.Equal(t, http.StatusForbidden, post("").Code)
	assert.Equal(t, http.StatusForbidden, post("forged").Code)
}

func TestCSRFTokenIsStablePerSession(t *testing.T) {
	m := newTestSessions()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	first, err := m.CSRFToken(rec, req)
	require.NoError(t, err)

	second, err := m.CSRFToken(httptest.NewRecorder(), withCookies(httptest.NewRequest(http.MethodGet, "/", nil), lastCookies(rec)))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(1, 2)
	assert.True(t, th.Allow("10.0.0.1"))
	assert.True(t, th.Allow("10.0.0.1"))
	assert.False(t, th.Allow("10.0.0.1"))
	assert.True(t, th.Allow("10.0.0.2"), "buckets are per client")

	unlimited := NewThrottle(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, unlimited.Allow("x"))
	}
}

func TestThrottleMiddlewareOnlyLimitsPosts(t *testing.T) {
	router := gin.New()
	router.Use(NewThrottle(1, 1).Middleware(zap.NewNop()))
	router.Any("/login", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(method string) int {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(method, "/login", nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do(http.MethodPost))
	assert.Equal(t, http.StatusTooManyRequests, do(http.MethodPost))
	assert.Equal(t, http.StatusOK, do(http.MethodGet))
}

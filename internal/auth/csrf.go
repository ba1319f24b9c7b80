package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// CSRFField is the hidden form input every template renders.
	CSRFField  = "csrf_token"
	csrfHeader = "X-CSRF-Token"
	csrfCtxKey = "csrfToken"

	multipartMemory = 32 << 20
)

// CSRFToken returns the session's form token, creating one on first use.
func (m *SessionManager) CSRFToken(w http.ResponseWriter, r *http.Request) (string, error) {
	s := m.session(r)
	if token, ok := s.Values[sessionCSRF].(string); ok && token != "" {
		return token, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	s.Values[sessionCSRF] = token
	if err := s.Save(r, w); err != nil {
		return "", err
	}
	return token, nil
}

// CSRFTokenFrom returns the token CSRF stored on the context for templates.
func CSRFTokenFrom(c *gin.Context) string {
	return c.GetString(csrfCtxKey)
}

// CSRF rejects state-changing requests whose form token does not match the session.
func CSRF(sessions *SessionManager, logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("csrf")

	return func(c *gin.Context) {
		token, err := sessions.CSRFToken(c.Writer, c.Request)
		if err != nil {
			log.Error("failed to issue CSRF token", zap.Error(err))
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(csrfCtxKey, token)

		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		if err := parseForm(c.Request); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.String(http.StatusRequestEntityTooLarge, "Request body too large.")
			} else {
				c.String(http.StatusBadRequest, "Malformed form submission.")
			}
			c.Abort()
			return
		}

		submitted := c.Request.Header.Get(csrfHeader)
		if submitted == "" {
			submitted = c.Request.PostFormValue(CSRFField)
		}
		if submitted == "" || subtle.ConstantTimeCompare([]byte(submitted), []byte(token)) != 1 {
			log.Warn("CSRF token mismatch", zap.String("path", c.Request.URL.Path), zap.String("client_ip", c.ClientIP()))
			c.String(http.StatusForbidden, "The CSRF token is missing or invalid.")
			c.Abort()
			return
		}
		c.Next()
	}
}

func parseForm(r *http.Request) error {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return r.ParseMultipartForm(multipartMemory)
	}
	return r.ParseForm()
}

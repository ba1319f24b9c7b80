package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/retina-check/internal/repository"
)

type contextKey string

const (
	userIDKey      contextKey = "authUserID"
	currentUserKey            = "currentUser"
)

// LoginRequiredMessage is flashed when an anonymous visitor hits a protected page.
const LoginRequiredMessage = "Please log in to access this page."

// UserLookup resolves session identities to users.
type UserLookup interface {
	FindByID(ctx context.Context, id uint) (*repository.User, error)
}

// WithUserID returns a copy of ctx carrying the authenticated user id.
func WithUserID(ctx context.Context, id uint) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// GetUserID retrieves the authenticated subject from context.
func GetUserID(ctx context.Context) (uint, bool) {
	if ctx == nil {
		return 0, false
	}
	if value, ok := ctx.Value(userIDKey).(uint); ok && value != 0 {
		return value, true
	}
	return 0, false
}

// CurrentUser returns the user loaded by RequireSession.
func CurrentUser(c *gin.Context) (*repository.User, bool) {
	v, ok := c.Get(currentUserKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*repository.User)
	return user, ok
}

// RequireSession lets the request through only when the session names an existing
// user. Anonymous visitors are sent to the login page with the original path as next.
func RequireSession(sessions *SessionManager, users UserLookup, logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("require_session")

	return func(c *gin.Context) {
		if id, ok := sessions.Lookup(c.Request); ok {
			user, err := users.FindByID(c.Request.Context(), id)
			switch {
			case err == nil:
				c.Request = c.Request.WithContext(WithUserID(c.Request.Context(), user.ID))
				c.Set(currentUserKey, user)
				c.Next()
				return
			case errors.Is(err, repository.ErrUserNotFound):
				_ = sessions.Clear(c.Writer, c.Request)
			default:
				log.Error("failed to load session user", zap.Error(err), zap.Uint("user_id", id))
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
		}

		if err := sessions.AddFlash(c.Writer, c.Request, Flash{Category: "info", Message: LoginRequiredMessage}); err != nil {
			log.Warn("failed to store flash", zap.Error(err))
		}
		c.Redirect(http.StatusFound, "/login?next="+url.QueryEscape(c.Request.URL.RequestURI()))
		c.Abort()
	}
}

// JWTMiddleware validates bearer tokens and injects user identity.
func JWTMiddleware(secret, audience string) gin.HandlerFunc {
	secret = strings.TrimSpace(secret)
	audience = strings.TrimSpace(audience)

	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		if secret == "" {
			unauthorized(c, "missing JWT secret")
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			unauthorized(c, "invalid token")
			return
		}

		if audience != "" && !containsAudience(claims.Audience, audience) {
			unauthorized(c, "invalid audience")
			return
		}

		userID, err := strconv.ParseUint(claims.Subject, 10, 0)
		if err != nil || userID == 0 {
			unauthorized(c, "missing subject")
			return
		}

		c.Request = c.Request.WithContext(WithUserID(c.Request.Context(), uint(userID)))
		c.Set(string(userIDKey), uint(userID))

		c.Next()
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}

func containsAudience(claims jwt.ClaimStrings, expected string) bool {
	for _, aud := range claims {
		if aud == expected {
			return true
		}
	}
	return false
}

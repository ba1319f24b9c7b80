package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/retina-check/internal/auth"
	"github.com/example/retina-check/internal/logging"
	"github.com/example/retina-check/internal/usecase"
	"github.com/example/retina-check/web"
)

// multipartOverhead is the slack allowed on top of the upload limit for form fields
// and part headers before the request body is cut off.
const multipartOverhead = 1 << 20

// BotGate is the CAPTCHA check in front of classification.
type BotGate interface {
	Enabled() bool
	SiteKey() string
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// Dependencies are the collaborators the routes need.
type Dependencies struct {
	Accounts       *usecase.AccountUseCase
	Classification *usecase.ClassificationUseCase
	Sessions       *auth.SessionManager
	Tokens         *auth.TokenIssuer
	Captcha        BotGate
	Throttle       *auth.Throttle
	Metrics        *usecase.Metrics
	Reporter       *logging.Reporter
	JWTSecret      string
	JWTAudience    string
	// TrustedProxies may set the client address through X-Forwarded-For. When empty
	// the TCP peer is the client, which keeps the login throttle and CAPTCHA remote
	// IP out of the caller's control.
	TrustedProxies []string
	Logger         *zap.Logger
}

type handler struct {
	Dependencies
	logger *zap.Logger
}

// NewRouter builds the engine with logging and recovery middleware and all routes.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	router.Use(RequestLogger(deps.Logger), recovery(deps.Logger, deps.Reporter))
	router.MaxMultipartMemory = deps.Classification.MaxSize() + multipartOverhead
	if err := RegisterRoutes(router, deps); err != nil {
		return nil, err
	}
	return router, nil
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies) error {
	tmpl, err := web.Templates()
	if err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}
	router.SetHTMLTemplate(tmpl)
	if err := registerValidators(); err != nil {
		return fmt.Errorf("register validators: %w", err)
	}
	router.StaticFS("/static", web.Static())

	h := &handler{Dependencies: deps, logger: deps.Logger.Named("handlers")}
	bodyLimit := limitBody(2*deps.Classification.MaxSize() + multipartOverhead)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	csrf := auth.CSRF(deps.Sessions, deps.Logger)
	public := router.Group("/", bodyLimit, csrf)
	public.GET("/", h.front)
	public.GET("/about", h.about)
	public.GET("/login", h.loginForm)
	public.POST("/login", deps.Throttle.Middleware(h.logger), h.login)
	public.GET("/signup", h.signupForm)
	public.POST("/signup", h.signup)

	// The session check runs before CSRF so anonymous posts are redirected to login.
	protected := router.Group("/", bodyLimit, auth.RequireSession(deps.Sessions, deps.Accounts, deps.Logger), csrf)
	protected.GET("/home", h.home)
	protected.POST("/home", h.botGate(h.captchaFlash), h.classify)
	protected.POST("/upload", h.botGate(h.captchaForbidden), h.classify)
	protected.GET("/uploads/:key", h.serveUpload)
	protected.GET("/logout", h.logout)

	api := router.Group("/api/v1")
	api.POST("/token", deps.Throttle.Middleware(h.logger), h.issueToken)

	secured := api.Group("/", bodyLimit, auth.JWTMiddleware(deps.JWTSecret, deps.JWTAudience))
	secured.POST("/classify", h.apiClassify)
	secured.GET("/results/:id", h.apiResult)
	secured.GET("/metrics/summary", h.apiMetricsSummary)

	return nil
}

package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/retina-check/internal/auth"
	"github.com/example/retina-check/internal/logging"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "requestID"
	captchaField    = "g-recaptcha-response"

	// CaptchaFailedMessage is shown when the bot gate rejects a submission.
	CaptchaFailedMessage = "reCAPTCHA verification failed. Please try again."
)

// RequestLogger assigns a request id and logs one line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("http")

	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header(requestIDHeader, requestID)

		c.Next()

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			log.Error("request completed", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("request completed", fields...)
		default:
			log.Info("request completed", fields...)
		}
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

func recovery(logger *zap.Logger, reporter *logging.Reporter) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		err := logging.NewOperationError("http.panic", requestID(c), fmt.Errorf("panic: %v", recovered))
		logger.Error("panic recovered", zap.Error(err), zap.Stack("stack"))
		reporter.Report(err)
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

// botGate runs the CAPTCHA check and calls reject when it does not pass. Any
// verification error counts as a failure.
func (h *handler) botGate(reject gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.Captcha.Enabled() {
			c.Next()
			return
		}

		ok, err := h.Captcha.Verify(c.Request.Context(), c.PostForm(captchaField), c.ClientIP())
		switch {
		case err != nil:
			logging.WithOperation(h.logger, "handlers.bot_gate", requestID(c)).Warn("captcha verification failed", zap.Error(err))
			h.Metrics.ObserveCaptcha("error")
		case !ok:
			h.Metrics.ObserveCaptcha("rejected")
		default:
			h.Metrics.ObserveCaptcha("passed")
			c.Next()
			return
		}

		reject(c)
		c.Abort()
	}
}

func (h *handler) captchaForbidden(c *gin.Context) {
	c.String(http.StatusForbidden, CaptchaFailedMessage)
}

func (h *handler) captchaFlash(c *gin.Context) {
	h.flash(c, "danger", CaptchaFailedMessage)
	c.Redirect(http.StatusFound, "/home")
}

func (h *handler) flash(c *gin.Context, category, message string) {
	if err := h.Sessions.AddFlash(c.Writer, c.Request, auth.Flash{Category: category, Message: message}); err != nil {
		h.logger.Warn("failed to store flash", zap.Error(err))
	}
}

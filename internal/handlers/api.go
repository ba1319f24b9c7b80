package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/retina-check/internal/auth"
	"github.com/example/retina-check/internal/imageprep"
	"github.com/example/retina-check/internal/logging"
	"github.com/example/retina-check/internal/usecase"
)

type tokenRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *handler) issueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	user, err := h.Accounts.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, usecase.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		h.Reporter.Report(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
		return
	}

	token, expires, err := h.Tokens.Issue(user.ID)
	if err != nil {
		logging.WithOperation(h.logger, "handlers.issue_token", requestID(c)).Error("failed to sign token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expires})
}

func (h *handler) apiClassify(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		if isBodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file is too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	src, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	userID, _ := auth.GetUserID(c.Request.Context())
	outcome, err := h.Classification.Classify(c.Request.Context(), userID, usecase.Upload{
		Filename: header.Filename,
		Body:     src,
	})
	if err != nil {
		status, message := apiUploadError(err)
		if status == http.StatusInternalServerError {
			h.Reporter.Report(err)
		}
		c.JSON(status, gin.H{"error": message})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id": outcome.RequestID,
		"label":      outcome.Label,
		"severity":   outcome.Severity,
		"confidence": outcome.Confidence,
		"image_path": outcome.ImagePath(),
	})
}

func apiUploadError(err error) (int, string) {
	switch {
	case errors.Is(err, usecase.ErrNoFile), errors.Is(err, usecase.ErrEmptyFile):
		return http.StatusBadRequest, "file is empty"
	case errors.Is(err, usecase.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, "file is too large"
	case errors.Is(err, usecase.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, "unsupported file type"
	case errors.Is(err, imageprep.ErrDecode):
		return http.StatusUnprocessableEntity, "image could not be decoded"
	default:
		return http.StatusInternalServerError, "classification failed"
	}
}

func (h *handler) apiResult(c *gin.Context) {
	userID, _ := auth.GetUserID(c.Request.Context())
	outcome, err := h.Classification.GetResult(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, usecase.ErrResultNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id": outcome.RequestID,
		"label":      outcome.Label,
		"severity":   outcome.Severity,
		"confidence": outcome.Confidence,
		"image_path": outcome.ImagePath(),
		"created_at": outcome.CreatedAt,
	})
}

func (h *handler) apiMetricsSummary(c *gin.Context) {
	summary, err := h.Metrics.Summary()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to gather metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

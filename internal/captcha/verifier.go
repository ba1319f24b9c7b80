// Package captcha verifies reCAPTCHA tokens against the provider's siteverify endpoint.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/retina-check/internal/config"
	"github.com/example/retina-check/internal/retry"
)

// DefaultVerifyURL is Google's reCAPTCHA v2 endpoint.
const DefaultVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

// ErrMissingToken is returned when the form carried no CAPTCHA response.
var ErrMissingToken = errors.New("captcha token missing")

// statusError is a non-200 answer from the provider. 5xx answers are retried.
type statusError struct {
	code int
}

func (e *statusError) Error() string   { return fmt.Sprintf("captcha provider returned %d", e.code) }
func (e *statusError) Temporary() bool { return e.code >= http.StatusInternalServerError }

type verifyResponse struct {
	Success    bool     `json:"success"`
	Hostname   string   `json:"hostname"`
	ErrorCodes []string `json:"error-codes"`
}

// Verifier checks CAPTCHA tokens. A zero secret disables verification.
type Verifier struct {
	client    *http.Client
	secret    string
	siteKey   string
	verifyURL string
	timeout   time.Duration
	policy    retry.Policy
	logger    *zap.Logger
}

// NewVerifier builds a Verifier from configuration. A nil client uses a default one.
func NewVerifier(cfg config.CaptchaConfig, client *http.Client, logger *zap.Logger) *Verifier {
	if client == nil {
		client = &http.Client{}
	}
	verifyURL := cfg.VerifyURL
	if verifyURL == "" {
		verifyURL = DefaultVerifyURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Verifier{
		client:    client,
		secret:    cfg.Secret,
		siteKey:   cfg.SiteKey,
		verifyURL: verifyURL,
		timeout:   timeout,
		policy:    retry.DefaultPolicy,
		logger:    logger.Named("captcha"),
	}
}

// Enabled reports whether tokens are checked at all.
func (v *Verifier) Enabled() bool {
	return v != nil && v.secret != ""
}

// SiteKey is the public key rendered into forms.
func (v *Verifier) SiteKey() string {
	if v == nil {
		return ""
	}
	return v.siteKey
}

// Verify asks the provider whether token is a solved challenge. Any failure to get a
// definite answer returns false, so callers fail closed.
func (v *Verifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	if !v.Enabled() {
		return true, nil
	}
	if strings.TrimSpace(token) == "" {
		return false, ErrMissingToken
	}

	var result verifyResponse
	err := retry.Do(ctx, v.policy, v.logger, "captcha.verify", "", func() error {
		var attemptErr error
		result, attemptErr = v.attempt(ctx, token, remoteIP)
		return attemptErr
	})
	if err != nil {
		return false, err
	}

	if !result.Success {
		v.logger.Info("captcha rejected", zap.Strings("error_codes", result.ErrorCodes))
	}
	return result.Success, nil
}

func (v *Verifier) attempt(ctx context.Context, token, remoteIP string) (verifyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return verifyResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return verifyResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return verifyResponse{}, &statusError{code: resp.StatusCode}
	}

	var out verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return verifyResponse{}, fmt.Errorf("decode captcha response: %w", err)
	}
	return out, nil
}

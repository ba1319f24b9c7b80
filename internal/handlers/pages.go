package handlers

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"go.uber.org/zap"

	"github.com/example/retina-check/internal/auth"
	"github.com/example/retina-check/internal/imageprep"
	"github.com/example/retina-check/internal/logging"
	"github.com/example/retina-check/internal/repository"
	"github.com/example/retina-check/internal/storage"
	"github.com/example/retina-check/internal/usecase"
)

// Flash texts shown by the pages.
const (
	MsgLoginSuccess       = "Login successful!"
	MsgInvalidCredentials = "Invalid credentials, please try again."
	MsgUsernameTaken      = "Username already exists. Choose a different one."
	MsgEmailTaken         = "Email already registered."
	MsgAccountCreated     = "Account created successfully! Please log in."
	MsgNoFile             = "No file uploaded!"
	MsgNoSelectedFile     = "No selected file!"
	MsgEmptyFile          = "The uploaded file is empty."
	MsgFileTooLarge       = "File is too large."
	MsgUnsupportedType    = "Unsupported file type."
	MsgUnreadableImage    = "Could not read the uploaded image."
	MsgClassifyFailed     = "Classification failed, please try again."
	MsgLoggedOut          = "Logged out successfully."
	msgSomethingWrong     = "Something went wrong, please try again."
)

type loginForm struct {
	Username string `form:"username" binding:"required"`
	Password string `form:"password" binding:"required"`
	Next     string `form:"next"`
}

type signupForm struct {
	Username        string `form:"username" binding:"required,notblank,max=100"`
	Email           string `form:"email" binding:"required,email,max=150"`
	Password        string `form:"password" binding:"required,max=72"`
	ConfirmPassword string `form:"confirm_password" binding:"required,eqfield=Password"`
}

var fieldLabels = map[string]string{
	"Username":        "Username",
	"Email":           "Email",
	"Password":        "Password",
	"ConfirmPassword": "Confirm Password",
}

// registerValidators adds the tags the forms use beyond the validator built-ins.
func registerValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil
	}
	return v.RegisterValidation("notblank", validators.NotBlank)
}

// render adds the values every page needs: flashes, CSRF token, CAPTCHA site key
// and the signed-in user.
func (h *handler) render(c *gin.Context, status int, page string, data gin.H) {
	if data == nil {
		data = gin.H{}
	}
	data["flashes"] = h.Sessions.Flashes(c.Writer, c.Request)
	data["csrf_token"] = auth.CSRFTokenFrom(c)
	data["captcha_enabled"] = h.Captcha.Enabled()
	data["site_key"] = h.Captcha.SiteKey()

	if user, ok := auth.CurrentUser(c); ok {
		data["user"] = user
	} else if id, ok := h.Sessions.Lookup(c.Request); ok {
		if user, err := h.Accounts.FindByID(c.Request.Context(), id); err == nil {
			data["user"] = user
		}
	}

	c.HTML(status, page, data)
}

func (h *handler) front(c *gin.Context) {
	h.render(c, http.StatusOK, "front.html", nil)
}

func (h *handler) about(c *gin.Context) {
	h.render(c, http.StatusOK, "about.html", nil)
}

func (h *handler) loginForm(c *gin.Context) {
	h.render(c, http.StatusOK, "login.html", gin.H{"next": c.Query("next")})
}

func (h *handler) login(c *gin.Context) {
	var form loginForm
	if err := c.ShouldBind(&form); err != nil {
		h.render(c, http.StatusOK, "login.html", gin.H{
			"username": form.Username,
			"next":     form.Next,
			"errors":   formErrors(err),
		})
		return
	}

	user, err := h.Accounts.Authenticate(c.Request.Context(), form.Username, form.Password)
	if err != nil {
		status := http.StatusOK
		if errors.Is(err, usecase.ErrInvalidCredentials) {
			h.flash(c, "danger", MsgInvalidCredentials)
		} else {
			h.Reporter.Report(err)
			h.flash(c, "danger", msgSomethingWrong)
			status = http.StatusInternalServerError
		}
		h.render(c, status, "login.html", gin.H{"username": form.Username, "next": form.Next})
		return
	}

	if err := h.Sessions.Bind(c.Writer, c.Request, user.ID); err != nil {
		logging.WithOperation(h.logger, "handlers.login", requestID(c)).Error("failed to bind session", zap.Error(err))
		c.String(http.StatusInternalServerError, msgSomethingWrong)
		return
	}

	h.flash(c, "success", MsgLoginSuccess)
	next := form.Next
	if next == "" {
		next = c.Query("next")
	}
	c.Redirect(http.StatusFound, safeNext(next))
}

func (h *handler) signupForm(c *gin.Context) {
	h.render(c, http.StatusOK, "signup.html", nil)
}

func (h *handler) signup(c *gin.Context) {
	var form signupForm
	bindErr := c.ShouldBind(&form)
	data := gin.H{"username": form.Username, "email": form.Email}
	if bindErr != nil {
		data["errors"] = formErrors(bindErr)
		h.render(c, http.StatusOK, "signup.html", data)
		return
	}

	_, err := h.Accounts.Signup(c.Request.Context(), usecase.SignupInput{
		Username: form.Username,
		Email:    form.Email,
		Password: form.Password,
	})
	switch {
	case err == nil:
		h.flash(c, "success", MsgAccountCreated)
		c.Redirect(http.StatusFound, "/login")
	case errors.Is(err, repository.ErrDuplicateUsername):
		h.flash(c, "danger", MsgUsernameTaken)
		h.render(c, http.StatusOK, "signup.html", data)
	case errors.Is(err, repository.ErrDuplicateEmail):
		h.flash(c, "danger", MsgEmailTaken)
		h.render(c, http.StatusOK, "signup.html", data)
	case errors.Is(err, usecase.ErrBlankUsername):
		data["errors"] = []string{"Username is required."}
		h.render(c, http.StatusOK, "signup.html", data)
	case errors.Is(err, auth.ErrPasswordTooLong):
		data["errors"] = []string{"Password must be at most 72 bytes."}
		h.render(c, http.StatusOK, "signup.html", data)
	default:
		logging.WithOperation(h.logger, "handlers.signup", requestID(c)).Error("signup failed", zap.Error(err))
		h.Reporter.Report(err)
		h.flash(c, "danger", msgSomethingWrong)
		h.render(c, http.StatusInternalServerError, "signup.html", data)
	}
}

func (h *handler) home(c *gin.Context) {
	h.render(c, http.StatusOK, "index.html", gin.H{"prediction": nil, "accuracy": nil})
}

// classify handles both upload routes. Every rejection flashes a message and sends
// the browser back to the form.
func (h *handler) classify(c *gin.Context) {
	opLogger := logging.WithOperation(h.logger, "handlers.classify", requestID(c))

	header, err := c.FormFile("file")
	if err != nil {
		switch {
		case errors.Is(err, http.ErrMissingFile) && hasEmptyFilePart(c.Request.MultipartForm):
			h.rejectUpload(c, "warning", MsgNoSelectedFile)
		case isBodyTooLarge(err):
			h.rejectUpload(c, "warning", MsgFileTooLarge)
		default:
			h.rejectUpload(c, "warning", MsgNoFile)
		}
		return
	}
	if strings.TrimSpace(header.Filename) == "" {
		h.rejectUpload(c, "warning", MsgNoSelectedFile)
		return
	}

	file, err := header.Open()
	if err != nil {
		opLogger.Error("failed to open upload", zap.Error(err))
		h.rejectUpload(c, "danger", MsgClassifyFailed)
		return
	}
	defer file.Close()

	userID, _ := auth.GetUserID(c.Request.Context())
	outcome, err := h.Classification.Classify(c.Request.Context(), userID, usecase.Upload{
		Filename: header.Filename,
		Body:     file,
	})
	if err != nil {
		category, message := uploadErrorMessage(err)
		if message == MsgClassifyFailed {
			h.Reporter.Report(err)
		}
		h.rejectUpload(c, category, message)
		return
	}

	h.render(c, http.StatusOK, "index.html", gin.H{
		"prediction": outcome.Label,
		"accuracy":   outcome.Confidence,
		"image_path": outcome.ImagePath(),
	})
}

func (h *handler) rejectUpload(c *gin.Context, category, message string) {
	h.flash(c, category, message)
	c.Redirect(http.StatusFound, "/home")
}

func uploadErrorMessage(err error) (string, string) {
	switch {
	case errors.Is(err, usecase.ErrNoFile):
		return "warning", MsgNoFile
	case errors.Is(err, usecase.ErrEmptyFile):
		return "warning", MsgEmptyFile
	case errors.Is(err, usecase.ErrFileTooLarge):
		return "warning", MsgFileTooLarge
	case errors.Is(err, usecase.ErrUnsupportedType):
		return "warning", MsgUnsupportedType
	case errors.Is(err, imageprep.ErrDecode):
		return "danger", MsgUnreadableImage
	default:
		return "danger", MsgClassifyFailed
	}
}

// hasEmptyFilePart reports whether the form had a file input with nothing chosen.
// Browsers send such a part with an empty filename, which the multipart reader
// files under values instead of files.
func hasEmptyFilePart(form *multipart.Form) bool {
	if form == nil {
		return false
	}
	_, ok := form.Value["file"]
	return ok
}

func isBodyTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge)
}

func (h *handler) serveUpload(c *gin.Context) {
	userID, _ := auth.GetUserID(c.Request.Context())
	rc, contentType, err := h.Classification.OpenImage(c.Request.Context(), userID, c.Param("key"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidKey) {
			c.Status(http.StatusNotFound)
			return
		}
		logging.WithOperation(h.logger, "handlers.serve_upload", requestID(c)).Error("failed to open upload", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, -1, contentType, rc, map[string]string{
		"Cache-Control":          "private, max-age=3600",
		"X-Content-Type-Options": "nosniff",
	})
}

func (h *handler) logout(c *gin.Context) {
	if err := h.Sessions.Clear(c.Writer, c.Request); err != nil {
		h.logger.Warn("failed to clear session", zap.Error(err))
	}
	h.flash(c, "info", MsgLoggedOut)
	c.Redirect(http.StatusFound, "/")
}

// safeNext keeps post-login redirects on this site.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, `\`) {
		return "/home"
	}
	return next
}

func formErrors(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{"Invalid form submission."}
	}

	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		label := fieldLabels[fe.Field()]
		if label == "" {
			label = fe.Field()
		}
		switch fe.Tag() {
		case "required", "notblank":
			out = append(out, fmt.Sprintf("%s is required.", label))
		case "email":
			out = append(out, "Invalid email address.")
		case "eqfield":
			out = append(out, "Passwords must match.")
		case "max":
			out = append(out, fmt.Sprintf("%s must be at most %s characters.", label, fe.Param()))
		default:
			out = append(out, fmt.Sprintf("%s is invalid.", label))
		}
	}
	return out
}

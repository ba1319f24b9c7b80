package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/retina-check/internal/classifier"
	"github.com/example/retina-check/internal/imageprep"
	"github.com/example/retina-check/internal/logging"
	"github.com/example/retina-check/internal/retry"
	"github.com/example/retina-check/internal/storage"
)

var (
	ErrNoFile          = errors.New("no file uploaded")
	ErrEmptyFile       = errors.New("uploaded file is empty")
	ErrFileTooLarge    = errors.New("uploaded file is too large")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrResultNotFound  = errors.New("classification result not found")
)

// resultTTL bounds how long a result can be fetched by id after the upload.
const resultTTL = 5 * time.Minute

var allowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/bmp",
	"image/tiff",
	"image/webp",
}

// ImageClassifier runs the model on an encoded image.
type ImageClassifier interface {
	ClassifyImage(ctx context.Context, r io.Reader) (*classifier.Result, error)
}

// Upload is a received file. Filename is only logged.
type Upload struct {
	Filename string
	Body     io.Reader
}

// Outcome is what the pages and the API render for one classification.
type Outcome struct {
	RequestID  string    `json:"request_id"`
	UserID     uint      `json:"user_id"`
	Label      string    `json:"label"`
	Severity   int       `json:"severity"`
	Confidence string    `json:"confidence"`
	ImageKey   string    `json:"image_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// ImagePath is the URL the stored upload is served from.
func (o *Outcome) ImagePath() string {
	return "/uploads/" + o.ImageKey
}

// ClassificationUseCase validates, stores and classifies uploads.
type ClassificationUseCase struct {
	classifier ImageClassifier
	store      storage.Store
	cache      Cache
	metrics    *Metrics
	maxSize    int64
	policy     retry.Policy
	logger     *zap.Logger
}

func NewClassificationUseCase(c ImageClassifier, store storage.Store, cache Cache, metrics *Metrics, maxSize int64, logger *zap.Logger) *ClassificationUseCase {
	return &ClassificationUseCase{
		classifier: c,
		store:      store,
		cache:      cache,
		metrics:    metrics,
		maxSize:    maxSize,
		policy:     retry.DefaultPolicy,
		logger:     logger.Named("classification_usecase"),
	}
}

// MaxSize is the largest accepted upload in bytes.
func (uc *ClassificationUseCase) MaxSize() int64 {
	return uc.maxSize
}

// Classify checks the upload, stores it under a fresh key and runs the model on it.
// Validation failures return one of the Err* sentinels before the model is touched.
func (uc *ClassificationUseCase) Classify(ctx context.Context, userID uint, upload Upload) (*Outcome, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", requestID).
		With(zap.Uint("user_id", userID), zap.String("filename", upload.Filename))

	if upload.Body == nil {
		uc.metrics.ObserveRejection("no_file")
		return nil, ErrNoFile
	}

	data, err := io.ReadAll(io.LimitReader(upload.Body, uc.maxSize+1))
	if err != nil {
		wrapped := logging.NewOperationError("usecase.read_upload", requestID, err)
		opLogger.Error("failed to read upload", zap.Error(wrapped))
		uc.metrics.ObserveRejection("read_error")
		return nil, wrapped
	}

	switch {
	case len(data) == 0:
		uc.metrics.ObserveRejection("empty")
		return nil, ErrEmptyFile
	case int64(len(data)) > uc.maxSize:
		uc.metrics.ObserveRejection("too_large")
		return nil, ErrFileTooLarge
	}

	mtype := mimetype.Detect(data)
	if !mimetype.EqualsAny(mtype.String(), allowedTypes...) {
		opLogger.Info("rejected upload", zap.String("content_type", mtype.String()))
		uc.metrics.ObserveRejection("unsupported_type")
		return nil, ErrUnsupportedType
	}

	key := storage.NewKey(userID, mtype.Extension())
	if err := uc.store.Save(ctx, key, bytes.NewReader(data), int64(len(data)), mtype.String()); err != nil {
		wrapped := logging.NewOperationError("usecase.store_upload", requestID, err)
		opLogger.Error("failed to store upload", zap.Error(wrapped))
		uc.metrics.ObserveRejection("storage")
		return nil, wrapped
	}

	start := time.Now()
	result, err := uc.classifier.ClassifyImage(ctx, bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, imageprep.ErrDecode) {
			opLogger.Info("upload could not be decoded", zap.Error(err))
			uc.metrics.ObserveRejection("decode")
			return nil, err
		}
		wrapped := logging.NewOperationError("usecase.classify_image", requestID, err)
		opLogger.Error("classification failed", zap.Error(wrapped))
		uc.metrics.ObserveRejection("classifier")
		return nil, wrapped
	}
	uc.metrics.ObserveClassification(result.Label, time.Since(start))

	outcome := &Outcome{
		RequestID:  requestID,
		UserID:     userID,
		Label:      result.Label,
		Severity:   int(result.Severity),
		Confidence: result.Confidence,
		ImageKey:   key,
		CreatedAt:  time.Now().UTC(),
	}

	// The result is already on screen; a cache outage only costs the API lookup.
	if err := uc.cacheOutcome(ctx, outcome); err != nil {
		opLogger.Warn("failed to cache classification result", zap.Error(err))
	}

	opLogger.Info("classification complete",
		zap.String("label", outcome.Label),
		zap.String("image_key", key))
	return outcome, nil
}

func resultKey(requestID string) string {
	return fmt.Sprintf("classification:%s", requestID)
}

func (uc *ClassificationUseCase) cacheOutcome(ctx context.Context, outcome *Outcome) error {
	serialized, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	return retry.Do(ctx, uc.policy, uc.logger, "cache.set.result", outcome.RequestID, func() error {
		return uc.cache.Set(ctx, resultKey(outcome.RequestID), string(serialized), resultTTL)
	})
}

// GetResult returns a recent outcome owned by userID.
func (uc *ClassificationUseCase) GetResult(ctx context.Context, userID uint, requestID string) (*Outcome, error) {
	var (
		cached string
		miss   bool
	)
	err := retry.Do(ctx, uc.policy, uc.logger, "cache.get.result", requestID, func() error {
		value, err := uc.cache.Get(ctx, resultKey(requestID))
		if errors.Is(err, ErrCacheMiss) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	if miss {
		return nil, ErrResultNotFound
	}

	var outcome Outcome
	if err := json.Unmarshal([]byte(cached), &outcome); err != nil {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached result", zap.Error(err))
		return nil, ErrResultNotFound
	}
	if outcome.UserID != userID {
		return nil, ErrResultNotFound
	}
	return &outcome, nil
}

// OpenImage streams a stored upload owned by userID along with its content type.
// Keys issued to other users report storage.ErrNotFound.
func (uc *ClassificationUseCase) OpenImage(ctx context.Context, userID uint, key string) (io.ReadCloser, string, error) {
	owner, err := storage.KeyOwner(key)
	if err != nil {
		return nil, "", err
	}
	if owner != userID {
		return nil, "", storage.ErrNotFound
	}

	rc, err := uc.store.Open(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return rc, contentTypeForKey(key), nil
}

func contentTypeForKey(key string) string {
	for _, t := range allowedTypes {
		if m := mimetype.Lookup(t); m != nil && m.Extension() != "" && strings.HasSuffix(key, m.Extension()) {
			return t
		}
	}
	return "application/octet-stream"
}

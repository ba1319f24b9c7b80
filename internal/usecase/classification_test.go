package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/retina-check/internal/classifier"
	"github.com/example/retina-check/internal/imageprep"
	"github.com/example/retina-check/internal/logging"
	"github.com/example/retina-check/internal/storage"
)

type stubCache struct {
	setErrs []error
	getErrs []error
	values  map[string]string
	setKeys []string
	getKeys []string
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string]string{}}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	s.values[key] = fmt.Sprint(value)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		if err != nil {
			return "", err
		}
	}
	v, ok := s.values[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

type stubClassifier struct {
	result *classifier.Result
	err    error
	calls  int
}

func (s *stubClassifier) ClassifyImage(ctx context.Context, r io.Reader) (*classifier.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type memoryStore struct {
	saved   map[string][]byte
	saveErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{saved: map[string][]byte{}}
}

func (m *memoryStore) Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.saved[key] = data
	return nil
}

func (m *memoryStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.saved[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type transientCacheError struct{}

func (transientCacheError) Error() string   { return "cache transient" }
func (transientCacheError) Timeout() bool   { return true }
func (transientCacheError) Temporary() bool { return true }

func fundusPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: 180, G: 60, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func mildResult() *classifier.Result {
	return &classifier.Result{Severity: classifier.Mild, Label: "Mild", Confidence: "24.51"}
}

func TestClassifyStoresAndCachesResult(t *testing.T) {
	cache := newStubCache()
	store := newMemoryStore()
	model := &stubClassifier{result: mildResult()}
	metrics := NewMetrics()
	uc := NewClassificationUseCase(model, store, cache, metrics, 1<<20, zap.NewNop())

	outcome, err := uc.Classify(context.Background(), 7, Upload{Filename: "eye.png", Body: bytes.NewReader(fundusPNG(t))})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if outcome.Label != "Mild" || outcome.Confidence != "24.51" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if !strings.HasSuffix(outcome.ImageKey, ".png") {
		t.Fatalf("expected png key, got %s", outcome.ImageKey)
	}
	if outcome.ImagePath() != "/uploads/"+outcome.ImageKey {
		t.Fatalf("unexpected image path %s", outcome.ImagePath())
	}
	if _, ok := store.saved[outcome.ImageKey]; !ok {
		t.Fatal("expected upload to be stored under its key")
	}
	if len(cache.setKeys) != 1 || cache.setKeys[0] != resultKey(outcome.RequestID) {
		t.Fatalf("unexpected cache writes: %v", cache.setKeys)
	}

	summary, err := metrics.Summary()
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.ByLabel["Mild"] != 1 || summary.SuccessfulRequests != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestClassifyRejectsBeforeTouchingModel(t *testing.T) {
	tests := []struct {
		name string
		body io.Reader
		want error
	}{
		{name: "no file", body: nil, want: ErrNoFile},
		{name: "empty", body: bytes.NewReader(nil), want: ErrEmptyFile},
		{name: "too large", body: bytes.NewReader(make([]byte, 2048)), want: ErrFileTooLarge},
		{name: "not an image", body: strings.NewReader("%PDF-1.4 not an image"), want: ErrUnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &stubClassifier{result: mildResult()}
			store := newMemoryStore()
			uc := NewClassificationUseCase(model, store, newStubCache(), nil, 1024, zap.NewNop())

			_, err := uc.Classify(context.Background(), 1, Upload{Filename: "x", Body: tt.body})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if model.calls != 0 {
				t.Fatalf("classifier must not run, ran %d times", model.calls)
			}
			if len(store.saved) != 0 {
				t.Fatalf("nothing should be stored, got %d", len(store.saved))
			}
		})
	}
}

func TestClassifyAcceptsExactlyMaxSize(t *testing.T) {
	data := fundusPNG(t)
	uc := NewClassificationUseCase(&stubClassifier{result: mildResult()}, newMemoryStore(), newStubCache(), nil, int64(len(data)), zap.NewNop())

	if _, err := uc.Classify(context.Background(), 1, Upload{Body: bytes.NewReader(data)}); err != nil {
		t.Fatalf("expected success at the size limit, got %v", err)
	}
}

func TestClassifyPassesDecodeErrorThrough(t *testing.T) {
	decodeErr := fmt.Errorf("%w: truncated", imageprep.ErrDecode)
	uc := NewClassificationUseCase(&stubClassifier{err: decodeErr}, newMemoryStore(), newStubCache(), nil, 1<<20, zap.NewNop())

	_, err := uc.Classify(context.Background(), 1, Upload{Body: bytes.NewReader(fundusPNG(t))})
	if !errors.Is(err, imageprep.ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestClassifyWrapsModelFailure(t *testing.T) {
	uc := NewClassificationUseCase(&stubClassifier{err: errors.New("interpreter crashed")}, newMemoryStore(), newStubCache(), nil, 1<<20, zap.NewNop())

	_, err := uc.Classify(context.Background(), 1, Upload{Body: bytes.NewReader(fundusPNG(t))})
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "usecase.classify_image" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

func TestClassifyWrapsStorageFailure(t *testing.T) {
	store := newMemoryStore()
	store.saveErr = errors.New("disk full")
	model := &stubClassifier{result: mildResult()}
	uc := NewClassificationUseCase(model, store, newStubCache(), nil, 1<<20, zap.NewNop())

	_, err := uc.Classify(context.Background(), 1, Upload{Body: bytes.NewReader(fundusPNG(t))})
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.store_upload" {
		t.Fatalf("expected store_upload OperationError, got %v", err)
	}
	if model.calls != 0 {
		t.Fatal("classifier must not run when storing fails")
	}
}

func TestClassifyRetriesCacheSet(t *testing.T) {
	cache := newStubCache()
	cache.setErrs = []error{transientCacheError{}}
	uc := NewClassificationUseCase(&stubClassifier{result: mildResult()}, newMemoryStore(), cache, nil, 1<<20, zap.NewNop())

	outcome, err := uc.Classify(context.Background(), 1, Upload{Body: bytes.NewReader(fundusPNG(t))})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(cache.setKeys) != 2 || cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected one retry on the same key, got %v", cache.setKeys)
	}
	if _, err := uc.GetResult(context.Background(), 1, outcome.RequestID); err != nil {
		t.Fatalf("expected cached result, got %v", err)
	}
}

func TestClassifySurvivesCacheOutage(t *testing.T) {
	cache := newStubCache()
	cache.setErrs = []error{errors.New("connection refused")}
	uc := NewClassificationUseCase(&stubClassifier{result: mildResult()}, newMemoryStore(), cache, nil, 1<<20, zap.NewNop())

	outcome, err := uc.Classify(context.Background(), 1, Upload{Body: bytes.NewReader(fundusPNG(t))})
	if err != nil {
		t.Fatalf("cache failure must not fail the classification: %v", err)
	}
	if _, err := uc.GetResult(context.Background(), 1, outcome.RequestID); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetResultIsScopedToOwner(t *testing.T) {
	uc := NewClassificationUseCase(&stubClassifier{result: mildResult()}, newMemoryStore(), NewMemoryCache(), nil, 1<<20, zap.NewNop())

	outcome, err := uc.Classify(context.Background(), 3, Upload{Body: bytes.NewReader(fundusPNG(t))})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}

	got, err := uc.GetResult(context.Background(), 3, outcome.RequestID)
	if err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	if got.Label != "Mild" || got.ImageKey != outcome.ImageKey {
		t.Fatalf("unexpected result %+v", got)
	}

	if _, err := uc.GetResult(context.Background(), 4, outcome.RequestID); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected other users to get not found, got %v", err)
	}
	if _, err := uc.GetResult(context.Background(), 3, "missing"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected not found for unknown id, got %v", err)
	}
}

func TestGetResultMissIsNotLoggedAsFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	uc := NewClassificationUseCase(&stubClassifier{result: mildResult()}, newMemoryStore(), NewMemoryCache(), nil, 1<<20, zap.New(core))

	if _, err := uc.GetResult(context.Background(), 1, "expired"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no warnings or errors for a cache miss, got %v", logs.All())
	}
}

func TestOpenImageReportsContentType(t *testing.T) {
	store := newMemoryStore()
	uc := NewClassificationUseCase(&stubClassifier{result: mildResult()}, store, newStubCache(), nil, 1<<20, zap.NewNop())

	outcome, err := uc.Classify(context.Background(), 1, Upload{Body: bytes.NewReader(fundusPNG(t))})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}

	if !strings.HasPrefix(outcome.ImageKey, "1-") {
		t.Fatalf("expected key owned by user 1, got %s", outcome.ImageKey)
	}

	rc, contentType, err := uc.OpenImage(context.Background(), 1, outcome.ImageKey)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rc.Close()
	if contentType != "image/png" {
		t.Fatalf("expected image/png, got %s", contentType)
	}

	if _, _, err := uc.OpenImage(context.Background(), 1, storage.NewKey(1, ".png")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, _, err := uc.OpenImage(context.Background(), 2, outcome.ImageKey); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected other users to get not found, got %v", err)
	}
	if _, _, err := uc.OpenImage(context.Background(), 1, "../"+outcome.ImageKey); !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
}

func TestMemoryCacheMiss(t *testing.T) {
	c := NewMemoryCache()
	if _, err := c.Get(context.Background(), "nope"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	if err := c.Set(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, err := c.Get(context.Background(), "k"); err != nil || v != "v" {
		t.Fatalf("expected v, got %q %v", v, err)
	}
}

func TestMetricsSummaryCountsRejections(t *testing.T) {
	m := NewMetrics()
	m.ObserveClassification("Severe", 20*time.Millisecond)
	m.ObserveRejection("empty")
	m.ObserveRejection("empty")
	m.ObserveRejection("decode")

	summary, err := m.Summary()
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalRequests != 4 || summary.SuccessfulRequests != 1 {
		t.Fatalf("unexpected totals: %+v", summary)
	}
	if summary.Rejections["empty"] != 2 {
		t.Fatalf("expected 2 empty rejections, got %d", summary.Rejections["empty"])
	}
	if summary.SuccessRate != 0.25 {
		t.Fatalf("expected success rate 0.25, got %v", summary.SuccessRate)
	}
	if summary.AverageProcessingMs < 19 || summary.AverageProcessingMs > 21 {
		t.Fatalf("unexpected average latency %v", summary.AverageProcessingMs)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveRejection("ignored")
}

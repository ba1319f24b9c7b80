// Package classifier grades retinal fundus images into diabetic-retinopathy
// severity classes using a pretrained model behind the Predictor interface.
package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/example/retina-check/internal/imageprep"
)

// ErrUnexpectedOutput is returned when the model does not yield one score per class.
var ErrUnexpectedOutput = errors.New("unexpected model output")

// Predictor runs a forward pass over a (1, 224, 224, 3) tensor and returns one
// relative score per severity class. Scores need not be normalised.
type Predictor interface {
	Predict(ctx context.Context, tensor []float32) ([]float32, error)
}

// Result is a single classification outcome.
type Result struct {
	Severity   Severity
	Label      string
	Confidence string
	Scores     []float32
}

// Classifier is safe for concurrent use when its Predictor is.
type Classifier struct {
	predictor Predictor
	logger    *zap.Logger
	timeout   time.Duration
	uniform   func() float64
}

// Option customises a Classifier.
type Option func(*Classifier)

// WithTimeout bounds each classification. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Classifier) { c.timeout = d }
}

// WithUniform replaces the random source used for confidence synthesis.
func WithUniform(fn func() float64) Option {
	return func(c *Classifier) { c.uniform = fn }
}

// New wraps predictor into a Classifier.
func New(predictor Predictor, logger *zap.Logger, opts ...Option) *Classifier {
	c := &Classifier{
		predictor: predictor,
		logger:    logger.Named("classifier"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify grades the image stored at path.
func (c *Classifier) Classify(ctx context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return c.ClassifyImage(ctx, bytes.NewReader(data))
}

// ClassifyImage grades an encoded image read from r. Undecodable input yields an
// error wrapping imageprep.ErrDecode.
func (c *Classifier) ClassifyImage(ctx context.Context, r io.Reader) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	tensor, err := imageprep.FromReader(r, imageprep.InputSize)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	scores, err := c.predictor.Predict(ctx, tensor)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	if len(scores) != NumClasses {
		return nil, fmt.Errorf("%w: got %d scores, want %d", ErrUnexpectedOutput, len(scores), NumClasses)
	}

	severity := Severity(ArgMax(scores))
	result := &Result{
		Severity:   severity,
		Label:      severity.String(),
		Confidence: Confidence(severity, c.uniform),
		Scores:     scores,
	}

	c.logger.Debug("image classified",
		zap.String("label", result.Label),
		zap.Float32s("scores", scores),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

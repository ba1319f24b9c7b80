package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/retina-check/internal/imageprep"
	"github.com/example/retina-check/internal/logging"
)

// Output file names written into Options.OutDir.
const (
	TrainImagesFile = "X_train.npy"
	ValImagesFile   = "X_val.npy"
	TrainLabelsFile = "y_train.npy"
	ValLabelsFile   = "y_val.npy"
)

// Options configures a preparation run.
type Options struct {
	LabelsPath string
	ImagesDir  string
	OutDir     string
	ValRatio   float64
	Seed       uint64
	Workers    int
	Size       int
	Ext        string
}

// DefaultOptions mirrors the layout of the training dataset on disk.
func DefaultOptions() Options {
	return Options{
		LabelsPath: filepath.Join("dataset", "train.csv"),
		ImagesDir:  filepath.Join("dataset", "train_images"),
		OutDir:     ".",
		ValRatio:   0.2,
		Seed:       42,
		Workers:    runtime.NumCPU(),
		Size:       imageprep.InputSize,
		Ext:        ".png",
	}
}

// Summary reports what a run did.
type Summary struct {
	Total   int
	Loaded  int
	Skipped int
	Train   int
	Val     int
}

type sample struct {
	label  Label
	path   string
	tensor []float32
}

// Prepare reads the label table, loads every image that exists on disk, splits the
// samples and writes the four arrays. Rows without an image are skipped. Any image
// that fails to decode aborts the run.
func Prepare(ctx context.Context, opts Options, logger *zap.Logger) (*Summary, error) {
	log := logging.WithOperation(logger, "dataset.prepare", "")
	start := time.Now()

	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid image size %d", opts.Size)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}

	labels, err := ReadLabelsFile(opts.LabelsPath)
	if err != nil {
		return nil, err
	}

	samples := make([]sample, 0, len(labels))
	for _, l := range labels {
		path := filepath.Join(opts.ImagesDir, l.ID+opts.Ext)
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				log.Debug("image missing, skipping row", zap.String("id", l.ID))
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		samples = append(samples, sample{label: l, path: path})
	}

	summary := &Summary{
		Total:   len(labels),
		Loaded:  len(samples),
		Skipped: len(labels) - len(samples),
	}
	if summary.Skipped > 0 {
		log.Warn("rows without images were skipped", zap.Int("skipped", summary.Skipped))
	}

	if err := loadTensors(ctx, samples, opts.Size, opts.Workers); err != nil {
		return nil, err
	}

	part, err := Split(len(samples), opts.ValRatio, opts.Seed)
	if err != nil {
		return nil, err
	}
	summary.Train = len(part.Train)
	summary.Val = len(part.Val)

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := writeSide(opts.OutDir, TrainImagesFile, TrainLabelsFile, samples, part.Train, opts.Size); err != nil {
		return nil, err
	}
	if err := writeSide(opts.OutDir, ValImagesFile, ValLabelsFile, samples, part.Val, opts.Size); err != nil {
		return nil, err
	}

	log.Info("dataset prepared",
		zap.Int("total", summary.Total),
		zap.Int("loaded", summary.Loaded),
		zap.Int("skipped", summary.Skipped),
		zap.Int("train", summary.Train),
		zap.Int("val", summary.Val),
		zap.Duration("elapsed", time.Since(start)),
	)
	return summary, nil
}

// loadTensors fills samples[i].tensor using at most workers goroutines.
func loadTensors(ctx context.Context, samples []sample, size, workers int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range samples {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tensor, err := imageprep.FromFile(samples[i].path, size)
			if err != nil {
				return fmt.Errorf("load %s: %w", samples[i].path, err)
			}
			samples[i].tensor = tensor
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func writeSide(dir, imagesFile, labelsFile string, samples []sample, idx []int, size int) error {
	tensors := make([][]float32, len(idx))
	diagnoses := make([]int64, len(idx))
	for i, j := range idx {
		tensors[i] = samples[j].tensor
		diagnoses[i] = samples[j].label.Diagnosis
	}

	err := writeFile(filepath.Join(dir, imagesFile), func(w io.Writer) error {
		return WriteFloat32(w, tensors, size, size, imageprep.Channels)
	})
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, labelsFile), func(w io.Writer) error {
		return WriteInt64(w, diagnoses)
	})
}

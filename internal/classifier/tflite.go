package classifier

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	tflite "github.com/tphakala/go-tflite"
	"go.uber.org/zap"

	"github.com/example/retina-check/internal/imageprep"
)

// TFLitePredictor runs the model in-process. The interpreter is not reentrant, so
// calls are serialised.
type TFLitePredictor struct {
	mu          sync.Mutex
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter
	logger      *zap.Logger
}

// LoadTFLite reads the model artifact at path and prepares an interpreter. It fails
// when the file is missing, is not a TensorFlow Lite model, or does not take a
// (1, 224, 224, 3) float input and produce one score per severity class.
func LoadTFLite(path string, threads int, logger *zap.Logger) (*TFLitePredictor, error) {
	log := logger.Named("tflite")
	start := time.Now()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", path, err)
	}

	model := tflite.NewModel(data)
	if model == nil {
		return nil, fmt.Errorf("cannot load TensorFlow Lite model %s", path)
	}

	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	options := tflite.NewInterpreterOptions()
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, _ interface{}) {
		log.Error("TFLite error", zap.String("message", msg))
	}, nil)

	p := &TFLitePredictor{model: model, options: options, logger: log}

	p.interpreter = tflite.NewInterpreter(model, options)
	if p.interpreter == nil {
		p.Close()
		return nil, fmt.Errorf("cannot create interpreter")
	}
	if status := p.interpreter.AllocateTensors(); status != tflite.OK {
		p.Close()
		return nil, fmt.Errorf("tensor allocation failed: %v", status)
	}
	if err := p.validate(); err != nil {
		p.Close()
		return nil, err
	}

	log.Info("model loaded",
		zap.String("path", path),
		zap.Int("threads", threads),
		zap.Int("size_bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)))
	return p, nil
}

func (p *TFLitePredictor) validate() error {
	input := p.interpreter.GetInputTensor(0)
	if input == nil {
		return fmt.Errorf("cannot get input tensor")
	}
	if input.Type() != tflite.Float32 {
		return fmt.Errorf("input tensor type %v, want float32", input.Type())
	}
	want := []int{1, imageprep.InputSize, imageprep.InputSize, imageprep.Channels}
	if input.NumDims() != len(want) {
		return fmt.Errorf("input tensor has %d dims, want %d", input.NumDims(), len(want))
	}
	for i, d := range want {
		if input.Dim(i) != d {
			return fmt.Errorf("input dim %d is %d, want %d", i, input.Dim(i), d)
		}
	}

	output := p.interpreter.GetOutputTensor(0)
	if output == nil {
		return fmt.Errorf("cannot get output tensor")
	}
	if n := output.Dim(output.NumDims() - 1); n != NumClasses {
		return fmt.Errorf("%w: model has %d outputs, want %d", ErrUnexpectedOutput, n, NumClasses)
	}
	return nil
}

// Predict implements Predictor. It returns ctx.Err() if the deadline passes first;
// the interpreter finishes the running invoke in the background.
func (p *TFLitePredictor) Predict(ctx context.Context, tensor []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type outcome struct {
		scores []float32
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		scores, err := p.invoke(tensor)
		done <- outcome{scores: scores, err: err}
	}()

	select {
	case <-ctx.Done():
		p.logger.Warn("prediction abandoned", zap.Error(ctx.Err()))
		return nil, ctx.Err()
	case o := <-done:
		return o.scores, o.err
	}
}

func (p *TFLitePredictor) invoke(tensor []float32) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.interpreter == nil {
		return nil, fmt.Errorf("interpreter closed")
	}

	input := p.interpreter.GetInputTensor(0)
	if input == nil {
		return nil, fmt.Errorf("cannot get input tensor")
	}
	dst := input.Float32s()
	if len(dst) != len(tensor) {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(tensor), len(dst))
	}
	copy(dst, tensor)

	if status := p.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("tensor invoke failed: %v", status)
	}

	output := p.interpreter.GetOutputTensor(0)
	scores := make([]float32, output.Dim(output.NumDims()-1))
	copy(scores, output.Float32s())
	return scores, nil
}

// Close releases the native interpreter resources.
func (p *TFLitePredictor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.interpreter != nil {
		p.interpreter.Delete()
		p.interpreter = nil
	}
	if p.options != nil {
		p.options.Delete()
		p.options = nil
	}
	if p.model != nil {
		p.model.Delete()
		p.model = nil
	}
}

// Package onnx runs a noise-prediction network exported to ONNX through
// ONNX Runtime, implementing diffusion.Denoiser. The graph is expected
// to take a float32 sample tensor and an int64 timestep batch, plus an
// optional third conditioning input, and to produce one output of the
// sample's shape.
package onnx

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"spritegen/tensor"
)

// Config locates the model and the ONNX Runtime shared library.
type Config struct {
	// ModelPath is the .onnx graph to load.
	ModelPath string

	// LibraryPath points at libonnxruntime. Empty means autodetect
	// from common install locations.
	LibraryPath string

	// Threads caps intra-op parallelism. Zero leaves ORT's default.
	Threads int
}

// Denoiser is an ONNX Runtime session behind the diffusion.Denoiser
// interface. Run is internally serialized, so a Denoiser is safe for
// concurrent use by multiple samplers.
type Denoiser struct {
	session    *ort.DynamicAdvancedSession
	inputNames []string
	outputs    int

	mu sync.Mutex
}

// commonLibraryPaths is searched when Config.LibraryPath is empty.
var commonLibraryPaths = []string{
	"/usr/local/lib/libonnxruntime.dylib",
	"/opt/homebrew/lib/libonnxruntime.dylib",
	"/usr/lib/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.so",
}

func findLibrary() string {
	for _, c := range commonLibraryPaths {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// New loads the graph and builds an inference session.
func New(cfg Config) (*Denoiser, error) {
	lib := cfg.LibraryPath
	if lib == "" {
		lib = findLibrary()
	}
	if lib == "" {
		return nil, fmt.Errorf("onnx: libonnxruntime not found; set Config.LibraryPath")
	}
	ort.SetSharedLibraryPath(lib)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("onnx: environment init: %w", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("onnx: session options: %w", err)
	}
	defer opts.Destroy()
	opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll)
	if cfg.Threads > 0 {
		opts.SetIntraOpNumThreads(cfg.Threads)
		opts.SetInterOpNumThreads(1)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("onnx: model info for %s: %w", cfg.ModelPath, err)
	}
	if len(inputs) != 2 && len(inputs) != 3 {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("onnx: model %s declares %d inputs, want sample+timestep[+cond]", cfg.ModelPath, len(inputs))
	}

	inNames := make([]string, len(inputs))
	for i, in := range inputs {
		inNames[i] = in.Name
	}
	outNames := make([]string, len(outputs))
	for i, out := range outputs {
		outNames[i] = out.Name
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inNames, outNames, opts)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("onnx: session: %w", err)
	}

	return &Denoiser{
		session:    session,
		inputNames: inNames,
		outputs:    len(outNames),
	}, nil
}

// Denoise runs one forward pass. cond must be non-nil exactly when the
// graph declares a conditioning input.
func (d *Denoiser) Denoise(xt *tensor.Tensor, t []int, cond *tensor.Tensor) (*tensor.Tensor, error) {
	wantCond := len(d.inputNames) == 3
	if wantCond != (cond != nil) {
		return nil, fmt.Errorf("onnx: model takes %d inputs but cond present = %v", len(d.inputNames), cond != nil)
	}

	sampleTensor, err := ort.NewTensor(shapeOf(xt), xt.Data)
	if err != nil {
		return nil, fmt.Errorf("onnx: sample tensor: %w", err)
	}
	defer sampleTensor.Destroy()

	steps := make([]int64, len(t))
	for i, ti := range t {
		steps[i] = int64(ti)
	}
	stepTensor, err := ort.NewTensor(ort.NewShape(int64(len(steps))), steps)
	if err != nil {
		return nil, fmt.Errorf("onnx: timestep tensor: %w", err)
	}
	defer stepTensor.Destroy()

	inputs := []ort.Value{sampleTensor, stepTensor}
	if cond != nil {
		condTensor, err := ort.NewTensor(shapeOf(cond), cond.Data)
		if err != nil {
			return nil, fmt.Errorf("onnx: cond tensor: %w", err)
		}
		defer condTensor.Destroy()
		inputs = append(inputs, condTensor)
	}

	// Run with nil outputs — ORT allocates them.
	outputs := make([]ort.Value, d.outputs)

	d.mu.Lock()
	err = d.session.Run(inputs, outputs)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx: run: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnx: unsupported output tensor type %T, want float32", outputs[0])
	}
	src := out.GetData()
	data := make([]float32, len(src))
	copy(data, src)
	return tensor.From(data, append([]int{}, xt.Shape...)), nil
}

// Close tears down the session and the ORT environment.
func (d *Denoiser) Close() error {
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	return ort.DestroyEnvironment()
}

func shapeOf(t *tensor.Tensor) ort.Shape {
	dims := make([]int64, len(t.Shape))
	for i, s := range t.Shape {
		dims[i] = int64(s)
	}
	return ort.NewShape(dims...)
}

package policy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/softcane/canary-pilot/internal/env"
)

// onnxInputName and onnxOutputName are the exported graph tensor names the
// trainer is required to use.
const (
	onnxInputName  = "state"
	onnxOutputName = "q_values"
)

// ONNXPolicy evaluates a Q-network exported to ONNX. The graph contract is
// a single input "state" of shape [1,4] float32 and a single output
// "q_values" whose last dimension is the action count; the contract is
// probed at load time so a mismatched export fails fast instead of during
// an episode.
type ONNXPolicy struct {
	mu     sync.Mutex
	model  *onnxModel
	logger *slog.Logger
}

// NewONNXPolicy loads a model and verifies its tensor contract.
func NewONNXPolicy(path string, logger *slog.Logger) (*ONNXPolicy, error) {
	if logger == nil {
		logger = slog.Default()
	}

	setSharedLibraryPath()
	if err := ort.InitializeEnvironment(); err != nil {
		logger.Warn("ONNX Runtime already initialized or failed", "error", err)
	}

	model, err := newONNXModel(path, []string{onnxInputName}, []string{onnxOutputName})
	if err != nil {
		return nil, fmt.Errorf("load policy model: %w", err)
	}

	p := &ONNXPolicy{model: model, logger: logger}
	if err := p.verifyContract(); err != nil {
		model.close()
		return nil, err
	}
	return p, nil
}

// Decide runs one greedy inference.
func (p *ONNXPolicy) Decide(state env.State) (Decision, error) {
	q, err := p.qValues(state)
	if err != nil {
		return Decision{Action: env.ActionHold}, err
	}
	return Decision{Action: greedy(q), QValues: q}, nil
}

func (p *ONNXPolicy) qValues(state env.State) ([env.ActionCount]float64, error) {
	var q [env.ActionCount]float64

	p.mu.Lock()
	defer p.mu.Unlock()

	features := state.Features()
	input, err := ort.NewTensor(ort.NewShape(1, int64(len(features))), features[:])
	if err != nil {
		return q, fmt.Errorf("create state tensor: %w", err)
	}
	defer input.Destroy()

	outputs, err := p.model.predict(map[string]*ort.Tensor[float32]{onnxInputName: input})
	if err != nil {
		return q, fmt.Errorf("policy inference failed: %w", err)
	}
	defer destroyTensorMap(outputs)

	data := outputs[onnxOutputName].GetData()
	if len(data) < env.ActionCount {
		return q, fmt.Errorf("q_values output has %d values, want %d", len(data), env.ActionCount)
	}
	for i := 0; i < env.ActionCount; i++ {
		q[i] = float64(data[i])
	}
	return q, nil
}

// verifyContract runs a probe state through the model and checks the
// output shape.
func (p *ONNXPolicy) verifyContract() error {
	probe := env.State{ErrorRate: 0.01, LatencyRatio: 0.6, Weight: 50, Progress: 0.5}

	p.mu.Lock()
	defer p.mu.Unlock()

	features := probe.Features()
	input, err := ort.NewTensor(ort.NewShape(1, int64(len(features))), features[:])
	if err != nil {
		return fmt.Errorf("create contract tensor: %w", err)
	}
	defer input.Destroy()

	outputs, err := p.model.predict(map[string]*ort.Tensor[float32]{onnxInputName: input})
	if err != nil {
		return fmt.Errorf("model contract check failed: %w", err)
	}
	defer destroyTensorMap(outputs)

	out, ok := outputs[onnxOutputName]
	if !ok || out == nil {
		return fmt.Errorf("model contract check failed: missing %s output", onnxOutputName)
	}
	shape := out.GetShape()
	if len(shape) == 0 || shape[len(shape)-1] != env.ActionCount {
		return fmt.Errorf("model contract check failed: expected %s last dimension=%d, got shape=%v",
			onnxOutputName, env.ActionCount, shape)
	}
	return nil
}

// Close releases model resources.
func (p *ONNXPolicy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		p.model.close()
		p.model = nil
	}
}

// onnxModel wraps a dynamic session with named inputs and outputs.
type onnxModel struct {
	session *ort.DynamicAdvancedSession
	inputs  []string
	outputs []string
}

func newONNXModel(path string, inputNames, outputNames []string) (*onnxModel, error) {
	session, err := ort.NewDynamicAdvancedSession(path, inputNames, outputNames, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &onnxModel{session: session, inputs: inputNames, outputs: outputNames}, nil
}

func (m *onnxModel) predict(input map[string]*ort.Tensor[float32]) (map[string]*ort.Tensor[float32], error) {
	inputValues := make([]ort.Value, len(m.inputs))
	for i, name := range m.inputs {
		tensor, ok := input[name]
		if !ok {
			return nil, fmt.Errorf("missing input: %s", name)
		}
		inputValues[i] = tensor
	}

	outputValues := make([]ort.Value, len(m.outputs))
	if err := m.session.Run(inputValues, outputValues); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	result := make(map[string]*ort.Tensor[float32])
	for i, name := range m.outputs {
		t, ok := outputValues[i].(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("unexpected output type for %s", name)
		}
		result[name] = t
	}
	return result, nil
}

func (m *onnxModel) close() {
	if m.session != nil {
		m.session.Destroy()
	}
}

func destroyTensorMap(tensors map[string]*ort.Tensor[float32]) {
	for _, tensor := range tensors {
		if tensor != nil {
			tensor.Destroy()
		}
	}
}

// setSharedLibraryPath points the runtime at the first ONNX Runtime shared
// library it can find. CANARYPILOT_ONNX_LIB may name the library file or a
// directory containing it.
func setSharedLibraryPath() {
	var candidates []string
	if p := os.Getenv("CANARYPILOT_ONNX_LIB"); p != "" {
		candidates = appendSharedLibraryCandidates(candidates, p)
	}
	for _, dir := range []string{"/usr/lib", "/usr/local/lib", "/usr/lib/x86_64-linux-gnu"} {
		candidates = appendSharedLibraryCandidates(candidates, dir)
	}

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			ort.SetSharedLibraryPath(c)
			return
		}
	}
}

// appendSharedLibraryCandidates expands path into concrete library file
// candidates. A file path is taken as-is; a directory is scanned for
// libonnxruntime variants, versioned names first.
func appendSharedLibraryCandidates(candidates []string, path string) []string {
	info, err := os.Stat(path)
	if err != nil {
		return candidates
	}
	if !info.IsDir() {
		return append(candidates, path)
	}

	matches, err := filepath.Glob(filepath.Join(path, "libonnxruntime.so.*"))
	if err == nil {
		candidates = append(candidates, matches...)
	}
	return append(candidates, filepath.Join(path, "libonnxruntime.so"))
}

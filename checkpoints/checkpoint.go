package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/tsawler/go-advtext/nn"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX                  // export only
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *nn.Spec      `json:"model_spec"`
	Weights   []WeightTensor `json:"weights"`

	// Training state, only carried by the classifier's resume bundle
	TrainingState *TrainingState `json:"training_state,omitempty"`

	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`
	SchedulerState *SchedulerState `json:"scheduler_state,omitempty"`

	// Pair ties a classifier bundle to the judge bundle saved with it
	Pair *PairStamp `json:"pair,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// PairStamp is written into both halves of a classifier/judge pair. Only the
// classifier's stamp names the judge file and the phase the pair was taken in.
type PairStamp struct {
	Generation int64  `json:"generation"`
	Judge      string `json:"judge,omitempty"`
	Phase      string `json:"phase,omitempty"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias"
}

// TrainingState captures the orchestration progress needed to resume
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Phase        string  `json:"phase"`
	BestAccuracy float64 `json:"best_accuracy"`
	Patience     int     `json:"patience"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "Adam"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance"
}

// SchedulerState captures a learning-rate schedule
type SchedulerState struct {
	Name      string  `json:"name"`
	BaseLR    float64 `json:"base_lr"`
	LastEpoch int     `json:"last_epoch"`
	StepSize  int     `json:"step_size,omitempty"`
	Gamma     float64 `json:"gamma,omitempty"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return NewONNXExporter().ExportToONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	default:
		return nil, fmt.Errorf("loading is not supported for %s checkpoints", cs.format.String())
	}
}

// saveJSON writes the checkpoint to a temporary file and renames it over path,
// so an interrupted save never leaves a truncated checkpoint behind.
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-advtext"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return &checkpoint, nil
}

// ExtractWeights copies every parameter of m into weight tensors
func ExtractWeights(m nn.Module) []WeightTensor {
	params := m.Parameters()
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		layer, kind := p.Name, ""
		if i := strings.LastIndex(p.Name, "."); i >= 0 {
			layer, kind = p.Name[:i], p.Name[i+1:]
		}
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: p.Shape(),
			Data:  append([]float64(nil), p.Data()...),
			Layer: layer,
			Type:  kind,
		})
	}
	return weights
}

// LoadWeights copies weight tensors into the parameters of m.
//
// In strict mode every parameter must be present with a matching shape and
// nothing is written unless all of them are. Otherwise only tensors whose
// name and shape match a parameter are copied and the rest are skipped.
// It returns the number of parameters loaded.
func LoadWeights(weights []WeightTensor, m nn.Module, strict bool) (int, error) {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	type pending struct {
		param  *nn.Param
		weight WeightTensor
	}
	var matched []pending
	for _, p := range m.Parameters() {
		w, ok := byName[p.Name]
		if !ok {
			if strict {
				return 0, fmt.Errorf("checkpoint is missing parameter %s", p.Name)
			}
			continue
		}
		if !sameShape(p.Shape(), w.Shape) || len(w.Data) != len(p.Data()) {
			if strict {
				return 0, fmt.Errorf("shape mismatch for %s: model %v vs checkpoint %v", p.Name, p.Shape(), w.Shape)
			}
			continue
		}
		matched = append(matched, pending{p, w})
	}

	for _, mp := range matched {
		if err := mp.param.SetData(mp.weight.Shape, mp.weight.Data); err != nil {
			return 0, err
		}
	}
	return len(matched), nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

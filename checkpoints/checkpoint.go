package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/tsawler/scenevote/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "proto"
	case FormatJSON:
		return "json"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatJSON:
		return ".json"
	default:
		return ".pb"
	}
}

// ParseFormat converts a format name ("proto" or "json") into a CheckpointFormat
func ParseFormat(name string) (CheckpointFormat, error) {
	switch name {
	case "proto", "pb", "":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint format %q", name)
	}
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"`
	BestAccuracy float64 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD", "Adam"
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance", "velocity"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// NewRunID returns an identifier shared by every checkpoint of one training run
func NewRunID() string {
	return uuid.New().String()
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

// SaveCheckpoint saves a complete model checkpoint.
// The file is written next to its destination and renamed into place.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "scenevote"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		data = append(data, '\n')
	case FormatProto:
		data, err = MarshalProto(checkpoint)
		if err != nil {
			return fmt.Errorf("failed to encode checkpoint: %w", err)
		}
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}

	return WriteFileAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint written in the saver's format
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	return decode(cs.format, data)
}

// Load reads a checkpoint in either format, detected from its content.
// This is how the extension-less best_model file is read back.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	return decode(DetectFormat(data), data)
}

// DetectFormat guesses the format of an encoded checkpoint
func DetectFormat(data []byte) CheckpointFormat {
	// JSON checkpoints are always written starting with the opening brace
	if len(data) > 0 && data[0] == '{' {
		return FormatJSON
	}
	return FormatProto
}

func decode(format CheckpointFormat, data []byte) (*Checkpoint, error) {
	switch format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return &checkpoint, nil
	case FormatProto:
		checkpoint, err := UnmarshalProto(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return checkpoint, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", format.String())
	}
}

// CopyFile copies src to dst byte for byte, replacing dst if it exists
func CopyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	return WriteFileAtomic(dst, data)
}

// WriteFileAtomic writes data to a temporary file next to path and renames it into
// place, creating the directory when needed
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

// WeightsByName indexes the weight tensors by name
func (c *Checkpoint) WeightsByName() map[string]WeightTensor {
	out := make(map[string]WeightTensor, len(c.Weights))
	for _, w := range c.Weights {
		out[w.Name] = w
	}
	return out
}

// ValidateWeights checks that the checkpoint carries every parameter of spec with the right shape
func (c *Checkpoint) ValidateWeights(spec *layers.ModelSpec) error {
	byName := c.WeightsByName()
	for _, layer := range spec.Layers {
		for i, name := range layer.ParameterNames {
			w, ok := byName[name]
			if !ok {
				return fmt.Errorf("checkpoint is missing parameter %s", name)
			}
			want := layer.ParameterShapes[i]
			if !sameShape(w.Shape, want) {
				return fmt.Errorf("shape mismatch for %s: checkpoint %v vs model %v", name, w.Shape, want)
			}
			if len(w.Data) != shapeSize(want) {
				return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d", name, shapeSize(want), len(w.Data))
			}
		}
	}
	return nil
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

func shapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// Package optimizer updates flat float64 parameter buffers from their gradients.
package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/scenevote/checkpoints"
)

// Parameter is a named, flat parameter tensor together with its gradient.
// Value and Grad are owned by the model; optimizers update Value in place.
type Parameter struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
}

// NewParameter allocates a zeroed parameter of the given shape
func NewParameter(name string, shape []int) *Parameter {
	size := calculateTensorSize(shape)
	return &Parameter{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Value: make([]float64, size),
		Grad:  make([]float64, size),
	}
}

// ZeroGrad clears the gradient buffer
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Optimizer defines the common interface for all optimizers.
// The interface enables state save/restore for checkpoint functionality.
type Optimizer interface {
	// Step applies one update to every parameter using its current gradient
	Step() error

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// LearningRate returns the current learning rate
	LearningRate() float64
}

// Config selects and configures an optimizer by name
type Config struct {
	Name         string // "adam", "sgd" or "rmsprop"
	LearningRate float64
	Momentum     float64 // SGD and RMSProp momentum
}

// New creates the optimizer named in cfg over params
func New(cfg Config, params []*Parameter) (Optimizer, error) {
	switch strings.ToLower(cfg.Name) {
	case "adam", "":
		c := DefaultAdamConfig()
		c.LearningRate = cfg.LearningRate
		return NewAdamOptimizer(c, params)
	case "sgd":
		c := DefaultSGDConfig()
		c.LearningRate = cfg.LearningRate
		c.Momentum = cfg.Momentum
		return NewSGDOptimizer(c, params)
	case "rmsprop":
		c := DefaultRMSPropConfig()
		c.LearningRate = cfg.LearningRate
		c.Momentum = cfg.Momentum
		return NewRMSPropOptimizer(c, params)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Name)
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := strings.LastIndexByte(name, '_')
	if lastUnderscoreIdx == -1 {
		return -1
	}

	// Try to parse the number after the last underscore
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// validateParameters checks that every parameter has matching value and gradient buffers
func validateParameters(params []*Parameter) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters provided")
	}
	for i, p := range params {
		if p == nil {
			return fmt.Errorf("parameter %d is nil", i)
		}
		size := calculateTensorSize(p.Shape)
		if len(p.Value) != size || len(p.Grad) != size {
			return fmt.Errorf("parameter %s: shape %v needs %d values, has %d values and %d gradients",
				p.Name, p.Shape, size, len(p.Value), len(p.Grad))
		}
	}
	return nil
}

// calculateTensorSize calculates the number of elements in a tensor
func calculateTensorSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/scenevote/checkpoints"
)

// AdamOptimizerState holds Adam hyperparameters and per-parameter moment buffers
type AdamOptimizerState struct {
	// Hyperparameters
	learningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // Decoupled from the loss; the model adds its own L2 term

	MomentumBuffers [][]float64 // First moment for each parameter
	VarianceBuffers [][]float64 // Second moment for each parameter
	params          []*Parameter

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates a new Adam optimizer over params
func NewAdamOptimizer(config AdamConfig, params []*Parameter) (*AdamOptimizerState, error) {
	if err := validateParameters(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %v and %v", config.Beta1, config.Beta2)
	}

	return &AdamOptimizerState{
		learningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: zeroBuffers(params),
		VarianceBuffers: zeroBuffers(params),
		params:          params,
	}, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++

	t := float64(adam.StepCount)
	correction1 := 1 - math.Pow(adam.Beta1, t)
	correction2 := 1 - math.Pow(adam.Beta2, t)
	stepSize := adam.learningRate / correction1

	for i, p := range adam.params {
		m := adam.MomentumBuffers[i]
		v := adam.VarianceBuffers[i]
		for j, g := range p.Grad {
			if adam.WeightDecay != 0 {
				g += adam.WeightDecay * p.Value[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g
			p.Value[j] -= stepSize * m[j] / (math.Sqrt(v[j]/correction2) + adam.Epsilon)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.learningRate = newLR
}

// LearningRate returns the current learning rate
func (adam *AdamOptimizerState) LearningRate() float64 {
	return adam.learningRate
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": adam.learningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    float64(adam.StepCount),
		},
	}

	for i := range adam.params {
		state.StateData = append(state.StateData,
			*extractBufferState(adam.MomentumBuffers[i], fmt.Sprintf("momentum_%d", i), "momentum"),
			*extractBufferState(adam.VarianceBuffers[i], fmt.Sprintf("variance_%d", i), "variance"))
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	if err := restoreIndexedBuffers(state, "momentum", adam.MomentumBuffers); err != nil {
		return fmt.Errorf("failed to restore Adam momentum: %w", err)
	}
	if err := restoreIndexedBuffers(state, "variance", adam.VarianceBuffers); err != nil {
		return fmt.Errorf("failed to restore Adam variance: %w", err)
	}

	adam.learningRate = extractFloatParam(state.Parameters, "learning_rate", adam.learningRate)
	adam.Beta1 = extractFloatParam(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloatParam(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloatParam(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", 0)
	return nil
}

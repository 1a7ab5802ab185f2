package optimizer

import (
	"fmt"

	"github.com/tsawler/scenevote/checkpoints"
)

// SGDOptimizerState holds SGD hyperparameters and optional momentum buffers
type SGDOptimizerState struct {
	learningRate float64
	Momentum     float64 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float64
	Nesterov     bool // Whether to use Nesterov momentum

	MomentumBuffers [][]float64 // Only allocated if momentum > 0
	params          []*Parameter

	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, params []*Parameter) (*SGDOptimizerState, error) {
	if err := validateParameters(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1), got %v", config.Momentum)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}

	sgd := &SGDOptimizerState{
		learningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		params:       params,
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffers = zeroBuffers(params)
	}
	return sgd, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step() error {
	sgd.StepCount++

	for i, p := range sgd.params {
		for j, g := range p.Grad {
			if sgd.WeightDecay != 0 {
				g += sgd.WeightDecay * p.Value[j]
			}
			if sgd.MomentumBuffers != nil {
				buf := sgd.MomentumBuffers[i]
				buf[j] = sgd.Momentum*buf[j] + g
				if sgd.Nesterov {
					g += sgd.Momentum * buf[j]
				} else {
					g = buf[j]
				}
			}
			p.Value[j] -= sgd.learningRate * g
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float64) {
	sgd.learningRate = newLR
}

// LearningRate returns the current learning rate
func (sgd *SGDOptimizerState) LearningRate() float64 {
	return sgd.learningRate
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": sgd.learningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      boolParam(sgd.Nesterov),
			"step_count":    float64(sgd.StepCount),
		},
	}

	for i, buf := range sgd.MomentumBuffers {
		state.StateData = append(state.StateData, *extractBufferState(buf, fmt.Sprintf("momentum_%d", i), "momentum"))
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	if sgd.MomentumBuffers != nil {
		if err := restoreIndexedBuffers(state, "momentum", sgd.MomentumBuffers); err != nil {
			return fmt.Errorf("failed to restore SGD momentum: %w", err)
		}
	}

	sgd.learningRate = extractFloatParam(state.Parameters, "learning_rate", sgd.learningRate)
	sgd.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", 0)
	return nil
}

package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/scenevote/checkpoints"
)

// RMSPropOptimizerState holds RMSProp hyperparameters and running averages
type RMSPropOptimizerState struct {
	learningRate float64
	Alpha        float64 // Smoothing constant (typically 0.99)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64
	Momentum     float64 // Momentum coefficient (0.0 for no momentum)
	Centered     bool    // Whether to subtract the running mean of gradients

	SquaredGradAvgBuffers [][]float64 // Running average of squared gradients
	MomentumBuffers       [][]float64 // Only if momentum > 0
	GradientAvgBuffers    [][]float64 // Only if centered
	params                []*Parameter

	StepCount uint64
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// NewRMSPropOptimizer creates a new RMSProp optimizer over params
func NewRMSPropOptimizer(config RMSPropConfig, params []*Parameter) (*RMSPropOptimizerState, error) {
	if err := validateParameters(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Alpha <= 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in (0, 1), got %v", config.Alpha)
	}

	rms := &RMSPropOptimizerState{
		learningRate:          config.LearningRate,
		Alpha:                 config.Alpha,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		Momentum:              config.Momentum,
		Centered:              config.Centered,
		SquaredGradAvgBuffers: zeroBuffers(params),
		params:                params,
	}
	if config.Momentum > 0 {
		rms.MomentumBuffers = zeroBuffers(params)
	}
	if config.Centered {
		rms.GradientAvgBuffers = zeroBuffers(params)
	}
	return rms, nil
}

// Step performs a single RMSProp optimization step
func (rms *RMSPropOptimizerState) Step() error {
	rms.StepCount++

	for i, p := range rms.params {
		sq := rms.SquaredGradAvgBuffers[i]
		for j, g := range p.Grad {
			if rms.WeightDecay != 0 {
				g += rms.WeightDecay * p.Value[j]
			}
			sq[j] = rms.Alpha*sq[j] + (1-rms.Alpha)*g*g

			avg := sq[j]
			if rms.GradientAvgBuffers != nil {
				ga := rms.GradientAvgBuffers[i]
				ga[j] = rms.Alpha*ga[j] + (1-rms.Alpha)*g
				avg -= ga[j] * ga[j]
			}
			denom := math.Sqrt(math.Max(avg, 0)) + rms.Epsilon

			if rms.MomentumBuffers != nil {
				buf := rms.MomentumBuffers[i]
				buf[j] = rms.Momentum*buf[j] + g/denom
				p.Value[j] -= rms.learningRate * buf[j]
			} else {
				p.Value[j] -= rms.learningRate * g / denom
			}
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (rms *RMSPropOptimizerState) UpdateLearningRate(newLR float64) {
	rms.learningRate = newLR
}

// LearningRate returns the current learning rate
func (rms *RMSPropOptimizerState) LearningRate() float64 {
	return rms.learningRate
}

// GetStepCount returns the current step count
func (rms *RMSPropOptimizerState) GetStepCount() uint64 {
	return rms.StepCount
}

// GetState extracts optimizer state for checkpointing
func (rms *RMSPropOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]float64{
			"learning_rate": rms.learningRate,
			"alpha":         rms.Alpha,
			"epsilon":       rms.Epsilon,
			"weight_decay":  rms.WeightDecay,
			"momentum":      rms.Momentum,
			"centered":      boolParam(rms.Centered),
			"step_count":    float64(rms.StepCount),
		},
	}

	for i := range rms.params {
		state.StateData = append(state.StateData, *extractBufferState(rms.SquaredGradAvgBuffers[i], fmt.Sprintf("squared_grad_avg_%d", i), "squared_grad_avg"))
		if rms.MomentumBuffers != nil {
			state.StateData = append(state.StateData, *extractBufferState(rms.MomentumBuffers[i], fmt.Sprintf("momentum_%d", i), "momentum"))
		}
		if rms.GradientAvgBuffers != nil {
			state.StateData = append(state.StateData, *extractBufferState(rms.GradientAvgBuffers[i], fmt.Sprintf("gradient_avg_%d", i), "gradient_avg"))
		}
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (rms *RMSPropOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}

	if err := restoreIndexedBuffers(state, "squared_grad_avg", rms.SquaredGradAvgBuffers); err != nil {
		return fmt.Errorf("failed to restore RMSProp averages: %w", err)
	}
	if rms.MomentumBuffers != nil {
		if err := restoreIndexedBuffers(state, "momentum", rms.MomentumBuffers); err != nil {
			return fmt.Errorf("failed to restore RMSProp momentum: %w", err)
		}
	}
	if rms.GradientAvgBuffers != nil {
		if err := restoreIndexedBuffers(state, "gradient_avg", rms.GradientAvgBuffers); err != nil {
			return fmt.Errorf("failed to restore RMSProp gradient averages: %w", err)
		}
	}

	rms.learningRate = extractFloatParam(state.Parameters, "learning_rate", rms.learningRate)
	rms.StepCount = extractUint64Param(state.Parameters, "step_count", 0)
	return nil
}

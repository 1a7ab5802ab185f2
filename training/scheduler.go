package training

import (
	"math"

	"github.com/pkg/errors"
)

// LRScheduler computes the learning rate for an epoch from the base rate.
// Implementations are pure functions of their arguments.
type LRScheduler interface {
	GetLR(epoch int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// NewScheduler builds the scheduler selected on the command line:
// "constant", "step" or "exponential"
func NewScheduler(name string, gamma float64, stepEpochs int) (LRScheduler, error) {
	switch name {
	case "", "constant":
		return &ConstantLRScheduler{}, nil
	case "step":
		return NewStepLRScheduler(stepEpochs, gamma), nil
	case "exponential":
		return NewExponentialLRScheduler(gamma), nil
	default:
		return nil, errors.Errorf("unknown learning rate schedule %q", name)
	}
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// ConstantLRScheduler keeps the base learning rate for every epoch
type ConstantLRScheduler struct{}

func (s *ConstantLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR
}

func (s *ConstantLRScheduler) GetName() string {
	return "ConstantLR"
}

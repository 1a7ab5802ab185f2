package training

import (
	"github.com/tsawler/scenevote/checkpoints"
	"github.com/tsawler/scenevote/dataset"
	"gonum.org/v1/gonum/mat"
)

// StepResult reports the loss and accuracy of one optimizer update.
// The values are for logging only.
type StepResult struct {
	Loss     float64
	Accuracy float64
}

// EvalResult is the outcome of a forward pass without dropout or update
type EvalResult struct {
	Loss        float64
	Accuracy    float64
	Predictions []int      // Predicted class per segment, counting from 0
	Scores      *mat.Dense // Raw, unnormalized class scores [N, C]
}

// Model is the narrow capability the training loop needs from a classifier
type Model interface {
	// TrainStep applies one optimizer update on the batch
	TrainStep(batch *dataset.Batch) (StepResult, error)

	// Evaluate runs the batch through the model with dropout disabled
	Evaluate(batch *dataset.Batch) (*EvalResult, error)
}

// Checkpointable models can export and restore their complete state
type Checkpointable interface {
	Checkpoint() (*checkpoints.Checkpoint, error)
	Restore(c *checkpoints.Checkpoint) error
}

// LearningRateAdjuster models accept a new learning rate from a scheduler
type LearningRateAdjuster interface {
	LearningRate() float64
	SetLearningRate(lr float64)
}

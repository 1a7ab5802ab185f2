package training

import (
	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"github.com/tsawler/scenevote/checkpoints"
	"github.com/tsawler/scenevote/dataset"
	"github.com/tsawler/scenevote/voting"
)

// Evaluation is the outcome of one pass over the test split
type Evaluation struct {
	Step            int
	Loss            float64
	SegmentAccuracy float64 // Fraction of segments classified correctly
	Majority        float64 // Scene accuracy under majority voting
	Probability     voting.ProbabilityResult
	Confusion       *ConfusionMatrix // Scene-level, true majority label vs majority vote
}

// Context carries the state one training run shares between its steps
type Context struct {
	Model       Model
	Step        int // Global step, continued across resumes
	Epoch       int
	SceneLength int // Segments per scene
	Policy      *CheckpointPolicy
	Log         logs.Log
}

// NewContext creates a context at step 0 with a fresh checkpoint policy
func NewContext(model Model, sceneLength int, log logs.Log) *Context {
	return &Context{
		Model:       model,
		SceneLength: sceneLength,
		Policy:      NewCheckpointPolicy(),
		Log:         log,
	}
}

// TrainStep applies one update and advances the global step
func (c *Context) TrainStep(batch *dataset.Batch) (StepResult, error) {
	res, err := c.Model.TrainStep(batch)
	if err != nil {
		return res, errors.Wrapf(err, "training step %d failed", c.Step+1)
	}
	c.Step++
	return res, nil
}

// Evaluate runs the whole test split through the model in one pass and scores it
// per segment and per scene
func (c *Context) Evaluate(test *dataset.Split) (*Evaluation, error) {
	res, err := c.Model.Evaluate(test.All())
	if err != nil {
		return nil, errors.Wrap(err, "evaluation failed")
	}

	labels, err := voting.ZeroIndexed(test.Labels)
	if err != nil {
		return nil, err
	}
	majority, err := voting.MajorityVoting(labels, res.Predictions, c.SceneLength)
	if err != nil {
		return nil, errors.Wrap(err, "majority voting failed")
	}
	probability, err := voting.ProbabilityVoting(labels, res.Scores, c.SceneLength)
	if err != nil {
		return nil, errors.Wrap(err, "probability voting failed")
	}

	trueScenes, err := voting.SceneLabels(labels, c.SceneLength)
	if err != nil {
		return nil, err
	}
	predScenes, err := voting.SceneLabels(res.Predictions, c.SceneLength)
	if err != nil {
		return nil, err
	}
	confusion := NewConfusionMatrix(test.Classes())
	if err := confusion.Update(trueScenes, predScenes); err != nil {
		return nil, errors.Wrap(err, "failed to build confusion matrix")
	}

	e := &Evaluation{
		Step:            c.Step,
		Loss:            res.Loss,
		SegmentAccuracy: res.Accuracy,
		Majority:        majority,
		Probability:     probability,
		Confusion:       confusion,
	}
	c.logEvaluation(e)
	return e, nil
}

func (c *Context) logEvaluation(e *Evaluation) {
	c.Log.Infof("Evaluation: step %d, loss %.6g, acc %.6g", e.Step, e.Loss, e.SegmentAccuracy)
	c.Log.Infof("Probabilistic voting sum/max/mul accuracy: %.6g %.6g %.6g", e.Probability.Sum, e.Probability.Max, e.Probability.Product)
	c.Log.Infof("Majority voting accuracy: %.6g", e.Majority)
	c.Log.Infof("Average segment-wise accuracy: %.6g", e.SegmentAccuracy)
	c.Log.Infof("Scene macro precision %.4f, recall %.4f, F1 %.4f",
		e.Confusion.GetMetric(MacroPrecision), e.Confusion.GetMetric(MacroRecall), e.Confusion.GetMetric(MacroF1))
}

// Checkpoint exports the model with the context's training state attached
func (c *Context) Checkpoint() (*checkpoints.Checkpoint, error) {
	cp, ok := c.Model.(Checkpointable)
	if !ok {
		return nil, errors.New("model does not support checkpoints")
	}
	ckpt, err := cp.Checkpoint()
	if err != nil {
		return nil, errors.Wrap(err, "failed to export model")
	}
	ckpt.TrainingState.Step = c.Step
	ckpt.TrainingState.Epoch = c.Epoch
	ckpt.TrainingState.BestAccuracy = c.Policy.Best()
	return ckpt, nil
}

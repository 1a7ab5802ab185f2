package training

import (
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"github.com/tsawler/scenevote/dataset"
	"github.com/tsawler/scenevote/voting"
)

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	BatchSize     int
	Epochs        int
	EvaluateEvery int // Evaluate on the test split every N global steps
	SceneLength   int // Segments per scene for voting

	BaseLR    float64
	Scheduler LRScheduler // Applied at the start of every epoch; nil keeps BaseLR

	Checkpoint CheckpointConfig

	Rand     *rand.Rand
	Progress io.Writer // Progress bar output; nil logs every step instead
}

// TrainingMetrics summarises a finished or interrupted run
type TrainingMetrics struct {
	Steps        int // Global step reached
	Evaluations  int
	BestAccuracy float64
	Last         *Evaluation
	Duration     time.Duration
}

// Trainer manages the training process
type Trainer struct {
	config   TrainingConfig
	data     *dataset.Data
	log      logs.Log
	ctx      *Context
	manager  *CheckpointManager // nil when the model cannot be checkpointed
	accLog   *AccuracyLog
	progress *ProgressReporter
}

// NewTrainer creates a new Trainer
func NewTrainer(model Model, data *dataset.Data, config TrainingConfig, log logs.Log) (*Trainer, error) {
	if data == nil || data.Train == nil || data.Test == nil {
		return nil, errors.New("training and test splits are required")
	}
	if config.BatchSize <= 0 || config.Epochs <= 0 || config.EvaluateEvery <= 0 {
		return nil, errors.Errorf("batch size, epochs and evaluation interval must be positive: %d, %d, %d",
			config.BatchSize, config.Epochs, config.EvaluateEvery)
	}
	if config.Scheduler == nil {
		config.Scheduler = &ConstantLRScheduler{}
	}
	if config.Rand == nil {
		config.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	t := &Trainer{
		config: config,
		data:   data,
		log:    log,
		ctx:    NewContext(model, config.SceneLength, log),
		accLog: NewAccuracyLog(filepath.Join(config.Checkpoint.OutDir, AccuracyLogName)),
	}
	if _, ok := model.(Checkpointable); ok {
		t.manager = NewCheckpointManager(config.Checkpoint, log)
	} else {
		log.Warnf("Model does not support checkpoints; nothing will be saved")
	}
	return t, nil
}

// Context returns the training context
func (t *Trainer) Context() *Context {
	return t.ctx
}

// Run trains for the configured number of epochs, evaluating every EvaluateEvery
// steps. It stops early with the context's error when ctx is cancelled.
func (t *Trainer) Run(ctx context.Context) (*TrainingMetrics, error) {
	start := time.Now()
	train, test := t.data.Train, t.data.Test

	if _, err := voting.SceneCount(test.Len(), t.config.SceneLength); err != nil {
		return nil, errors.Wrapf(err, "test split of %d segments cannot be grouped into scenes of %d", test.Len(), t.config.SceneLength)
	}
	if err := os.MkdirAll(t.config.Checkpoint.OutDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create output directory")
	}
	t.log.Infof("Writing to %v", t.config.Checkpoint.OutDir)

	if t.manager != nil {
		state, err := t.manager.Resume(t.ctx.Model.(Checkpointable))
		if err != nil {
			return nil, err
		}
		if state != nil {
			t.ctx.Step = state.Step
		}
	}

	train.Shuffle(t.config.Rand)
	it, err := dataset.NewBatchIterator(train.Len(), t.config.BatchSize, t.config.Epochs, true, t.config.Rand)
	if err != nil {
		return nil, err
	}
	t.log.Infof("Train/Test set: %d/%d, %d steps", train.Len(), test.Len(), it.TotalBatches())
	t.progress = NewProgressReporter(t.log, t.config.Progress, t.config.Epochs, it.BatchesPerEpoch())
	defer t.progress.FinishEpoch()

	metrics := &TrainingMetrics{}
	epoch := -1
	for {
		if err := ctx.Err(); err != nil {
			t.finish(metrics, start)
			return metrics, errors.Wrapf(err, "training stopped at step %d", t.ctx.Step)
		}

		indices, e, ok := it.Next()
		if !ok {
			break
		}
		if e != epoch {
			epoch = e
			t.startEpoch(epoch)
		}

		res, err := t.ctx.TrainStep(train.Batch(indices))
		if err != nil {
			t.finish(metrics, start)
			return metrics, err
		}
		t.progress.Step(t.ctx.Step, res)

		if t.ctx.Step%t.config.EvaluateEvery == 0 {
			eval, err := t.evaluate()
			if err != nil {
				t.finish(metrics, start)
				return metrics, err
			}
			metrics.Evaluations++
			metrics.Last = eval
		}
		if err := t.savePeriodic(); err != nil {
			t.finish(metrics, start)
			return metrics, err
		}
	}

	t.finish(metrics, start)
	t.log.Infof("Training finished after %d steps in %s, best accuracy %.6g", metrics.Steps, formatDuration(metrics.Duration), metrics.BestAccuracy)
	return metrics, nil
}

func (t *Trainer) startEpoch(epoch int) {
	t.ctx.Epoch = epoch
	if adj, ok := t.ctx.Model.(LearningRateAdjuster); ok {
		lr := t.config.Scheduler.GetLR(epoch, t.config.BaseLR)
		if lr != adj.LearningRate() {
			t.log.Infof("%s: learning rate %g -> %g at epoch %d", t.config.Scheduler.GetName(), adj.LearningRate(), lr, epoch+1)
			adj.SetLearningRate(lr)
		}
	}
	t.progress.StartEpoch(epoch)
}

// evaluate scores the test split, appends the accuracy log and saves the model
// when the checkpoint policy accepts the result
func (t *Trainer) evaluate() (*Evaluation, error) {
	eval, err := t.ctx.Evaluate(t.data.Test)
	if err != nil {
		return nil, err
	}
	if err := t.accLog.Append(eval); err != nil {
		return nil, err
	}

	if !t.ctx.Policy.Observe(eval.SegmentAccuracy) || t.manager == nil {
		return eval, nil
	}
	ckpt, err := t.ctx.Checkpoint()
	if err != nil {
		return nil, err
	}
	if _, err := t.manager.SaveBest(ckpt, t.ctx.Step, eval.SegmentAccuracy); err != nil {
		return nil, err
	}
	return eval, nil
}

func (t *Trainer) savePeriodic() error {
	if t.manager == nil || t.config.Checkpoint.SaveEvery <= 0 || t.ctx.Step%t.config.Checkpoint.SaveEvery != 0 {
		return nil
	}
	ckpt, err := t.ctx.Checkpoint()
	if err != nil {
		return err
	}
	_, err = t.manager.SavePeriodic(ckpt, t.ctx.Step)
	return err
}

func (t *Trainer) finish(metrics *TrainingMetrics, start time.Time) {
	t.progress.FinishEpoch()
	metrics.Steps = t.ctx.Step
	metrics.BestAccuracy = t.ctx.Policy.Best()
	metrics.Duration = time.Since(start)
}

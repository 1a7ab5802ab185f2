package training

import (
	"bufio"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/scenevote/checkpoints"
	"github.com/tsawler/scenevote/dataset"
	"github.com/tsawler/scenevote/voting"
	"gonum.org/v1/gonum/mat"
)

// fakeModel predicts the true label of every segment and reports a scripted
// sequence of segment accuracies
type fakeModel struct {
	classes    int
	accuracies []float64
	evals      int
	steps      int
	weight     float64
	lr         float64
	failStep   int
	restored   bool
}

func (m *fakeModel) TrainStep(b *dataset.Batch) (StepResult, error) {
	if m.failStep > 0 && m.steps+1 == m.failStep {
		return StepResult{}, errors.New("diverged")
	}
	m.steps++
	m.weight += float64(b.Size())
	return StepResult{Loss: 1 / float64(m.steps), Accuracy: 0.5}, nil
}

func (m *fakeModel) Evaluate(b *dataset.Batch) (*EvalResult, error) {
	acc := 1.0
	if len(m.accuracies) > 0 {
		acc = m.accuracies[m.evals%len(m.accuracies)]
	}
	m.evals++

	n := b.Size()
	preds := make([]int, n)
	scores := mat.NewDense(n, m.classes, nil)
	for i, l := range b.Labels {
		preds[i] = l - 1
		scores.Set(i, l-1, 5)
	}
	return &EvalResult{Loss: 1 - acc, Accuracy: acc, Predictions: preds, Scores: scores}, nil
}

func (m *fakeModel) Checkpoint() (*checkpoints.Checkpoint, error) {
	return &checkpoints.Checkpoint{
		Weights: []checkpoints.WeightTensor{
			{Name: "w", Shape: []int{1}, Data: []float64{m.weight}, Layer: "fake", Type: "weight"},
		},
		TrainingState: checkpoints.TrainingState{Step: m.steps, LearningRate: m.lr},
	}, nil
}

func (m *fakeModel) Restore(c *checkpoints.Checkpoint) error {
	if len(c.Weights) != 1 {
		return errors.Errorf("expected 1 weight, got %d", len(c.Weights))
	}
	m.weight = c.Weights[0].Data[0]
	m.steps = c.TrainingState.Step
	m.restored = true
	return nil
}

func (m *fakeModel) LearningRate() float64      { return m.lr }
func (m *fakeModel) SetLearningRate(lr float64) { m.lr = lr }

// testData returns 120 training and 120 test segments in scenes of 5
func testData(t *testing.T) *dataset.Data {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	cfg := dataset.DefaultSyntheticConfig()
	train, err := dataset.Synthetic("train", cfg, rng)
	require.NoError(t, err)
	test, err := dataset.Synthetic("test", cfg, rng)
	require.NoError(t, err)
	return &dataset.Data{Train: train, Test: test}
}

func testConfig(outDir string) TrainingConfig {
	return TrainingConfig{
		BatchSize:     20, // 6 batches per epoch
		Epochs:        2,
		EvaluateEvery: 3,
		SceneLength:   5,
		BaseLR:        0.01,
		Checkpoint: CheckpointConfig{
			OutDir: outDir,
			Format: checkpoints.FormatProto,
		},
		Rand: rand.New(rand.NewSource(7)),
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	require.NoError(t, s.Err())
	return lines
}

func TestTrainerSavesOnGreaterOrEqualAccuracy(t *testing.T) {
	out := t.TempDir()
	model := &fakeModel{classes: 3, accuracies: []float64{0.10, 0.20, 0.15, 0.20}}

	trainer, err := NewTrainer(model, testData(t), testConfig(out), logs.NewTestingLog(t))
	require.NoError(t, err)
	metrics, err := trainer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 12, metrics.Steps)
	assert.Equal(t, 4, metrics.Evaluations)
	assert.Equal(t, 0.20, metrics.BestAccuracy)

	dir := filepath.Join(out, "checkpoints")
	for _, step := range []int{3, 6, 12} {
		assert.FileExists(t, filepath.Join(dir, "model-"+strconv.Itoa(step)+".pb"))
	}
	assert.NoFileExists(t, filepath.Join(dir, "model-9.pb"))

	best, err := os.ReadFile(filepath.Join(out, BestModelName))
	require.NoError(t, err)
	last, err := os.ReadFile(filepath.Join(dir, "model-12.pb"))
	require.NoError(t, err)
	assert.Equal(t, last, best, "best_model must be a verbatim copy of the last saved checkpoint")

	ckpt, err := checkpoints.Load(filepath.Join(out, BestModelName))
	require.NoError(t, err)
	assert.Equal(t, 12, ckpt.TrainingState.Step)
	assert.Equal(t, 0.20, ckpt.TrainingState.BestAccuracy)

	lines := readLines(t, filepath.Join(out, AccuracyLogName))
	assert.Equal(t, []string{"0.1 1 1 1 1", "0.2 1 1 1 1", "0.15 1 1 1 1", "0.2 1 1 1 1"}, lines)
}

func TestTrainerResumesFromBestModel(t *testing.T) {
	out := t.TempDir()
	data := testData(t)

	cfg := testConfig(out)
	cfg.Epochs = 1
	first := &fakeModel{classes: 3}
	trainer, err := NewTrainer(first, data, cfg, logs.NewTestingLog(t))
	require.NoError(t, err)
	_, err = trainer.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, first.restored)

	cfg.Rand = rand.New(rand.NewSource(8))
	second := &fakeModel{classes: 3}
	trainer, err = NewTrainer(second, data, cfg, logs.NewTestingLog(t))
	require.NoError(t, err)
	metrics, err := trainer.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, second.restored)
	assert.Equal(t, 12, metrics.Steps, "global step continues after a resume")
	assert.Equal(t, 120.0*2, second.weight, "weights continue from the restored value")
	assert.Len(t, readLines(t, filepath.Join(out, AccuracyLogName)), 4, "accuracy log is appended across runs")
	assert.FileExists(t, filepath.Join(out, "checkpoints", "model-12.pb"))
}

func TestTrainerRejectsIndivisibleTestSplit(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.SceneLength = 7
	model := &fakeModel{classes: 3}

	trainer, err := NewTrainer(model, testData(t), cfg, logs.NewTestingLog(t))
	require.NoError(t, err)
	_, err = trainer.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, voting.ErrSceneLength))
	assert.Equal(t, 0, model.steps, "no training before the configuration is validated")
}

func TestTrainerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	model := &fakeModel{classes: 3}
	trainer, err := NewTrainer(model, testData(t), testConfig(t.TempDir()), logs.NewTestingLog(t))
	require.NoError(t, err)
	metrics, err := trainer.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, metrics.Steps)
}

func TestTrainerPropagatesStepErrors(t *testing.T) {
	model := &fakeModel{classes: 3, failStep: 2}
	trainer, err := NewTrainer(model, testData(t), testConfig(t.TempDir()), logs.NewTestingLog(t))
	require.NoError(t, err)
	metrics, err := trainer.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "training step 2 failed")
	assert.Equal(t, 1, metrics.Steps)
}

func TestTrainerAppliesSchedule(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Epochs = 3
	cfg.BaseLR = 0.1
	cfg.Scheduler = NewStepLRScheduler(1, 0.5)
	model := &fakeModel{classes: 3, lr: 0.1}

	trainer, err := NewTrainer(model, testData(t), cfg, logs.NewTestingLog(t))
	require.NoError(t, err)
	_, err = trainer.Run(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.025, model.lr, 1e-12)
}

func TestTrainerPeriodicCheckpoints(t *testing.T) {
	out := t.TempDir()
	cfg := testConfig(out)
	cfg.EvaluateEvery = 100 // never evaluates
	cfg.Checkpoint.SaveEvery = 4
	cfg.Checkpoint.MaxToKeep = 2

	trainer, err := NewTrainer(&fakeModel{classes: 3}, testData(t), cfg, logs.NewTestingLog(t))
	require.NoError(t, err)
	_, err = trainer.Run(context.Background())
	require.NoError(t, err)

	dir := filepath.Join(out, "checkpoints")
	assert.NoFileExists(t, filepath.Join(dir, "model-4.pb"))
	assert.FileExists(t, filepath.Join(dir, "model-8.pb"))
	assert.FileExists(t, filepath.Join(dir, "model-12.pb"))
	assert.NoFileExists(t, filepath.Join(out, BestModelName))
}

func TestTrainerBestModelMatchesStepCheckpoint(t *testing.T) {
	out := t.TempDir()
	cfg := testConfig(out)
	cfg.EvaluateEvery = 3
	cfg.Checkpoint.SaveEvery = 3
	model := &fakeModel{classes: 3, accuracies: []float64{0.5, 0.1}}

	trainer, err := NewTrainer(model, testData(t), cfg, logs.NewTestingLog(t))
	require.NoError(t, err)
	_, err = trainer.Run(context.Background())
	require.NoError(t, err)

	// Evaluations at 3, 6, 9, 12 score 0.5, 0.1, 0.5, 0.1; the last best is step 9
	best, err := os.ReadFile(filepath.Join(out, BestModelName))
	require.NoError(t, err)
	step9, err := os.ReadFile(filepath.Join(out, "checkpoints", "model-9.pb"))
	require.NoError(t, err)
	assert.Equal(t, step9, best)

	ckpt, err := checkpoints.Load(filepath.Join(out, "checkpoints", "model-9.pb"))
	require.NoError(t, err)
	assert.Contains(t, ckpt.Metadata.Description, "Best checkpoint")

	periodic, err := checkpoints.Load(filepath.Join(out, "checkpoints", "model-6.pb"))
	require.NoError(t, err)
	assert.Contains(t, periodic.Metadata.Description, "Periodic checkpoint")
}

func TestNewTrainerValidation(t *testing.T) {
	log := logs.NewTestingLog(t)
	model := &fakeModel{classes: 3}

	_, err := NewTrainer(model, nil, testConfig(t.TempDir()), log)
	assert.Error(t, err)

	cfg := testConfig(t.TempDir())
	cfg.BatchSize = 0
	_, err = NewTrainer(model, testData(t), cfg, log)
	assert.Error(t, err)
}

func TestFormatAccuracyLine(t *testing.T) {
	e := &Evaluation{
		SegmentAccuracy: 0.123456789,
		Majority:        1,
		Probability:     voting.ProbabilityResult{Sum: 0.5, Max: 0.25, Product: 1e-5},
	}
	assert.Equal(t, "0.123457 1 0.5 0.25 1e-05\n", FormatAccuracyLine(e))
}

package engine

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/tsawler/scenevote/checkpoints"
	"github.com/tsawler/scenevote/dataset"
	"github.com/tsawler/scenevote/layers"
	"github.com/tsawler/scenevote/optimizer"
	"gonum.org/v1/gonum/mat"
)

func testClassifier(t *testing.T, cfg layers.SceneClassifierConfig, l2 float64, seed int64) *LSTMClassifier {
	t.Helper()
	spec, err := layers.NewSceneClassifierSpec(cfg)
	if err != nil {
		t.Fatalf("Failed to build spec: %v", err)
	}
	m, err := NewLSTMClassifier(spec, Config{
		L2:        l2,
		Optimizer: optimizer.Config{Name: "adam", LearningRate: 0.01},
		Seed:      seed,
	})
	if err != nil {
		t.Fatalf("Failed to create classifier: %v", err)
	}
	return m
}

func randomBatch(rng *rand.Rand, size, steps, inputs, classes int) *dataset.Batch {
	b := &dataset.Batch{
		Steps:   make([]*mat.Dense, steps),
		Targets: mat.NewDense(size, classes, nil),
		Labels:  make([]int, size),
	}
	for t := range b.Steps {
		x := mat.NewDense(size, inputs, nil)
		raw := x.RawMatrix().Data
		for i := range raw {
			raw[i] = rng.NormFloat64()
		}
		b.Steps[t] = x
	}
	for i := 0; i < size; i++ {
		c := rng.Intn(classes)
		b.Targets.Set(i, c, 1)
		b.Labels[i] = c + 1
	}
	return b
}

// TestGradientCheck compares backpropagation through time against central differences,
// with dropout masks held fixed between the passes.
func TestGradientCheck(t *testing.T) {
	cfg := layers.SceneClassifierConfig{Steps: 4, Inputs: 3, Hidden: 4, Layers: 2, Classes: 3, KeepProb: 0.7}
	m := testClassifier(t, cfg, 0.01, 3)
	rng := rand.New(rand.NewSource(11))
	batch := randomBatch(rng, 5, cfg.Steps, cfg.Inputs, cfg.Classes)

	state := m.forward(batch.Steps, true, nil)
	masks := make([][]*mat.Dense, len(state.caches))
	for i, c := range state.caches {
		masks[i] = c.masks
	}
	_, dlogits := m.loss(state.logits, batch.Targets)
	m.zeroGrad()
	m.backward(state, dlogits)

	lossAt := func() float64 {
		s := m.forward(batch.Steps, true, masks)
		l, _ := m.loss(s.logits, batch.Targets)
		return l
	}

	const eps = 1e-6
	checked := 0
	for _, p := range m.Parameters() {
		for _, idx := range []int{0, len(p.Value) / 2, len(p.Value) - 1} {
			orig := p.Value[idx]
			p.Value[idx] = orig + eps
			plus := lossAt()
			p.Value[idx] = orig - eps
			minus := lossAt()
			p.Value[idx] = orig

			numeric := (plus - minus) / (2 * eps)
			analytic := p.Grad[idx]
			scale := math.Max(1e-4, math.Abs(numeric)+math.Abs(analytic))
			if rel := math.Abs(numeric-analytic) / scale; rel > 1e-4 {
				t.Errorf("%s[%d]: analytic %.8g vs numeric %.8g (rel %.2g)", p.Name, idx, analytic, numeric, rel)
			}
			checked++
		}
	}
	if checked != 3*len(m.Parameters()) {
		t.Errorf("Checked %d entries", checked)
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	syn := dataset.DefaultSyntheticConfig()
	split, err := dataset.Synthetic("train", syn, rng)
	if err != nil {
		t.Fatalf("Failed to generate data: %v", err)
	}

	m := testClassifier(t, layers.SceneClassifierConfig{
		Steps: syn.Steps, Inputs: syn.Inputs, Hidden: 12, Layers: 1, Classes: syn.Classes, KeepProb: 1,
	}, 0.0001, 9)

	all := split.All()
	before, err := m.Evaluate(all)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	it, err := dataset.NewBatchIterator(split.Len(), 20, 40, true, rng)
	if err != nil {
		t.Fatal(err)
	}
	for {
		indices, _, ok := it.Next()
		if !ok {
			break
		}
		if _, err := m.TrainStep(split.Batch(indices)); err != nil {
			t.Fatalf("TrainStep failed: %v", err)
		}
	}

	after, err := m.Evaluate(all)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if after.Loss >= before.Loss*0.7 {
		t.Errorf("Loss did not drop enough: %.4f -> %.4f", before.Loss, after.Loss)
	}
	if after.Accuracy < 0.6 {
		t.Errorf("Training accuracy too low: %.3f", after.Accuracy)
	}
	if m.StepCount() != uint64(it.TotalBatches()) {
		t.Errorf("Expected %d optimizer steps, got %d", it.TotalBatches(), m.StepCount())
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	cfg := layers.SceneClassifierConfig{Steps: 3, Inputs: 2, Hidden: 5, Layers: 2, Classes: 4, KeepProb: 0.5}
	m := testClassifier(t, cfg, 0, 1)
	batch := randomBatch(rand.New(rand.NewSource(2)), 7, cfg.Steps, cfg.Inputs, cfg.Classes)

	a, err := m.Evaluate(batch)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Evaluate(batch)
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(a.Scores, b.Scores) {
		t.Error("Evaluation must not apply dropout")
	}
	if len(a.Predictions) != 7 {
		t.Fatalf("Expected 7 predictions, got %d", len(a.Predictions))
	}
	for i, p := range a.Predictions {
		if p < 0 || p >= cfg.Classes {
			t.Errorf("Prediction %d out of range: %d", i, p)
		}
	}
	if a.Accuracy < 0 || a.Accuracy > 1 {
		t.Errorf("Accuracy out of range: %v", a.Accuracy)
	}
}

func TestCheckpointRestore(t *testing.T) {
	cfg := layers.SceneClassifierConfig{Steps: 3, Inputs: 2, Hidden: 4, Layers: 2, Classes: 3, KeepProb: 0.8}
	rng := rand.New(rand.NewSource(4))
	batch := randomBatch(rng, 6, cfg.Steps, cfg.Inputs, cfg.Classes)

	trained := testClassifier(t, cfg, 0.001, 1)
	for i := 0; i < 3; i++ {
		if _, err := trained.TrainStep(batch); err != nil {
			t.Fatal(err)
		}
	}

	ckpt, err := trained.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if ckpt.TrainingState.Step != 3 {
		t.Errorf("Expected checkpoint step 3, got %d", ckpt.TrainingState.Step)
	}

	path := filepath.Join(t.TempDir(), "model-3.pb")
	if err := checkpoints.NewCheckpointSaver(checkpoints.FormatProto).SaveCheckpoint(ckpt, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := checkpoints.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	fresh := testClassifier(t, cfg, 0.001, 99)
	if err := fresh.Restore(loaded); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if fresh.StepCount() != 3 {
		t.Errorf("Optimizer step count not restored: %d", fresh.StepCount())
	}

	a, _ := trained.Evaluate(batch)
	b, _ := fresh.Evaluate(batch)
	if !mat.Equal(a.Scores, b.Scores) {
		t.Error("Restored model scores differ from the original")
	}

	other := testClassifier(t, layers.SceneClassifierConfig{Steps: 3, Inputs: 2, Hidden: 6, Layers: 2, Classes: 3, KeepProb: 0.8}, 0, 1)
	if err := other.Restore(loaded); err == nil {
		t.Error("Expected error restoring into a model of a different size")
	}
}

func TestNonFiniteLoss(t *testing.T) {
	cfg := layers.SceneClassifierConfig{Steps: 2, Inputs: 2, Hidden: 3, Layers: 1, Classes: 2, KeepProb: 1}
	m := testClassifier(t, cfg, 0, 1)
	batch := randomBatch(rand.New(rand.NewSource(1)), 4, cfg.Steps, cfg.Inputs, cfg.Classes)

	m.head.w.Value[0] = math.NaN()
	_, err := m.TrainStep(batch)
	if !errors.Is(err, ErrNonFiniteLoss) {
		t.Errorf("Expected ErrNonFiniteLoss, got %v", err)
	}
}

func TestBatchShapeErrors(t *testing.T) {
	cfg := layers.SceneClassifierConfig{Steps: 3, Inputs: 2, Hidden: 3, Layers: 1, Classes: 2, KeepProb: 1}
	m := testClassifier(t, cfg, 0, 1)
	rng := rand.New(rand.NewSource(1))

	if _, err := m.TrainStep(randomBatch(rng, 4, 2, 2, 2)); err == nil {
		t.Error("Expected error for wrong number of steps")
	}
	if _, err := m.Evaluate(randomBatch(rng, 4, 3, 5, 2)); err == nil {
		t.Error("Expected error for wrong input width")
	}
	if _, err := m.Evaluate(randomBatch(rng, 4, 3, 2, 3)); err == nil {
		t.Error("Expected error for wrong class count")
	}
	if _, err := m.Evaluate(&dataset.Batch{}); err == nil {
		t.Error("Expected error for empty batch")
	}
}

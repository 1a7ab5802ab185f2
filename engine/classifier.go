// Package engine implements the recurrent scene classifier on the CPU.
package engine

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/scenevote/checkpoints"
	"github.com/tsawler/scenevote/dataset"
	"github.com/tsawler/scenevote/layers"
	"github.com/tsawler/scenevote/optimizer"
	"github.com/tsawler/scenevote/training"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrNonFiniteLoss is returned when a step produces a NaN or infinite loss
var ErrNonFiniteLoss = errors.New("loss is not finite")

// Config holds the training hyperparameters of the classifier
type Config struct {
	L2        float64          // Coefficient of the L2 penalty on weight matrices
	Optimizer optimizer.Config // Update rule and learning rate
	Seed      int64            // Seed for initialization and dropout masks
}

// denseLayer is the classification head applied to the final time step
type denseLayer struct {
	name    string
	inputs  int
	outputs int
	w       *optimizer.Parameter // [inputs, outputs]
	b       *optimizer.Parameter // [outputs], nil without bias
}

// LSTMClassifier is a stack of LSTM layers with output dropout and a dense head.
// It satisfies training.Model and training.Checkpointable.
type LSTMClassifier struct {
	spec   *layers.ModelSpec
	config Config
	steps  int
	inputs int

	lstms  []*lstmLayer
	head   *denseLayer
	params []*optimizer.Parameter

	opt optimizer.Optimizer
	rng *rand.Rand
}

// forwardState holds every activation needed by the backward pass
type forwardState struct {
	caches []*lstmCache
	last   *mat.Dense // Top LSTM output at the final step [B, H]
	logits *mat.Dense // [B, C]
}

// NewLSTMClassifier builds a freshly initialized classifier from a compiled spec
func NewLSTMClassifier(spec *layers.ModelSpec, config Config) (*LSTMClassifier, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("model spec must be compiled")
	}
	if len(spec.InputShape) != 3 {
		return nil, errors.Errorf("model input shape %v is not [batch, steps, inputs]", spec.InputShape)
	}
	if config.L2 < 0 {
		return nil, errors.Errorf("l2 coefficient must not be negative, got %v", config.L2)
	}

	m := &LSTMClassifier{
		spec:   spec,
		config: config,
		steps:  spec.InputShape[1],
		inputs: spec.InputShape[2],
		rng:    rand.New(rand.NewSource(config.Seed)),
	}

	for i, ls := range spec.Layers {
		switch ls.Type {
		case layers.LSTM:
			l := newLSTMLayer(ls.Name, ls.IntParam("input_size"), ls.IntParam("hidden_size"),
				ls.FloatParam("forget_bias", 1), 1, ls.BoolParam("return_sequences", false))
			m.lstms = append(m.lstms, l)
			m.params = append(m.params, l.parameters()...)
		case layers.Dropout:
			if len(m.lstms) == 0 || m.head != nil {
				return nil, errors.Errorf("layer %d: dropout must follow an LSTM layer", i)
			}
			m.lstms[len(m.lstms)-1].keepProb = ls.FloatParam("keep_prob", 1)
		case layers.Dense:
			if i != len(spec.Layers)-1 {
				return nil, errors.Errorf("layer %d: dense layer must be the last layer", i)
			}
			m.head = &denseLayer{
				name:    ls.Name,
				inputs:  ls.IntParam("input_size"),
				outputs: ls.IntParam("output_size"),
			}
			m.head.w = optimizer.NewParameter(ls.Name+".weight", []int{m.head.inputs, m.head.outputs})
			m.params = append(m.params, m.head.w)
			if ls.BoolParam("use_bias", true) {
				m.head.b = optimizer.NewParameter(ls.Name+".bias", []int{m.head.outputs})
				m.params = append(m.params, m.head.b)
			}
		default:
			return nil, errors.Errorf("layer %d: unsupported layer type %s", i, ls.Type)
		}
	}
	if len(m.lstms) == 0 || m.head == nil {
		return nil, errors.New("model needs at least one LSTM layer and a dense head")
	}

	m.initialize()

	opt, err := optimizer.New(config.Optimizer, m.params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create optimizer")
	}
	m.opt = opt

	return m, nil
}

func (m *LSTMClassifier) initialize() {
	for _, l := range m.lstms {
		l.init(m.rng)
	}
	glorotUniform(m.head.w.Value, m.head.inputs, m.head.outputs, m.rng)
	if m.head.b != nil {
		for i := range m.head.b.Value {
			m.head.b.Value[i] = 0
		}
	}
}

// Spec returns the compiled model specification
func (m *LSTMClassifier) Spec() *layers.ModelSpec {
	return m.spec
}

// Parameters returns every trainable parameter in checkpoint order
func (m *LSTMClassifier) Parameters() []*optimizer.Parameter {
	return m.params
}

// LearningRate returns the optimizer's current learning rate
func (m *LSTMClassifier) LearningRate() float64 {
	return m.opt.LearningRate()
}

// SetLearningRate changes the optimizer's learning rate
func (m *LSTMClassifier) SetLearningRate(lr float64) {
	m.opt.UpdateLearningRate(lr)
}

// StepCount returns the number of optimizer updates applied so far
func (m *LSTMClassifier) StepCount() uint64 {
	return m.opt.GetStepCount()
}

// TrainStep runs forward and backward passes with dropout and applies one update
func (m *LSTMClassifier) TrainStep(batch *dataset.Batch) (training.StepResult, error) {
	if err := m.checkBatch(batch); err != nil {
		return training.StepResult{}, err
	}

	state := m.forward(batch.Steps, true, nil)
	loss, dlogits := m.loss(state.logits, batch.Targets)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return training.StepResult{}, errors.Wrapf(ErrNonFiniteLoss, "training loss %v", loss)
	}
	acc := accuracy(state.logits, batch.Targets)

	m.zeroGrad()
	m.backward(state, dlogits)
	if err := m.opt.Step(); err != nil {
		return training.StepResult{}, errors.Wrap(err, "optimizer step failed")
	}

	return training.StepResult{Loss: loss, Accuracy: acc}, nil
}

// Evaluate runs a forward pass with dropout disabled and no update
func (m *LSTMClassifier) Evaluate(batch *dataset.Batch) (*training.EvalResult, error) {
	if err := m.checkBatch(batch); err != nil {
		return nil, err
	}

	state := m.forward(batch.Steps, false, nil)
	loss, _ := m.loss(state.logits, batch.Targets)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return nil, errors.Wrapf(ErrNonFiniteLoss, "evaluation loss %v", loss)
	}

	rows, _ := state.logits.Dims()
	predictions := make([]int, rows)
	for i := range predictions {
		predictions[i] = floats.MaxIdx(state.logits.RawRowView(i))
	}

	return &training.EvalResult{
		Loss:        loss,
		Accuracy:    accuracy(state.logits, batch.Targets),
		Predictions: predictions,
		Scores:      state.logits,
	}, nil
}

func (m *LSTMClassifier) checkBatch(batch *dataset.Batch) error {
	if batch == nil || batch.Size() == 0 {
		return errors.New("empty batch")
	}
	if len(batch.Steps) != m.steps {
		return errors.Errorf("batch has %d time steps, model expects %d", len(batch.Steps), m.steps)
	}
	for t, x := range batch.Steps {
		r, c := x.Dims()
		if r != batch.Size() || c != m.inputs {
			return errors.Errorf("step %d is %dx%d, expected %dx%d", t, r, c, batch.Size(), m.inputs)
		}
	}
	r, c := batch.Targets.Dims()
	if r != batch.Size() || c != m.head.outputs {
		return errors.Errorf("targets are %dx%d, expected %dx%d", r, c, batch.Size(), m.head.outputs)
	}
	return nil
}

// forward runs the stack. masks, when non-nil, supplies the dropout mask of every
// layer and step instead of drawing new ones.
func (m *LSTMClassifier) forward(xs []*mat.Dense, train bool, masks [][]*mat.Dense) *forwardState {
	state := &forwardState{caches: make([]*lstmCache, len(m.lstms))}

	in := xs
	for i, l := range m.lstms {
		var layerMasks []*mat.Dense
		if masks != nil {
			layerMasks = masks[i]
		}
		cache := l.forward(in, train, m.rng, layerMasks)
		state.caches[i] = cache
		in = cache.outs
	}
	state.last = in[len(in)-1]

	batch, _ := state.last.Dims()
	logits := mat.NewDense(batch, m.head.outputs, nil)
	logits.Mul(state.last, mat.NewDense(m.head.inputs, m.head.outputs, m.head.w.Value))
	if m.head.b != nil {
		bias := m.head.b.Value
		for r := 0; r < batch; r++ {
			floats.Add(logits.RawRowView(r), bias)
		}
	}
	state.logits = logits
	return state
}

// loss returns the mean softmax cross-entropy plus the L2 penalty, and the gradient
// of the cross-entropy term with respect to the logits
func (m *LSTMClassifier) loss(logits, targets *mat.Dense) (float64, *mat.Dense) {
	rows, cols := logits.Dims()
	dlogits := mat.NewDense(rows, cols, nil)
	total := 0.0
	for r := 0; r < rows; r++ {
		z := logits.RawRowView(r)
		y := targets.RawRowView(r)
		d := dlogits.RawRowView(r)
		lse := floats.LogSumExp(z)
		for k := range z {
			logp := z[k] - lse
			total -= y[k] * logp
			d[k] = (math.Exp(logp) - y[k]) / float64(rows)
		}
	}
	loss := total / float64(rows)

	if m.config.L2 > 0 {
		sum := 0.0
		for _, w := range m.weightMatrices() {
			sum += floats.Dot(w.Value, w.Value)
		}
		loss += m.config.L2 * sum / 2
	}
	return loss, dlogits
}

// weightMatrices lists the parameters covered by the L2 penalty; biases are excluded
func (m *LSTMClassifier) weightMatrices() []*optimizer.Parameter {
	out := make([]*optimizer.Parameter, 0, 2*len(m.lstms)+1)
	for _, l := range m.lstms {
		out = append(out, l.wx, l.wh)
	}
	return append(out, m.head.w)
}

func (m *LSTMClassifier) zeroGrad() {
	for _, p := range m.params {
		p.ZeroGrad()
	}
}

// backward accumulates gradients of the full loss into every parameter
func (m *LSTMClassifier) backward(state *forwardState, dlogits *mat.Dense) {
	batch, _ := dlogits.Dims()

	// Dense head
	gW := mat.NewDense(m.head.inputs, m.head.outputs, m.head.w.Grad)
	var tmp mat.Dense
	tmp.Mul(state.last.T(), dlogits)
	gW.Add(gW, &tmp)
	if m.head.b != nil {
		for r := 0; r < batch; r++ {
			floats.Add(m.head.b.Grad, dlogits.RawRowView(r))
		}
	}
	dlast := mat.NewDense(batch, m.head.inputs, nil)
	dlast.Mul(dlogits, mat.NewDense(m.head.inputs, m.head.outputs, m.head.w.Value).T())

	// Only the final step of the top layer feeds the head
	top := len(m.lstms) - 1
	dOuts := make([]*mat.Dense, len(state.caches[top].outs))
	dOuts[len(dOuts)-1] = dlast

	for i := top; i >= 0; i-- {
		dOuts = m.lstms[i].backward(state.caches[i], dOuts, i > 0)
	}

	if m.config.L2 > 0 {
		for _, w := range m.weightMatrices() {
			floats.AddScaled(w.Grad, m.config.L2, w.Value)
		}
	}
}

// accuracy is the fraction of rows whose highest logit matches the highest target
func accuracy(logits, targets *mat.Dense) float64 {
	rows, _ := logits.Dims()
	correct := 0
	for r := 0; r < rows; r++ {
		if floats.MaxIdx(logits.RawRowView(r)) == floats.MaxIdx(targets.RawRowView(r)) {
			correct++
		}
	}
	return float64(correct) / float64(rows)
}

// Checkpoint exports the weights and optimizer state
func (m *LSTMClassifier) Checkpoint() (*checkpoints.Checkpoint, error) {
	weights := make([]checkpoints.WeightTensor, 0, len(m.params))
	for _, layer := range m.spec.Layers {
		for _, name := range layer.ParameterNames {
			p := m.parameter(name)
			if p == nil {
				return nil, errors.Errorf("parameter %s missing from model", name)
			}
			kind := "weight"
			if len(p.Shape) == 1 {
				kind = "bias"
			}
			weights = append(weights, checkpoints.WeightTensor{
				Name:  p.Name,
				Shape: append([]int(nil), p.Shape...),
				Data:  append([]float64(nil), p.Value...),
				Layer: layer.Name,
				Type:  kind,
			})
		}
	}

	optState, err := m.opt.GetState()
	if err != nil {
		return nil, errors.Wrap(err, "failed to extract optimizer state")
	}

	return &checkpoints.Checkpoint{
		ModelSpec:      m.spec,
		Weights:        weights,
		OptimizerState: optState,
		TrainingState: checkpoints.TrainingState{
			Step:         int(m.StepCount()),
			LearningRate: m.opt.LearningRate(),
		},
	}, nil
}

// Restore loads weights and, when it was written by the same update rule, the
// optimizer state. A checkpoint from a different optimizer restores weights only.
func (m *LSTMClassifier) Restore(c *checkpoints.Checkpoint) error {
	if c == nil {
		return errors.New("nil checkpoint")
	}
	if err := c.ValidateWeights(m.spec); err != nil {
		return errors.Wrap(err, "checkpoint does not match model")
	}

	byName := c.WeightsByName()
	for _, p := range m.params {
		copy(p.Value, byName[p.Name].Data)
	}

	if c.OptimizerState != nil {
		current, err := m.opt.GetState()
		if err != nil {
			return errors.Wrap(err, "failed to inspect optimizer")
		}
		if current.Type == c.OptimizerState.Type {
			if err := m.opt.LoadState(c.OptimizerState); err != nil {
				return errors.Wrap(err, "failed to restore optimizer state")
			}
		}
	}
	return nil
}

func (m *LSTMClassifier) parameter(name string) *optimizer.Parameter {
	for _, p := range m.params {
		if p.Name == name {
			return p
		}
	}
	return nil
}

package voting

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Policy selects how the class probabilities of a scene's segments are combined
type Policy int

const (
	// Sum averages the segment probabilities
	Sum Policy = iota
	// Max takes the elementwise maximum
	Max
	// Product multiplies the segment probabilities
	Product
)

func (p Policy) String() string {
	switch p {
	case Sum:
		return "sum"
	case Max:
		return "max"
	case Product:
		return "product"
	default:
		return "unknown"
	}
}

// ProbabilityResult holds the scene-level accuracy of each probability policy
type ProbabilityResult struct {
	Sum     float64 `json:"sum"`
	Max     float64 `json:"max"`
	Product float64 `json:"product"`
}

// Get returns the accuracy for a single policy
func (r ProbabilityResult) Get(p Policy) float64 {
	switch p {
	case Max:
		return r.Max
	case Product:
		return r.Product
	default:
		return r.Sum
	}
}

// Normalize converts each row of raw scores into a probability distribution.
// The row maximum is subtracted before exponentiating; the result is the same
// softmax as exp(s)/sum(exp(s)) but does not overflow on large logits.
func Normalize(scores mat.Matrix) *mat.Dense {
	rows, cols := scores.Dims()
	out := mat.NewDense(rows, cols, nil)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		mat.Row(row, i, scores)
		shift := floats.Max(row)
		var total float64
		for j, v := range row {
			e := math.Exp(v - shift)
			row[j] = e
			total += e
		}
		floats.Scale(1/total, row)
		out.SetRow(i, row)
	}
	return out
}

// logNormalize returns log-probabilities, z - logsumexp(z), row by row.
func logNormalize(scores mat.Matrix) *mat.Dense {
	rows, cols := scores.Dims()
	out := mat.NewDense(rows, cols, nil)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		mat.Row(row, i, scores)
		lse := floats.LogSumExp(row)
		floats.AddConst(-lse, row)
		out.SetRow(i, row)
	}
	return out
}

// ScenePredictions returns one class index per scene for the given policy.
// scores holds raw per-class segment scores, one row per segment.
//
// The product policy is accumulated as a sum of log-probabilities. The argmax is
// the same as for the plain product, but it keeps its ordering once the plain
// product would have underflowed to zero.
func ScenePredictions(scores mat.Matrix, sceneLen int, policy Policy) ([]int, error) {
	rows, cols := scores.Dims()
	scenes, err := SceneCount(rows, sceneLen)
	if err != nil {
		return nil, err
	}
	if cols == 0 {
		return nil, errors.New("voting: score matrix has no classes")
	}

	var probs *mat.Dense
	switch policy {
	case Sum, Max:
		probs = Normalize(scores)
	case Product:
		probs = logNormalize(scores)
	default:
		return nil, errors.Errorf("voting: unknown policy %d", int(policy))
	}

	out := make([]int, scenes)
	acc := make([]float64, cols)
	for i := 0; i < scenes; i++ {
		first := probs.RawRowView(i * sceneLen)
		copy(acc, first)
		for r := i*sceneLen + 1; r < (i+1)*sceneLen; r++ {
			row := probs.RawRowView(r)
			switch policy {
			case Sum, Product:
				floats.Add(acc, row)
			case Max:
				for j, v := range row {
					if v > acc[j] {
						acc[j] = v
					}
				}
			}
		}
		if policy == Sum {
			floats.Scale(1/float64(sceneLen), acc)
		}
		out[i] = floats.MaxIdx(acc)
	}
	return out, nil
}

// ProbabilityVoting scores the sum, max and product policies against the
// majority-voted true scene labels. trueLabels are class indices counting from 0.
func ProbabilityVoting(trueLabels []int, scores mat.Matrix, sceneLen int) (ProbabilityResult, error) {
	var result ProbabilityResult

	rows, _ := scores.Dims()
	if rows != len(trueLabels) {
		return result, errors.Wrapf(ErrLengthMismatch, "%d labels, %d score rows", len(trueLabels), rows)
	}

	truth, err := SceneLabels(trueLabels, sceneLen)
	if err != nil {
		return result, errors.Wrap(err, "voting true labels")
	}

	for _, policy := range []Policy{Sum, Max, Product} {
		votes, err := ScenePredictions(scores, sceneLen, policy)
		if err != nil {
			return result, errors.Wrapf(err, "%s policy", policy)
		}
		acc, err := Agreement(truth, votes)
		if err != nil {
			return result, err
		}
		switch policy {
		case Sum:
			result.Sum = acc
		case Max:
			result.Max = acc
		case Product:
			result.Product = acc
		}
	}
	return result, nil
}

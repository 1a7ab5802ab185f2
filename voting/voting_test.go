package voting

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestMajorityLabelTieBreak(t *testing.T) {
	tests := []struct {
		labels   []int
		expected int
	}{
		{[]int{3}, 3},
		{[]int{2, 1, 2, 1}, 1},    // tie goes to the smaller label
		{[]int{4, 4, 0, 0, 7}, 0}, // tie between 0 and 4
		{[]int{5, 5, 1, 2, 5}, 5},
		{[]int{0, 0, 0}, 0},
	}

	for _, tt := range tests {
		got, err := MajorityLabel(tt.labels)
		if err != nil {
			t.Fatalf("MajorityLabel(%v) failed: %v", tt.labels, err)
		}
		if got != tt.expected {
			t.Errorf("MajorityLabel(%v) = %d, expected %d", tt.labels, got, tt.expected)
		}
	}
}

func TestMajorityLabelLargeLabels(t *testing.T) {
	huge := 2000000000
	got, err := MajorityLabel([]int{huge, 2, huge, 2, 1000000000})
	if err != nil {
		t.Fatalf("MajorityLabel failed on large labels: %v", err)
	}
	if got != 2 {
		t.Errorf("Expected tie between 2 and %d to go to 2, got %d", huge, got)
	}

	got, err = MajorityLabel([]int{huge, 3, huge})
	if err != nil {
		t.Fatal(err)
	}
	if got != huge {
		t.Errorf("Expected %d, got %d", huge, got)
	}
}

func TestMajorityLabelRejectsNegative(t *testing.T) {
	_, err := MajorityLabel([]int{1, -1})
	if !errors.Is(err, ErrNegativeLabel) {
		t.Errorf("Expected ErrNegativeLabel, got %v", err)
	}
}

func TestSceneLabelsLengthAndRange(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, sceneLen := range []int{1, 2, 5, 29} {
		scenes := 7
		labels := make([]int, scenes*sceneLen)
		lo, hi := math.MaxInt, 0
		for i := range labels {
			labels[i] = 2 + rng.Intn(6)
			if labels[i] < lo {
				lo = labels[i]
			}
			if labels[i] > hi {
				hi = labels[i]
			}
		}

		out, err := SceneLabels(labels, sceneLen)
		if err != nil {
			t.Fatalf("SceneLabels failed for L=%d: %v", sceneLen, err)
		}
		if len(out) != scenes {
			t.Errorf("L=%d: expected %d scenes, got %d", sceneLen, scenes, len(out))
		}
		for i, l := range out {
			if l < lo || l > hi {
				t.Errorf("L=%d: scene %d label %d outside input range [%d, %d]", sceneLen, i, l, lo, hi)
			}
		}
	}
}

func TestSceneLabelsUnanimous(t *testing.T) {
	labels := []int{4, 4, 4, 1, 1, 1, 9, 9, 9}
	out, err := SceneLabels(labels, 3)
	if err != nil {
		t.Fatalf("SceneLabels failed: %v", err)
	}
	expected := []int{4, 1, 9}
	for i := range expected {
		if out[i] != expected[i] {
			t.Errorf("Scene %d: expected %d, got %d", i, expected[i], out[i])
		}
	}
}

func TestSceneLabelsIdempotent(t *testing.T) {
	labels := []int{0, 2, 2, 1, 1, 0, 3, 3, 0, 1, 1, 2}
	first, err := SceneLabels(labels, 3)
	if err != nil {
		t.Fatalf("SceneLabels failed: %v", err)
	}
	for run := 0; run < 5; run++ {
		again, err := SceneLabels(labels, 3)
		if err != nil {
			t.Fatalf("SceneLabels failed: %v", err)
		}
		for i := range first {
			if first[i] != again[i] {
				t.Fatalf("Run %d: scene %d changed from %d to %d", run, i, first[i], again[i])
			}
		}
	}
}

func TestSceneLengthMismatch(t *testing.T) {
	tests := []struct {
		n, sceneLen int
	}{
		{10, 3},
		{5, 0},
		{5, -1},
		{4, 8},
	}
	for _, tt := range tests {
		_, err := SceneLabels(make([]int, tt.n), tt.sceneLen)
		if !errors.Is(err, ErrSceneLength) {
			t.Errorf("n=%d L=%d: expected ErrSceneLength, got %v", tt.n, tt.sceneLen, err)
		}
	}

	_, err := SceneLabels(nil, 2)
	if !errors.Is(err, ErrNoScenes) {
		t.Errorf("Expected ErrNoScenes for empty input, got %v", err)
	}
}

func TestMajorityVotingScenario(t *testing.T) {
	// Stored labels count from 1
	truth, err := ZeroIndexed([]int{1, 1, 2, 2})
	if err != nil {
		t.Fatalf("ZeroIndexed failed: %v", err)
	}
	predicted, err := ZeroIndexed([]int{1, 2, 2, 2})
	if err != nil {
		t.Fatalf("ZeroIndexed failed: %v", err)
	}

	scenes, err := SceneLabels(truth, 2)
	if err != nil {
		t.Fatalf("SceneLabels failed: %v", err)
	}
	if scenes[0] != 0 || scenes[1] != 1 {
		t.Errorf("Expected scene labels [0 1], got %v", scenes)
	}

	votes, err := SceneLabels(predicted, 2)
	if err != nil {
		t.Fatalf("SceneLabels failed: %v", err)
	}
	if votes[0] != 0 || votes[1] != 1 {
		t.Errorf("Expected scene predictions [0 1], got %v", votes)
	}

	acc, err := MajorityVoting(truth, predicted, 2)
	if err != nil {
		t.Fatalf("MajorityVoting failed: %v", err)
	}
	if acc != 1.0 {
		t.Errorf("Expected majority accuracy 1.0, got %f", acc)
	}
}

func TestMajorityVotingSingleSegmentScenes(t *testing.T) {
	truth := []int{0, 1, 2, 3, 1, 1, 0, 2}
	predicted := []int{0, 1, 1, 3, 2, 1, 3, 2}

	segment, err := Agreement(truth, predicted)
	if err != nil {
		t.Fatalf("Agreement failed: %v", err)
	}
	acc, err := MajorityVoting(truth, predicted, 1)
	if err != nil {
		t.Fatalf("MajorityVoting failed: %v", err)
	}
	if acc != segment {
		t.Errorf("L=1 majority accuracy %f should equal segment accuracy %f", acc, segment)
	}
}

func TestMajorityVotingLengthMismatch(t *testing.T) {
	_, err := MajorityVoting([]int{0, 1}, []int{0}, 1)
	if !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("Expected ErrLengthMismatch, got %v", err)
	}
}

func TestZeroIndexedRejectsZero(t *testing.T) {
	if _, err := ZeroIndexed([]int{1, 0, 2}); err == nil {
		t.Error("Expected error for label 0 in 1-indexed stream")
	}
}

func TestNormalizeRowsSumToOne(t *testing.T) {
	scores := mat.NewDense(4, 3, []float64{
		1, 2, 3,
		-5, 0, 5,
		1000, 999, 998, // would overflow exp() without the shift
		0, 0, 0,
	})
	probs := Normalize(scores)

	for i := 0; i < 4; i++ {
		row := probs.RawRowView(i)
		sum := floats.Sum(row)
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("Row %d sums to %v", i, sum)
		}
		for j, p := range row {
			if math.IsNaN(p) || p < 0 || p > 1 {
				t.Errorf("Row %d col %d: invalid probability %v", i, j, p)
			}
		}
	}

	// Uniform logits give a uniform distribution
	for _, p := range probs.RawRowView(3) {
		if math.Abs(p-1.0/3.0) > 1e-12 {
			t.Errorf("Expected 1/3, got %v", p)
		}
	}
}

// logits returns scores whose softmax is exactly the given probabilities
func logits(rows, cols int, probs []float64) *mat.Dense {
	data := make([]float64, len(probs))
	for i, p := range probs {
		data[i] = math.Log(p)
	}
	return mat.NewDense(rows, cols, data)
}

func TestProbabilityVotingPolicies(t *testing.T) {
	scores := logits(4, 3, []float64{
		// scene 0, true class 0
		0.5, 0.4, 0.1,
		0.1, 0.45, 0.45,
		// scene 1, true class 2
		0.2, 0.3, 0.5,
		0.3, 0.3, 0.4,
	})
	truth := []int{0, 0, 2, 2}

	// scene 0: sum -> 1, max -> 0, product -> 1
	expected := map[Policy][]int{
		Sum:     {1, 2},
		Max:     {0, 2},
		Product: {1, 2},
	}
	for policy, want := range expected {
		got, err := ScenePredictions(scores, 2, policy)
		if err != nil {
			t.Fatalf("%s: ScenePredictions failed: %v", policy, err)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s: scene %d expected class %d, got %d", policy, i, want[i], got[i])
			}
		}
	}

	result, err := ProbabilityVoting(truth, scores, 2)
	if err != nil {
		t.Fatalf("ProbabilityVoting failed: %v", err)
	}
	if result.Sum != 0.5 || result.Max != 1.0 || result.Product != 0.5 {
		t.Errorf("Expected sum/max/product 0.5/1/0.5, got %v/%v/%v", result.Sum, result.Max, result.Product)
	}
	if result.Get(Max) != result.Max {
		t.Errorf("Get(Max) = %v, expected %v", result.Get(Max), result.Max)
	}
}

func TestProbabilityVotingRanges(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const classes, sceneLen, scenes = 5, 4, 20

	scores := mat.NewDense(scenes*sceneLen, classes, nil)
	truth := make([]int, scenes*sceneLen)
	for i := range truth {
		truth[i] = rng.Intn(classes)
		for j := 0; j < classes; j++ {
			scores.Set(i, j, rng.NormFloat64()*3)
		}
	}

	for _, policy := range []Policy{Sum, Max, Product} {
		votes, err := ScenePredictions(scores, sceneLen, policy)
		if err != nil {
			t.Fatalf("%s: ScenePredictions failed: %v", policy, err)
		}
		if len(votes) != scenes {
			t.Errorf("%s: expected %d votes, got %d", policy, scenes, len(votes))
		}
		for i, v := range votes {
			if v < 0 || v >= classes {
				t.Errorf("%s: scene %d vote %d outside [0, %d)", policy, i, v, classes)
			}
		}
	}

	result, err := ProbabilityVoting(truth, scores, sceneLen)
	if err != nil {
		t.Fatalf("ProbabilityVoting failed: %v", err)
	}
	for _, acc := range []float64{result.Sum, result.Max, result.Product} {
		if acc < 0 || acc > 1 {
			t.Errorf("Accuracy %v outside [0, 1]", acc)
		}
	}
}

func TestProductPolicyMatchesNaiveProduct(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const classes, sceneLen, scenes = 4, 3, 50

	scores := mat.NewDense(scenes*sceneLen, classes, nil)
	for i := 0; i < scenes*sceneLen; i++ {
		for j := 0; j < classes; j++ {
			scores.Set(i, j, rng.NormFloat64())
		}
	}
	probs := Normalize(scores)

	votes, err := ScenePredictions(scores, sceneLen, Product)
	if err != nil {
		t.Fatalf("ScenePredictions failed: %v", err)
	}

	for s := 0; s < scenes; s++ {
		naive := []float64{1, 1, 1, 1}
		for r := s * sceneLen; r < (s+1)*sceneLen; r++ {
			floats.Mul(naive, probs.RawRowView(r))
		}
		if want := floats.MaxIdx(naive); votes[s] != want {
			t.Errorf("Scene %d: log-space product picked %d, naive product picked %d", s, votes[s], want)
		}
	}
}

func TestProductPolicySurvivesUnderflow(t *testing.T) {
	// 0.7^3000 underflows to zero, so a plain product cannot tell the classes apart
	const sceneLen = 3000
	probs := make([]float64, 0, 2*sceneLen)
	for i := 0; i < sceneLen; i++ {
		probs = append(probs, 0.3, 0.7)
	}
	scores := logits(sceneLen, 2, probs)

	votes, err := ScenePredictions(scores, sceneLen, Product)
	if err != nil {
		t.Fatalf("ScenePredictions failed: %v", err)
	}
	if votes[0] != 1 {
		t.Errorf("Expected class 1, got %d", votes[0])
	}
}

func TestProbabilityVotingLengthMismatch(t *testing.T) {
	scores := mat.NewDense(4, 2, nil)
	_, err := ProbabilityVoting([]int{0, 1, 1}, scores, 1)
	if !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("Expected ErrLengthMismatch, got %v", err)
	}

	_, err = ProbabilityVoting([]int{0, 1, 1, 0}, scores, 3)
	if !errors.Is(err, ErrSceneLength) {
		t.Errorf("Expected ErrSceneLength, got %v", err)
	}
}

func TestPolicyString(t *testing.T) {
	tests := []struct {
		policy   Policy
		expected string
	}{
		{Sum, "sum"},
		{Max, "max"},
		{Product, "product"},
		{Policy(9), "unknown"},
	}
	for _, tt := range tests {
		if tt.policy.String() != tt.expected {
			t.Errorf("Policy(%d).String() = %s, expected %s", tt.policy, tt.policy.String(), tt.expected)
		}
	}
}

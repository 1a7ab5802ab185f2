package voting

import (
	"github.com/pkg/errors"
)

// MajorityLabel returns the most frequent value in labels.
// Ties go to the smallest label, which is what an argmax over a count array yields.
// Counting is sparse, so memory follows the number of distinct labels, not their size.
func MajorityLabel(labels []int) (int, error) {
	if len(labels) == 0 {
		return 0, ErrNoScenes
	}

	counts := make(map[int]int, len(labels))
	for _, l := range labels {
		if l < 0 {
			return 0, errors.Wrapf(ErrNegativeLabel, "label %d", l)
		}
		counts[l]++
	}

	best, bestCount := -1, 0
	for l, n := range counts {
		if n > bestCount || (n == bestCount && l < best) {
			best, bestCount = l, n
		}
	}
	return best, nil
}

// SceneLabels votes each group of sceneLen consecutive labels down to one label.
func SceneLabels(labels []int, sceneLen int) ([]int, error) {
	scenes, err := SceneCount(len(labels), sceneLen)
	if err != nil {
		return nil, err
	}

	out := make([]int, scenes)
	for i := 0; i < scenes; i++ {
		label, err := MajorityLabel(labels[i*sceneLen : (i+1)*sceneLen])
		if err != nil {
			return nil, errors.Wrapf(err, "scene %d", i)
		}
		out[i] = label
	}
	return out, nil
}

// MajorityVoting votes the true and predicted label streams independently and
// returns the fraction of scenes whose voted prediction matches the voted truth.
// Both streams are class indices counting from 0.
func MajorityVoting(trueLabels, predicted []int, sceneLen int) (float64, error) {
	if len(trueLabels) != len(predicted) {
		return 0, errors.Wrapf(ErrLengthMismatch, "%d labels, %d predictions", len(trueLabels), len(predicted))
	}

	truth, err := SceneLabels(trueLabels, sceneLen)
	if err != nil {
		return 0, errors.Wrap(err, "voting true labels")
	}
	votes, err := SceneLabels(predicted, sceneLen)
	if err != nil {
		return 0, errors.Wrap(err, "voting predictions")
	}
	return Agreement(truth, votes)
}

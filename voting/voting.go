// Package voting turns per-segment classifier output into scene-level decisions.
//
// A scene is a run of sceneLen contiguous segments. Grouping is purely positional:
// scene i owns rows i*sceneLen through (i+1)*sceneLen-1 of every input stream.
package voting

import (
	"github.com/pkg/errors"
)

var (
	// ErrSceneLength is returned when the scene length is not positive or does not
	// divide the number of segments.
	ErrSceneLength = errors.New("voting: segment count is not a multiple of the scene length")

	// ErrNoScenes is returned when there are no segments to vote over
	ErrNoScenes = errors.New("voting: no segments")

	// ErrNegativeLabel is returned when a label is below zero
	ErrNegativeLabel = errors.New("voting: negative label")

	// ErrLengthMismatch is returned when two streams that must be aligned have different lengths
	ErrLengthMismatch = errors.New("voting: stream length mismatch")
)

// SceneCount validates that n segments split evenly into scenes of sceneLen
// segments and returns the number of scenes.
func SceneCount(n, sceneLen int) (int, error) {
	if sceneLen <= 0 {
		return 0, errors.Wrapf(ErrSceneLength, "scene length %d", sceneLen)
	}
	if n == 0 {
		return 0, ErrNoScenes
	}
	if n%sceneLen != 0 {
		return 0, errors.Wrapf(ErrSceneLength, "%d segments, scene length %d, %d left over", n, sceneLen, n%sceneLen)
	}
	return n / sceneLen, nil
}

// ZeroIndexed converts labels stored counting from 1 into class indices counting from 0.
func ZeroIndexed(labels []int) ([]int, error) {
	out := make([]int, len(labels))
	for i, l := range labels {
		if l < 1 {
			return nil, errors.Errorf("voting: label %d at position %d is not 1-indexed", l, i)
		}
		out[i] = l - 1
	}
	return out, nil
}

// Agreement returns the fraction of positions where a and b hold the same value.
func Agreement(a, b []int) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.Wrapf(ErrLengthMismatch, "%d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, ErrNoScenes
	}
	same := 0
	for i := range a {
		if a[i] == b[i] {
			same++
		}
	}
	return float64(same) / float64(len(a)), nil
}

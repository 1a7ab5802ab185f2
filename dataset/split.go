// Package dataset loads segmented scene features and produces training batches.
package dataset

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Split holds one partition (train or test) of the segment data.
// Row i of every field describes the same segment.
type Split struct {
	Name     string
	Features []float64  // [N, Steps, Inputs] in row-major order
	Steps    int        // Time steps per segment
	Inputs   int        // Features per time step
	OneHot   *mat.Dense // [N, C] one-hot class targets
	Labels   []int      // Class labels counting from 1
}

// Data is the pair of splits a training run works on
type Data struct {
	Train *Split
	Test  *Split
}

// Batch is a gathered set of segments laid out for a recurrent model:
// one [B, Inputs] matrix per time step.
type Batch struct {
	Steps   []*mat.Dense
	Targets *mat.Dense // [B, C]
	Labels  []int      // Class labels counting from 1
}

// Size returns the number of segments in the batch
func (b *Batch) Size() int {
	return len(b.Labels)
}

// Len returns the number of segments in the split
func (s *Split) Len() int {
	return len(s.Labels)
}

// Classes returns the number of classes encoded in the one-hot targets
func (s *Split) Classes() int {
	if s.OneHot == nil {
		return 0
	}
	_, c := s.OneHot.Dims()
	return c
}

// Validate checks that features, one-hot targets and labels agree with each other
func (s *Split) Validate() error {
	n := len(s.Labels)
	if n == 0 {
		return errors.Errorf("%s split is empty", s.Name)
	}
	if s.Steps <= 0 || s.Inputs <= 0 {
		return errors.Errorf("%s split has invalid segment shape [%d, %d]", s.Name, s.Steps, s.Inputs)
	}
	if len(s.Features) != n*s.Steps*s.Inputs {
		return errors.Errorf("%s split has %d feature values, expected %d x %d x %d",
			s.Name, len(s.Features), n, s.Steps, s.Inputs)
	}
	if s.OneHot == nil {
		return errors.Errorf("%s split has no one-hot targets", s.Name)
	}
	rows, classes := s.OneHot.Dims()
	if rows != n {
		return errors.Errorf("%s split has %d one-hot rows for %d labels", s.Name, rows, n)
	}
	for i, l := range s.Labels {
		if l < 1 || l > classes {
			return errors.Errorf("%s split: label %d at row %d outside [1, %d]", s.Name, l, i, classes)
		}
		if hot := floats.MaxIdx(s.OneHot.RawRowView(i)); hot != l-1 {
			return errors.Errorf("%s split: one-hot row %d marks class %d but label is %d", s.Name, i, hot+1, l)
		}
	}
	return nil
}

// Shuffle applies one random permutation to features, targets and labels together
func (s *Split) Shuffle(rng *rand.Rand) {
	n := s.Len()
	perm := rng.Perm(n)
	seg := s.Steps * s.Inputs
	_, classes := s.OneHot.Dims()

	features := make([]float64, len(s.Features))
	oneHot := mat.NewDense(n, classes, nil)
	labels := make([]int, n)
	for dst, src := range perm {
		copy(features[dst*seg:(dst+1)*seg], s.Features[src*seg:(src+1)*seg])
		oneHot.SetRow(dst, s.OneHot.RawRowView(src))
		labels[dst] = s.Labels[src]
	}

	s.Features = features
	s.OneHot = oneHot
	s.Labels = labels
}

// Batch gathers the given segment indices into a Batch
func (s *Split) Batch(indices []int) *Batch {
	b := len(indices)
	_, classes := s.OneHot.Dims()

	steps := make([]*mat.Dense, s.Steps)
	for t := range steps {
		steps[t] = mat.NewDense(b, s.Inputs, nil)
	}
	targets := mat.NewDense(b, classes, nil)
	labels := make([]int, b)

	seg := s.Steps * s.Inputs
	for row, idx := range indices {
		base := idx * seg
		for t := 0; t < s.Steps; t++ {
			off := base + t*s.Inputs
			steps[t].SetRow(row, s.Features[off:off+s.Inputs])
		}
		targets.SetRow(row, s.OneHot.RawRowView(idx))
		labels[row] = s.Labels[idx]
	}

	return &Batch{Steps: steps, Targets: targets, Labels: labels}
}

// All gathers every segment of the split, in order, into a single Batch
func (s *Split) All() *Batch {
	indices := make([]int, s.Len())
	for i := range indices {
		indices[i] = i
	}
	return s.Batch(indices)
}

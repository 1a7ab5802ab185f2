package dataset

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// SyntheticConfig describes a generated scene dataset
type SyntheticConfig struct {
	Classes   int     // Number of scene classes
	Scenes    int     // Scenes per class
	SceneLen  int     // Segments per scene
	Steps     int     // Time steps per segment
	Inputs    int     // Features per time step
	Noise     float64 // Standard deviation of additive noise
	Confusion float64 // Probability that a segment is drawn from a random other class
}

// DefaultSyntheticConfig returns a small configuration that an LSTM separates quickly
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Classes:   3,
		Scenes:    8,
		SceneLen:  5,
		Steps:     6,
		Inputs:    4,
		Noise:     0.3,
		Confusion: 0.1,
	}
}

// Synthetic generates a split of contiguous scenes. Each class is a sinusoid with its
// own frequency and phase across the feature channels; a fraction of segments inside
// a scene are drawn from another class so that scene-level voting has something to fix.
func Synthetic(name string, cfg SyntheticConfig, rng *rand.Rand) (*Split, error) {
	if cfg.Classes < 2 || cfg.Scenes <= 0 || cfg.SceneLen <= 0 || cfg.Steps <= 0 || cfg.Inputs <= 0 {
		return nil, errors.Errorf("invalid synthetic configuration %+v", cfg)
	}

	n := cfg.Classes * cfg.Scenes * cfg.SceneLen
	seg := cfg.Steps * cfg.Inputs
	split := &Split{
		Name:     name,
		Features: make([]float64, n*seg),
		Steps:    cfg.Steps,
		Inputs:   cfg.Inputs,
		OneHot:   mat.NewDense(n, cfg.Classes, nil),
		Labels:   make([]int, n),
	}

	row := 0
	for scene := 0; scene < cfg.Classes*cfg.Scenes; scene++ {
		class := scene % cfg.Classes
		for s := 0; s < cfg.SceneLen; s++ {
			source := class
			if rng.Float64() < cfg.Confusion {
				source = (class + 1 + rng.Intn(cfg.Classes-1)) % cfg.Classes
			}
			freq := 0.5 + float64(source)
			phase := rng.Float64() * 0.5
			for t := 0; t < cfg.Steps; t++ {
				for f := 0; f < cfg.Inputs; f++ {
					x := math.Sin(freq*float64(t)*0.7+float64(f)*float64(source+1)*0.4+phase) + rng.NormFloat64()*cfg.Noise
					split.Features[row*seg+t*cfg.Inputs+f] = x
				}
			}
			split.OneHot.Set(row, class, 1)
			split.Labels[row] = class + 1
			row++
		}
	}
	return split, nil
}

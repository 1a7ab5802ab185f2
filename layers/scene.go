package layers

import "fmt"

// SceneClassifierConfig describes the stacked LSTM used for scene segments
type SceneClassifierConfig struct {
	Steps    int     // Time steps per segment
	Inputs   int     // Features per time step
	Hidden   int     // Hidden units per LSTM layer
	Layers   int     // Number of stacked LSTM layers
	Classes  int     // Output classes
	KeepProb float64 // Dropout keep probability applied to every LSTM output
}

// NewSceneClassifierSpec builds and compiles LSTM -> Dropout (x Layers) -> Dense
func NewSceneClassifierSpec(cfg SceneClassifierConfig) (*ModelSpec, error) {
	if cfg.Layers <= 0 {
		return nil, fmt.Errorf("need at least one LSTM layer, got %d", cfg.Layers)
	}
	if cfg.Classes < 2 {
		return nil, fmt.Errorf("need at least two classes, got %d", cfg.Classes)
	}

	builder := NewModelBuilder([]int{-1, cfg.Steps, cfg.Inputs})
	for i := 0; i < cfg.Layers; i++ {
		builder.AddLSTM(cfg.Hidden, fmt.Sprintf("lstm%d", i+1))
		builder.AddDropout(cfg.KeepProb, fmt.Sprintf("dropout%d", i+1))
	}
	builder.AddDense(cfg.Classes, true, "output")

	return builder.Compile()
}

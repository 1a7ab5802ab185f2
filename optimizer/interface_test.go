package optimizer

import (
	"testing"

	"github.com/tsawler/scenevote/checkpoints"
)

func TestNewByName(t *testing.T) {
	params := []*Parameter{NewParameter("w", []int{2, 3}), NewParameter("b", []int{3})}

	tests := []struct {
		name     string
		expected string
		wantErr  bool
	}{
		{"adam", "Adam", false},
		{"", "Adam", false},
		{"SGD", "SGD", false},
		{"rmsprop", "RMSProp", false},
		{"lbfgs", "", true},
	}
	for _, tt := range tests {
		opt, err := New(Config{Name: tt.name, LearningRate: 0.01}, params)
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			continue
		}
		state, err := opt.GetState()
		if err != nil {
			t.Fatalf("GetState failed: %v", err)
		}
		if state.Type != tt.expected {
			t.Errorf("New(%q) built %s, expected %s", tt.name, state.Type, tt.expected)
		}
		if opt.LearningRate() != 0.01 {
			t.Errorf("New(%q) learning rate %v, expected 0.01", tt.name, opt.LearningRate())
		}
		opt.UpdateLearningRate(0.5)
		if opt.LearningRate() != 0.5 {
			t.Errorf("UpdateLearningRate not applied for %q", tt.name)
		}
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := []struct {
		name     string
		expected int
	}{
		{"momentum_0", 0},
		{"variance_12", 12},
		{"squared_grad_avg_3", 3},
		{"momentum", -1},
		{"momentum_x", -1},
	}
	for _, tt := range tests {
		if got := extractBufferIndex(tt.name); got != tt.expected {
			t.Errorf("extractBufferIndex(%q) = %d, expected %d", tt.name, got, tt.expected)
		}
	}
}

func TestRestoreIndexedBuffersRequiresEveryBuffer(t *testing.T) {
	buffers := [][]float64{make([]float64, 2), make([]float64, 2)}
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		StateData: []checkpoints.OptimizerTensor{
			{Name: "momentum_1", Shape: []int{2}, Data: []float64{1, 2}, StateType: "momentum"},
		},
	}
	if err := restoreIndexedBuffers(state, "momentum", buffers); err == nil {
		t.Error("Expected error when a buffer is missing")
	}

	state.StateData = append(state.StateData,
		checkpoints.OptimizerTensor{Name: "momentum_0", Shape: []int{2}, Data: []float64{3, 4}, StateType: "momentum"})
	if err := restoreIndexedBuffers(state, "momentum", buffers); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if buffers[0][1] != 4 || buffers[1][0] != 1 {
		t.Errorf("Buffers restored to the wrong slots: %v", buffers)
	}

	state.StateData[0].Data = []float64{1}
	if err := restoreIndexedBuffers(state, "momentum", buffers); err == nil {
		t.Error("Expected size mismatch error")
	}
}

func TestParameterZeroGrad(t *testing.T) {
	p := NewParameter("w", []int{2, 2})
	for i := range p.Grad {
		p.Grad[i] = float64(i + 1)
	}
	p.ZeroGrad()
	for i, g := range p.Grad {
		if g != 0 {
			t.Errorf("Gradient %d not cleared: %v", i, g)
		}
	}
}

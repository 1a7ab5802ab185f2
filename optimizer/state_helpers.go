package optimizer

import (
	"fmt"

	"github.com/tsawler/scenevote/checkpoints"
)

// Common helper functions for optimizer state management

// extractBufferState copies a single state buffer into a checkpoint tensor
func extractBufferState(buffer []float64, name string, stateType string) *checkpoints.OptimizerTensor {
	if buffer == nil {
		return nil
	}

	return &checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{len(buffer)},
		Data:      append([]float64(nil), buffer...),
		StateType: stateType,
	}
}

// restoreBufferState restores a single state buffer from checkpoint data
func restoreBufferState(buffer []float64, data []float64, name string) error {
	if buffer == nil {
		return fmt.Errorf("%s buffer is nil", name)
	}

	if len(data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}

	copy(buffer, data)
	return nil
}

// restoreIndexedBuffers routes every state tensor of the given kind to buffers[index]
func restoreIndexedBuffers(state *checkpoints.OptimizerState, stateType string, buffers [][]float64) error {
	restored := 0
	for _, tensor := range state.StateData {
		if tensor.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(buffers) {
			return fmt.Errorf("invalid buffer index in %s", tensor.Name)
		}
		if err := restoreBufferState(buffers[idx], tensor.Data, tensor.Name); err != nil {
			return err
		}
		restored++
	}
	if restored != len(buffers) {
		return fmt.Errorf("expected %d %s buffers, restored %d", len(buffers), stateType, restored)
	}
	return nil
}

// extractFloatParam safely extracts a float parameter from the state map
func extractFloatParam(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter (stored as 0 or 1) from the state map
func extractBoolParam(params map[string]float64, key string, defaultValue bool) bool {
	if val, ok := params[key]; ok {
		return val != 0
	}
	return defaultValue
}

// extractUint64Param safely extracts a counter from the state map
func extractUint64Param(params map[string]float64, key string, defaultValue uint64) uint64 {
	if val, ok := params[key]; ok && val >= 0 {
		return uint64(val)
	}
	return defaultValue
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func zeroBuffers(params []*Parameter) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = make([]float64, len(p.Value))
	}
	return out
}

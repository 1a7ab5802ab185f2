package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	LSTM
	Dropout
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case LSTM:
		return "LSTM"
	case Dropout:
		return "Dropout"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterNames  []string `json:"parameter_names,omitempty"`
	ParameterShapes [][]int  `json:"parameter_shapes,omitempty"`
	ParameterCount  int64    `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete recurrent model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct recurrent models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder.
// inputShape is [batch, steps, inputs]; the batch dimension may be -1.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddLSTM adds an LSTM layer with the given number of hidden units
func (mb *ModelBuilder) AddLSTM(hidden int, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: LSTM,
		Name: name,
		Parameters: map[string]interface{}{
			"hidden_size": hidden,
			"forget_bias": 1.0,
		},
	}
	return mb.AddLayer(layer)
}

// AddDropout adds an output dropout wrapper that keeps each unit with probability keepProb
func (mb *ModelBuilder) AddDropout(keepProb float64, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"keep_prob": keepProb,
		},
	}
	return mb.AddLayer(layer)
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	// Input size will be computed during compilation
	layer := LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
	return mb.AddLayer(layer)
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) != 3 {
		return nil, fmt.Errorf("input shape must be [batch, steps, inputs], got %v", mb.inputShape)
	}
	if mb.inputShape[1] <= 0 || mb.inputShape[2] <= 0 {
		return nil, fmt.Errorf("input shape %v has non-positive steps or inputs", mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
		Compiled:   false,
	}

	// Copy layers, including their parameter maps, so the builder can be reused
	for i, l := range mb.layers {
		params := make(map[string]interface{}, len(l.Parameters))
		for k, v := range l.Parameters {
			params[k] = v
		}
		l.Parameters = params
		model.Layers[i] = l
	}

	// An LSTM hands its whole sequence on only when another LSTM follows it
	for i := range model.Layers {
		if model.Layers[i].Type != LSTM {
			continue
		}
		returnSequences := false
		for j := i + 1; j < len(model.Layers); j++ {
			if model.Layers[j].Type == Dropout {
				continue
			}
			returnSequences = model.Layers[j].Type == LSTM
			break
		}
		model.Layers[i].Parameters["return_sequences"] = returnSequences
	}

	// Compute shapes and parameter information
	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		// Set input shape for this layer
		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		// Compute output shape and parameters based on layer type
		outputShape, paramNames, paramShapes, paramCount, err := mb.computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterNames = paramNames
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		currentShape = outputShape
	}

	if len(currentShape) != 2 {
		return nil, fmt.Errorf("model must end in a [batch, classes] output, got %v", currentShape)
	}
	if model.Layers[len(model.Layers)-1].Type != Dense {
		return nil, fmt.Errorf("model must end in a dense layer")
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func (mb *ModelBuilder) computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, []string, [][]int, int64, error) {
	switch layer.Type {
	case LSTM:
		return mb.computeLSTMInfo(layer, inputShape)
	case Dense:
		return mb.computeDenseInfo(layer, inputShape)
	case Dropout:
		keep := getFloatParam(layer.Parameters, "keep_prob", 1)
		if keep <= 0 || keep > 1 {
			return nil, nil, nil, 0, fmt.Errorf("keep probability %v outside (0, 1]", keep)
		}
		return inputShape, nil, nil, 0, nil
	default:
		return nil, nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeLSTMInfo computes LSTM layer information.
// Gates are packed as [input, forget, cell, output] along the second weight axis.
func (mb *ModelBuilder) computeLSTMInfo(layer *LayerSpec, inputShape []int) ([]int, []string, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, nil, 0, fmt.Errorf("LSTM layer requires [batch, steps, inputs] input, got %v", inputShape)
	}

	hidden := getIntParam(layer.Parameters, "hidden_size", 0)
	if hidden <= 0 {
		return nil, nil, nil, 0, fmt.Errorf("LSTM hidden size must be positive, got %d", hidden)
	}

	inputSize := inputShape[2]
	layer.Parameters["input_size"] = inputSize

	var outputShape []int
	if getBoolParam(layer.Parameters, "return_sequences", false) {
		outputShape = []int{inputShape[0], inputShape[1], hidden}
	} else {
		outputShape = []int{inputShape[0], hidden}
	}

	names := []string{layer.Name + ".input_weight", layer.Name + ".recurrent_weight", layer.Name + ".bias"}
	shapes := [][]int{{inputSize, 4 * hidden}, {hidden, 4 * hidden}, {4 * hidden}}
	count := int64(inputSize*4*hidden + hidden*4*hidden + 4*hidden)

	return outputShape, names, shapes, count, nil
}

// computeDenseInfo computes dense layer information
func (mb *ModelBuilder) computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, []string, [][]int, int64, error) {
	if len(inputShape) != 2 {
		return nil, nil, nil, 0, fmt.Errorf("dense layer requires [batch, features] input, got %v", inputShape)
	}

	outputSize := getIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, nil, 0, fmt.Errorf("dense output size must be positive, got %d", outputSize)
	}
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	inputSize := inputShape[1]
	layer.Parameters["input_size"] = inputSize

	names := []string{layer.Name + ".weight"}
	shapes := [][]int{{inputSize, outputSize}}
	count := int64(inputSize * outputSize)
	if useBias {
		names = append(names, layer.Name+".bias")
		shapes = append(shapes, []int{outputSize})
		count += int64(outputSize)
	}

	return []int{inputShape[0], outputSize}, names, shapes, count, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %s\n", FormatParameterCount(ms.TotalParameters))
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&sb, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n", layer.ParameterCount)
	}

	return sb.String()
}

// Classes returns the width of the model output
func (ms *ModelSpec) Classes() int {
	return ms.OutputShape[len(ms.OutputShape)-1]
}

// FormatParameterCount formats parameter count with K/M suffixes
func FormatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, ok := params[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case float64: // JSON round trip
			return int(v)
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		switch v := val.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int:
			return float64(v)
		}
	}
	return defaultValue
}

// IntParam returns an integer layer parameter
func (ls LayerSpec) IntParam(key string) int {
	return getIntParam(ls.Parameters, key, 0)
}

// FloatParam returns a floating point layer parameter
func (ls LayerSpec) FloatParam(key string, defaultValue float64) float64 {
	return getFloatParam(ls.Parameters, key, defaultValue)
}

// BoolParam returns a boolean layer parameter
func (ls LayerSpec) BoolParam(key string, defaultValue bool) bool {
	return getBoolParam(ls.Parameters, key, defaultValue)
}

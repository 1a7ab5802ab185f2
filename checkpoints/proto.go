package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/tsawler/scenevote/layers"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary checkpoint layout. The layout is plain protobuf wire
// format so that the file can be inspected with protoc --decode_raw.
//
//	Checkpoint     { 1 model_spec (JSON bytes), 2 weights (Tensor), 3 training_state,
//	                 4 optimizer_state, 5 metadata }
//	Tensor         { 1 name, 2 shape (packed varint), 3 data (packed fixed64),
//	                 4 layer, 5 type }
//	TrainingState  { 1 epoch, 2 step, 3 learning_rate, 4 best_loss, 5 best_accuracy,
//	                 6 total_steps }
//	OptimizerState { 1 type, 2 parameters (Param), 3 state_data (Tensor) }
//	Param          { 1 key, 2 value }
//	Metadata       { 1 version, 2 framework, 3 run_id, 4 created_at (unix nanos),
//	                 5 description, 6 tags }
const (
	fieldModelSpec     protowire.Number = 1
	fieldWeights       protowire.Number = 2
	fieldTrainingState protowire.Number = 3
	fieldOptimizer     protowire.Number = 4
	fieldMetadata      protowire.Number = 5
)

// MarshalProto encodes a checkpoint in protobuf wire format
func MarshalProto(c *Checkpoint) ([]byte, error) {
	var b []byte

	if c.ModelSpec != nil {
		spec, err := json.Marshal(c.ModelSpec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode model spec: %w", err)
		}
		b = protowire.AppendTag(b, fieldModelSpec, protowire.BytesType)
		b = protowire.AppendBytes(b, spec)
	}

	for _, w := range c.Weights {
		b = protowire.AppendTag(b, fieldWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}

	b = protowire.AppendTag(b, fieldTrainingState, protowire.BytesType)
	b = protowire.AppendBytes(b, appendTrainingState(nil, c.TrainingState))

	if c.OptimizerState != nil {
		b = protowire.AppendTag(b, fieldOptimizer, protowire.BytesType)
		b = protowire.AppendBytes(b, appendOptimizerState(nil, c.OptimizerState))
	}

	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, appendMetadata(nil, c.Metadata))

	return b, nil
}

// UnmarshalProto decodes a checkpoint written by MarshalProto
func UnmarshalProto(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldModelSpec:
			var spec layers.ModelSpec
			if err := json.Unmarshal(v, &spec); err != nil {
				return fmt.Errorf("model spec: %w", err)
			}
			c.ModelSpec = &spec
		case fieldWeights:
			t, err := consumeTensor(v)
			if err != nil {
				return fmt.Errorf("weight %d: %w", len(c.Weights), err)
			}
			c.Weights = append(c.Weights, WeightTensor{Name: t.Name, Shape: t.Shape, Data: t.Data, Layer: t.Layer, Type: t.Kind})
		case fieldTrainingState:
			s, err := consumeTrainingState(v)
			if err != nil {
				return fmt.Errorf("training state: %w", err)
			}
			c.TrainingState = s
		case fieldOptimizer:
			s, err := consumeOptimizerState(v)
			if err != nil {
				return fmt.Errorf("optimizer state: %w", err)
			}
			c.OptimizerState = s
		case fieldMetadata:
			m, err := consumeMetadata(v)
			if err != nil {
				return fmt.Errorf("metadata: %w", err)
			}
			c.Metadata = m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// walk visits every field of a message. Length-delimited values arrive in v,
// varint and fixed64 values in x.
func walk(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v []byte
		var x uint64
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := visit(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

type wireTensor struct {
	Name  string
	Shape []int
	Data  []float64
	Layer string
	Kind  string
}

func appendTensor(b []byte, name string, shape []int, data []float64, layer, kind string) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	packed = make([]byte, 0, 8*len(data))
	for _, f := range data {
		packed = protowire.AppendFixed64(packed, math.Float64bits(f))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	if layer != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, layer)
	}
	if kind != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, kind)
	}
	return b
}

func consumeTensor(b []byte) (wireTensor, error) {
	var t wireTensor
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case 1:
			t.Name = string(v)
		case 2:
			if typ == protowire.VarintType {
				t.Shape = append(t.Shape, int(x))
				return nil
			}
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.Shape = append(t.Shape, int(d))
				v = v[n:]
			}
		case 3:
			if typ == protowire.Fixed64Type {
				t.Data = append(t.Data, math.Float64frombits(x))
				return nil
			}
			if len(v)%8 != 0 {
				return fmt.Errorf("tensor %s: packed data of %d bytes", t.Name, len(v))
			}
			if t.Data == nil {
				t.Data = make([]float64, 0, len(v)/8)
			}
			for len(v) > 0 {
				bits, n := protowire.ConsumeFixed64(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.Data = append(t.Data, math.Float64frombits(bits))
				v = v[n:]
			}
		case 4:
			t.Layer = string(v)
		case 5:
			t.Kind = string(v)
		}
		return nil
	})
	if err != nil {
		return t, err
	}
	if t.Data == nil {
		t.Data = []float64{}
	}
	if n := shapeSize(t.Shape); n != len(t.Data) {
		return t, fmt.Errorf("tensor %s: shape %v holds %d values, found %d", t.Name, t.Shape, n, len(t.Data))
	}
	return t, nil
}

func appendTrainingState(b []byte, s TrainingState) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Epoch))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Step))
	b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.LearningRate))
	b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.BestLoss))
	b = protowire.AppendTag(b, 5, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.BestAccuracy))
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.TotalSteps))
	return b
}

func consumeTrainingState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case 1:
			s.Epoch = int(x)
		case 2:
			s.Step = int(x)
		case 3:
			s.LearningRate = math.Float64frombits(x)
		case 4:
			s.BestLoss = math.Float64frombits(x)
		case 5:
			s.BestAccuracy = math.Float64frombits(x)
		case 6:
			s.TotalSteps = int(x)
		}
		return nil
	})
	return s, err
}

func appendOptimizerState(b []byte, s *OptimizerState) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, s.Type)

	// Sorted so that identical states encode to identical bytes
	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var p []byte
		p = protowire.AppendTag(p, 1, protowire.BytesType)
		p = protowire.AppendString(p, k)
		p = protowire.AppendTag(p, 2, protowire.Fixed64Type)
		p = protowire.AppendFixed64(p, math.Float64bits(s.Parameters[k]))
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}

	for _, t := range s.StateData {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, t.Name, t.Shape, t.Data, "", t.StateType))
	}
	return b
}

func consumeOptimizerState(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: make(map[string]float64)}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case 1:
			s.Type = string(v)
		case 2:
			var key string
			var value float64
			err := walk(v, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
				switch num {
				case 1:
					key = string(v)
				case 2:
					value = math.Float64frombits(x)
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.Parameters[key] = value
		case 3:
			t, err := consumeTensor(v)
			if err != nil {
				return err
			}
			s.StateData = append(s.StateData, OptimizerTensor{Name: t.Name, Shape: t.Shape, Data: t.Data, StateType: t.Kind})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func appendMetadata(b []byte, m CheckpointMetadata) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.Version)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.Framework)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, m.RunID)
	if !m.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.CreatedAt.UnixNano()))
	}
	if m.Description != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, m.Description)
	}
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func consumeMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case 1:
			m.Version = string(v)
		case 2:
			m.Framework = string(v)
		case 3:
			m.RunID = string(v)
		case 4:
			m.CreatedAt = time.Unix(0, protowire.DecodeZigZag(x))
		case 5:
			m.Description = string(v)
		case 6:
			m.Tags = append(m.Tags, string(v))
		}
		return nil
	})
	return m, err
}

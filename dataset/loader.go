package dataset

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio/npz"
	"gonum.org/v1/gonum/mat"
)

// Array name suffixes inside a split archive. A split with prefix "train" stores
// train_data, train_y and train_label.
const (
	FeatureSuffix = "_data"
	OneHotSuffix  = "_y"
	LabelSuffix   = "_label"
)

// Load reads the train and test splits
func Load(trainPath, testPath string) (*Data, error) {
	train, err := LoadSplit(trainPath, "train")
	if err != nil {
		return nil, err
	}
	test, err := LoadSplit(testPath, "test")
	if err != nil {
		return nil, err
	}
	if train.Steps != test.Steps || train.Inputs != test.Inputs {
		return nil, errors.Errorf("train segments are [%d, %d] but test segments are [%d, %d]",
			train.Steps, train.Inputs, test.Steps, test.Inputs)
	}
	if train.Classes() != test.Classes() {
		return nil, errors.Errorf("train split has %d classes but test split has %d", train.Classes(), test.Classes())
	}
	return &Data{Train: train, Test: test}, nil
}

// LoadSplit reads one split from a NumPy .npz archive holding <prefix>_data,
// <prefix>_y and <prefix>_label.
func LoadSplit(path, prefix string) (*Split, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", path)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, errors.Wrapf(err, "loading %s split", prefix)
	}

	r, err := npz.Open(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", abs)
	}
	defer r.Close()

	features, featureShape, err := readArray(r, prefix+FeatureSuffix)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", abs)
	}
	oneHot, oneHotShape, err := readArray(r, prefix+OneHotSuffix)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", abs)
	}
	labels, labelShape, err := readArray(r, prefix+LabelSuffix)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", abs)
	}

	split := &Split{Name: prefix, Features: features}

	// [N, T, F] is a sequence per segment, [N, F] a single time step
	switch len(featureShape) {
	case 3:
		split.Steps, split.Inputs = featureShape[1], featureShape[2]
	case 2:
		split.Steps, split.Inputs = 1, featureShape[1]
	default:
		return nil, errors.Errorf("%s%s in %s has shape %v, expected [N, T, F] or [N, F]",
			prefix, FeatureSuffix, abs, featureShape)
	}

	if len(oneHotShape) != 2 {
		return nil, errors.Errorf("%s%s in %s has shape %v, expected [N, C]", prefix, OneHotSuffix, abs, oneHotShape)
	}
	split.OneHot = mat.NewDense(oneHotShape[0], oneHotShape[1], oneHot)

	// Labels may be stored as [N], [N, 1] or [1, N]
	if squeezed(labelShape) != len(labels) {
		return nil, errors.Errorf("%s%s in %s has shape %v, expected a vector", prefix, LabelSuffix, abs, labelShape)
	}
	split.Labels = make([]int, len(labels))
	for i, v := range labels {
		split.Labels[i] = int(v)
		if float64(split.Labels[i]) != v {
			return nil, errors.Errorf("%s%s in %s: label %v at row %d is not an integer", prefix, LabelSuffix, abs, v, i)
		}
	}

	if featureShape[0] != len(split.Labels) {
		return nil, errors.Errorf("%s has %d feature rows but %d labels", abs, featureShape[0], len(split.Labels))
	}
	if err := split.Validate(); err != nil {
		return nil, errors.Wrapf(err, "validating %s", abs)
	}
	return split, nil
}

// squeezed returns the element count of a shape that has at most one dimension above 1,
// or -1 otherwise.
func squeezed(shape []int) int {
	n, big := 1, 0
	for _, d := range shape {
		n *= d
		if d > 1 {
			big++
		}
	}
	if big > 1 {
		return -1
	}
	return n
}

// arrayKey finds the archive entry for name, with or without the .npy extension
func arrayKey(r *npz.Reader, name string) (string, bool) {
	for _, k := range r.Keys() {
		if k == name || strings.TrimSuffix(k, ".npy") == name {
			return k, true
		}
	}
	return "", false
}

// readArray reads the named array as float64 values in row-major order, with its shape
func readArray(r *npz.Reader, name string) ([]float64, []int, error) {
	key, ok := arrayKey(r, name)
	if !ok {
		return nil, nil, errors.Errorf("array %q not found (have %v)", name, r.Keys())
	}

	hdr := r.Header(key)
	if hdr == nil {
		return nil, nil, errors.Errorf("array %q has no header", name)
	}
	shape := append([]int(nil), hdr.Descr.Shape...)

	data, err := readNumeric(r, key)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "array %q (%s)", name, hdr.Descr.Type)
	}

	want := 1
	for _, d := range shape {
		want *= d
	}
	if len(data) != want {
		return nil, nil, errors.Errorf("array %q holds %d values for shape %v", name, len(data), shape)
	}

	if hdr.Descr.Fortran && len(shape) > 1 {
		data = fortranToRowMajor(data, shape)
	}
	return data, shape, nil
}

// readNumeric decodes an array of any supported element type into float64.
// The npy decoder only fills a slice whose element type matches the stored dtype,
// so each candidate is tried in turn.
func readNumeric(r *npz.Reader, key string) ([]float64, error) {
	var f64 []float64
	if err := r.Read(key, &f64); err == nil {
		return f64, nil
	}
	var f32 []float32
	if err := r.Read(key, &f32); err == nil {
		return convert(f32), nil
	}
	var i64 []int64
	if err := r.Read(key, &i64); err == nil {
		return convert(i64), nil
	}
	var i32 []int32
	if err := r.Read(key, &i32); err == nil {
		return convert(i32), nil
	}
	var i16 []int16
	if err := r.Read(key, &i16); err == nil {
		return convert(i16), nil
	}
	var i8 []int8
	if err := r.Read(key, &i8); err == nil {
		return convert(i8), nil
	}
	var u64 []uint64
	if err := r.Read(key, &u64); err == nil {
		return convert(u64), nil
	}
	var u32 []uint32
	if err := r.Read(key, &u32); err == nil {
		return convert(u32), nil
	}
	var u16 []uint16
	if err := r.Read(key, &u16); err == nil {
		return convert(u16), nil
	}
	var u8 []uint8
	if err := r.Read(key, &u8); err != nil {
		return nil, errors.Wrap(err, "unsupported element type")
	}
	return convert(u8), nil
}

type number interface {
	~float32 | ~float64 | ~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

func convert[T number](in []T) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

// fortranToRowMajor re-lays out column-major data of the given shape in row-major order
func fortranToRowMajor(data []float64, shape []int) []float64 {
	out := make([]float64, len(data))
	idx := make([]int, len(shape))
	for flat := range out {
		// decompose flat (row-major) index
		rem := flat
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d] = rem % shape[d]
			rem /= shape[d]
		}
		// recompose as column-major offset
		src, stride := 0, 1
		for d := 0; d < len(shape); d++ {
			src += idx[d] * stride
			stride *= shape[d]
		}
		out[flat] = data[src]
	}
	return out
}

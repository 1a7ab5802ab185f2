package dataset

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// npyMagic starts every .npy member, followed by format version 1.0
var npyMagic = []byte("\x93NUMPY\x01\x00")

// WriteSplit stores a split as a .npz archive readable by LoadSplit and numpy.load.
// Features are written with their full [N, T, F] shape.
func WriteSplit(path, prefix string, s *Split) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", path)
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer f.Close()

	rows, classes := s.OneHot.Dims()
	labels := make([]float64, len(s.Labels))
	for i, l := range s.Labels {
		labels[i] = float64(l)
	}
	oneHot := make([]float64, 0, rows*classes)
	for i := 0; i < rows; i++ {
		oneHot = append(oneHot, s.OneHot.RawRowView(i)...)
	}

	zw := zip.NewWriter(f)
	members := []struct {
		name  string
		shape []int
		data  []float64
	}{
		{prefix + FeatureSuffix, []int{s.Len(), s.Steps, s.Inputs}, s.Features},
		{prefix + OneHotSuffix, []int{rows, classes}, oneHot},
		{prefix + LabelSuffix, []int{len(labels), 1}, labels},
	}
	for _, m := range members {
		w, err := zw.Create(m.name + ".npy")
		if err != nil {
			return errors.Wrapf(err, "adding %s to %s", m.name, path)
		}
		if _, err := w.Write(encodeNPY(m.shape, m.data)); err != nil {
			return errors.Wrapf(err, "writing %s to %s", m.name, path)
		}
	}
	if err := zw.Close(); err != nil {
		return errors.Wrapf(err, "finishing %s", path)
	}
	return f.Close()
}

// encodeNPY serialises little-endian float64 data in the NumPy 1.0 array format
func encodeNPY(shape []int, data []float64) []byte {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = fmt.Sprint(d)
	}
	tuple := strings.Join(dims, ", ")
	if len(shape) == 1 {
		tuple += ","
	}
	header := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%s), }", tuple)

	// magic + version + uint16 length + header must be a multiple of 64, ending in '\n'
	prefix := len(npyMagic) + 2
	pad := 64 - (prefix+len(header)+1)%64
	if pad == 64 {
		pad = 0
	}
	header += strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.Grow(prefix + len(header) + 8*len(data))
	buf.Write(npyMagic)
	binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	word := make([]byte, 8)
	for _, v := range data {
		binary.LittleEndian.PutUint64(word, math.Float64bits(v))
		buf.Write(word)
	}
	return buf.Bytes()
}

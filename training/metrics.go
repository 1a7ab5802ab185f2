package training

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	MacroPrecision MetricType = iota
	MacroRecall
	MacroF1
	MicroPrecision
	MicroRecall
	MicroF1
)

func (mt MetricType) String() string {
	switch mt {
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroPrecision:
		return "MicroPrecision"
	case MicroRecall:
		return "MicroRecall"
	case MicroF1:
		return "MicroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per true class
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds one count per (true, predicted) pair. Class indices count from 0.
func (cm *ConfusionMatrix) Update(trueLabels, predicted []int) error {
	if len(trueLabels) != len(predicted) {
		return errors.Errorf("labels length mismatch: %d true labels, %d predictions", len(trueLabels), len(predicted))
	}
	for i, t := range trueLabels {
		p := predicted[i]
		if t < 0 || t >= cm.NumClasses || p < 0 || p >= cm.NumClasses {
			return errors.Errorf("class index out of range at %d: true %d, predicted %d, classes %d", i, t, p, cm.NumClasses)
		}
		cm.Matrix[t][p]++
		cm.TotalSamples++
	}
	return nil
}

// GetMetric calculates an evaluation metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case MacroPrecision:
		return cm.macro(cm.precision)
	case MacroRecall:
		return cm.macro(cm.recall)
	case MacroF1:
		return cm.macro(cm.f1)
	case MicroPrecision, MicroRecall, MicroF1:
		// Single-label classification: every miss is one false positive and one false negative
		return cm.GetAccuracy()
	default:
		return 0.0
	}
}

// GetAccuracy returns the fraction of samples on the diagonal
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// ClassMetrics returns precision, recall and F1 of one class
func (cm *ConfusionMatrix) ClassMetrics(class int) (precision, recall, f1 float64) {
	return cm.precision(class), cm.recall(class), cm.f1(class)
}

// macro averages a per-class metric over the classes that occur as a true
// label or a prediction
func (cm *ConfusionMatrix) macro(metric func(int) float64) float64 {
	sum := 0.0
	classes := 0
	for c := 0; c < cm.NumClasses; c++ {
		if cm.rowSum(c) == 0 && cm.colSum(c) == 0 {
			continue
		}
		sum += metric(c)
		classes++
	}
	if classes == 0 {
		return 0.0
	}
	return sum / float64(classes)
}

func (cm *ConfusionMatrix) precision(class int) float64 {
	predicted := cm.colSum(class)
	if predicted == 0 {
		return 0.0
	}
	return float64(cm.Matrix[class][class]) / float64(predicted)
}

func (cm *ConfusionMatrix) recall(class int) float64 {
	actual := cm.rowSum(class)
	if actual == 0 {
		return 0.0
	}
	return float64(cm.Matrix[class][class]) / float64(actual)
}

func (cm *ConfusionMatrix) f1(class int) float64 {
	p, r := cm.precision(class), cm.recall(class)
	if p+r == 0 {
		return 0.0
	}
	return 2 * p * r / (p + r)
}

func (cm *ConfusionMatrix) rowSum(class int) int {
	n := 0
	for _, v := range cm.Matrix[class] {
		n += v
	}
	return n
}

func (cm *ConfusionMatrix) colSum(class int) int {
	n := 0
	for i := range cm.Matrix {
		n += cm.Matrix[i][class]
	}
	return n
}

// String renders the matrix with true classes as rows, counting classes from 1
// as the stored labels do
func (cm *ConfusionMatrix) String() string {
	var sb strings.Builder
	sb.WriteString("true\\pred")
	for j := 0; j < cm.NumClasses; j++ {
		fmt.Fprintf(&sb, " %5d", j+1)
	}
	sb.WriteString("\n")
	for i, row := range cm.Matrix {
		fmt.Fprintf(&sb, "%9d", i+1)
		for _, v := range row {
			fmt.Fprintf(&sb, " %5d", v)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

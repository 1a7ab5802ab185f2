package training

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// AccuracyLogName is the accuracy log file inside the output directory
const AccuracyLogName = "acc_log.txt"

// AccuracyLog appends one line per evaluation: segment, majority, sum, max and
// product accuracy, space separated
type AccuracyLog struct {
	path string
}

// NewAccuracyLog returns a log that appends to path. The file is created on the
// first write and never truncated.
func NewAccuracyLog(path string) *AccuracyLog {
	return &AccuracyLog{path: path}
}

// Path returns the file the log appends to
func (l *AccuracyLog) Path() string {
	return l.path
}

// Append writes the line for e
func (l *AccuracyLog) Append(e *Evaluation) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to open accuracy log")
	}
	if _, err := f.WriteString(FormatAccuracyLine(e)); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to write accuracy log")
	}
	return f.Close()
}

// FormatAccuracyLine renders e with six significant digits per value
func FormatAccuracyLine(e *Evaluation) string {
	return fmt.Sprintf("%.6g %.6g %.6g %.6g %.6g\n",
		e.SegmentAccuracy, e.Majority, e.Probability.Sum, e.Probability.Max, e.Probability.Product)
}

package training

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/cyclopcam/logs"
	"github.com/tsawler/scenevote/layers"
)

const epochBarTemplate = `{{string . "prefix"}} {{counters . }} {{bar . }} {{percent . }} {{etime . }} {{string . "metrics"}}`

// ProgressReporter shows training progress. With a terminal it draws one bar per
// epoch carrying the latest loss and accuracy; otherwise it logs every step.
type ProgressReporter struct {
	log           logs.Log
	out           io.Writer // Bar output; nil selects per-step log lines
	epochs        int
	stepsPerEpoch int
	bar           *pb.ProgressBar
}

// NewProgressReporter creates a reporter. Passing a nil writer disables the bar.
func NewProgressReporter(log logs.Log, out io.Writer, epochs, stepsPerEpoch int) *ProgressReporter {
	return &ProgressReporter{
		log:           log,
		out:           out,
		epochs:        epochs,
		stepsPerEpoch: stepsPerEpoch,
	}
}

// StartEpoch opens the bar for an epoch (counting from 0)
func (p *ProgressReporter) StartEpoch(epoch int) {
	p.FinishEpoch()
	if p.out == nil {
		return
	}
	p.bar = pb.ProgressBarTemplate(epochBarTemplate).New(p.stepsPerEpoch)
	p.bar.SetWriter(p.out)
	p.bar.Set("prefix", fmt.Sprintf("Epoch %d/%d", epoch+1, p.epochs))
	p.bar.Set("metrics", "")
	p.bar.Start()
}

// Step reports one finished training step
func (p *ProgressReporter) Step(step int, result StepResult) {
	if p.bar == nil {
		p.log.Infof("%v: step %d, loss %g, acc %g", time.Now().Format(time.RFC3339), step, result.Loss, result.Accuracy)
		return
	}
	p.bar.Set("metrics", fmt.Sprintf("step=%d loss=%.4f acc=%.2f%%", step, result.Loss, result.Accuracy*100))
	p.bar.Increment()
}

// FinishEpoch closes the current bar, if any
func (p *ProgressReporter) FinishEpoch() {
	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
	}
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter renders the model architecture in PyTorch style
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{
		modelName: modelName,
	}
}

// Architecture returns the architecture listing followed by a parameter summary
func (p *ModelArchitecturePrinter) Architecture(modelSpec *layers.ModelSpec) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s(\n", p.modelName)
	for _, layer := range modelSpec.Layers {
		fmt.Fprintf(&sb, "  %s\n", p.formatLayer(layer))
	}
	sb.WriteString(")\n")
	fmt.Fprintf(&sb, "Total parameters: %s\n", layers.FormatParameterCount(modelSpec.TotalParameters))
	fmt.Fprintf(&sb, "Params size (MB): %.3f\n", float64(modelSpec.TotalParameters*8)/1024/1024) // float64 weights
	return sb.String()
}

func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.LSTM:
		return fmt.Sprintf("(%s): LSTM(input_size=%d, hidden_size=%d, forget_bias=%g, return_sequences=%t)",
			layer.Name, layer.IntParam("input_size"), layer.IntParam("hidden_size"),
			layer.FloatParam("forget_bias", 1), layer.BoolParam("return_sequences", false))
	case layers.Dropout:
		return fmt.Sprintf("(%s): Dropout(keep_prob=%g)", layer.Name, layer.FloatParam("keep_prob", 1))
	case layers.Dense:
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)",
			layer.Name, layer.IntParam("input_size"), layer.IntParam("output_size"), layer.BoolParam("use_bias", true))
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

package training

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/scenevote/checkpoints"
	"github.com/tsawler/scenevote/optimizer"
)

// Version of the trainer, reported by --version
const Version = "1.0.0"

// ParamsFileName holds the effective options of a run inside the output directory
const ParamsFileName = "params.json"

// Options are the command line flags of asc-train
type Options struct {
	// Model hyperparameters
	DropoutKeepProb float64 `arg:"--dropout_keep_prob" default:"0.5" help:"dropout keep probability" json:"dropout_keep_prob"`
	L2RegLambda     float64 `arg:"--l2_reg_lambda" default:"0.001" help:"L2 regularization lambda" json:"l2_reg_lambda"`
	NumHidden       int     `arg:"--num_hidden" default:"256" help:"hidden units per LSTM layer" json:"num_hidden"`
	NumLayer        int     `arg:"--num_layer" default:"2" help:"number of stacked LSTM layers" json:"num_layer"`

	// Training parameters
	BatchSize       int     `arg:"--batch_size" default:"100" help:"batch size" json:"batch_size"`
	NumEpochs       int     `arg:"--num_epochs" default:"100" help:"number of training epochs" json:"num_epochs"`
	EvaluateEvery   int     `arg:"--evaluate_every" default:"100" help:"evaluate on the test set after this many steps" json:"evaluate_every"`
	CheckpointEvery int     `arg:"--checkpoint_every" default:"100" help:"save a checkpoint after this many steps (0 disables periodic saves)" json:"checkpoint_every"`
	LearningRate    float64 `arg:"--learning_rate" default:"0.001" help:"base learning rate" json:"learning_rate"`
	Optimizer       string  `arg:"--optimizer" default:"adam" help:"update rule: adam, sgd or rmsprop" json:"optimizer"`
	Momentum        float64 `arg:"--momentum" default:"0.9" help:"momentum for sgd and rmsprop" json:"momentum"`
	LRSchedule      string  `arg:"--lr_schedule" default:"constant" help:"learning rate schedule: constant, step or exponential" json:"lr_schedule"`
	LRGamma         float64 `arg:"--lr_gamma" default:"0.1" help:"decay factor of the step and exponential schedules" json:"lr_gamma"`
	LRStepEpochs    int     `arg:"--lr_step_epochs" default:"30" help:"epochs between step schedule decays" json:"lr_step_epochs"`
	Seed            int64   `arg:"--seed" default:"0" help:"random seed (0 picks one from the clock)" json:"seed"`

	// Misc parameters
	AllowSoftPlacement bool   `arg:"--allow_soft_placement" default:"true" help:"allow device soft placement" json:"allow_soft_placement"`
	LogDevicePlacement bool   `arg:"--log_device_placement" default:"false" help:"log placement of parameters on devices" json:"log_device_placement"`
	MaxToKeep          int    `arg:"--max_to_keep" default:"5" help:"step checkpoints kept on disk (0 keeps all)" json:"max_to_keep"`
	CheckpointFormat   string `arg:"--checkpoint_format" default:"proto" help:"checkpoint encoding: proto or json" json:"checkpoint_format"`
	Progress           bool   `arg:"--progress" default:"true" help:"draw a progress bar instead of logging every step" json:"progress"`

	// Data parameters
	TrainData       string `arg:"--train_data" default:"../data/train_data_1.npz" help:"training data archive" json:"train_data"`
	TestData        string `arg:"--test_data" default:"../data/test_data_1.npz" help:"test data archive" json:"test_data"`
	OutDir          string `arg:"--out_dir" default:"runs/ny_64" help:"output directory" json:"out_dir"`
	L               int    `arg:"--L" default:"1" help:"number of segments of one scene instance" json:"L"`
	ExportSynthetic string `arg:"--export_synthetic" help:"write a synthetic train/test pair into this directory and exit" json:"export_synthetic,omitempty"`
}

func (Options) Version() string {
	return "asc-train " + Version
}

func (Options) Description() string {
	return "Trains a stacked LSTM acoustic scene classifier on segmented features and scores it per segment and per scene."
}

// Validate rejects option combinations that cannot produce a run
func (o *Options) Validate() error {
	switch {
	case o.DropoutKeepProb <= 0 || o.DropoutKeepProb > 1:
		return errors.Errorf("dropout_keep_prob must be in (0, 1], got %g", o.DropoutKeepProb)
	case o.L2RegLambda < 0:
		return errors.Errorf("l2_reg_lambda must not be negative, got %g", o.L2RegLambda)
	case o.NumHidden <= 0:
		return errors.Errorf("num_hidden must be positive, got %d", o.NumHidden)
	case o.NumLayer <= 0:
		return errors.Errorf("num_layer must be positive, got %d", o.NumLayer)
	case o.BatchSize <= 0:
		return errors.Errorf("batch_size must be positive, got %d", o.BatchSize)
	case o.NumEpochs <= 0:
		return errors.Errorf("num_epochs must be positive, got %d", o.NumEpochs)
	case o.EvaluateEvery <= 0:
		return errors.Errorf("evaluate_every must be positive, got %d", o.EvaluateEvery)
	case o.CheckpointEvery < 0:
		return errors.Errorf("checkpoint_every must not be negative, got %d", o.CheckpointEvery)
	case o.LearningRate <= 0:
		return errors.Errorf("learning_rate must be positive, got %g", o.LearningRate)
	case o.MaxToKeep < 0:
		return errors.Errorf("max_to_keep must not be negative, got %d", o.MaxToKeep)
	case o.L < 1:
		return errors.Errorf("L must be at least 1, got %d", o.L)
	case o.OutDir == "":
		return errors.New("out_dir is required")
	}
	switch o.Optimizer {
	case "adam", "sgd", "rmsprop":
	default:
		return errors.Errorf("unknown optimizer %q", o.Optimizer)
	}
	if _, err := NewScheduler(o.LRSchedule, o.LRGamma, o.LRStepEpochs); err != nil {
		return err
	}
	if _, err := checkpoints.ParseFormat(o.CheckpointFormat); err != nil {
		return err
	}
	if o.ExportSynthetic == "" && (o.TrainData == "" || o.TestData == "") {
		return errors.New("train_data and test_data are required")
	}
	return nil
}

// OptimizerConfig returns the optimizer selection for the model
func (o *Options) OptimizerConfig() optimizer.Config {
	return optimizer.Config{
		Name:         o.Optimizer,
		LearningRate: o.LearningRate,
		Momentum:     o.Momentum,
	}
}

// CheckpointConfig returns the checkpoint settings of the run
func (o *Options) CheckpointConfig() (CheckpointConfig, error) {
	format, err := checkpoints.ParseFormat(o.CheckpointFormat)
	if err != nil {
		return CheckpointConfig{}, err
	}
	return CheckpointConfig{
		OutDir:    o.OutDir,
		Format:    format,
		MaxToKeep: o.MaxToKeep,
		SaveEvery: o.CheckpointEvery,
	}, nil
}

// Parameters returns the options as sorted NAME=value lines
func (o *Options) Parameters() ([]string, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode options")
	}
	var values map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&values); err != nil {
		return nil, errors.Wrap(err, "failed to decode options")
	}

	lines := make([]string, 0, len(values))
	for name, v := range values {
		lines = append(lines, fmt.Sprintf("%s=%v", strings.ToUpper(name), v))
	}
	sort.Strings(lines)
	return lines, nil
}

// WriteParams saves the options as JSON in the output directory
func (o *Options) WriteParams() (string, error) {
	raw, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to encode options")
	}
	path := filepath.Join(o.OutDir, ParamsFileName)
	if err := checkpoints.WriteFileAtomic(path, append(raw, '\n')); err != nil {
		return "", errors.Wrap(err, "failed to write params")
	}
	return path, nil
}

// asc-train trains the stacked LSTM scene classifier on segmented features and
// reports segment accuracy together with majority and probability voting over scenes.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"github.com/tsawler/scenevote/dataset"
	"github.com/tsawler/scenevote/engine"
	"github.com/tsawler/scenevote/layers"
	"github.com/tsawler/scenevote/training"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	var opts training.Options
	arg.MustParse(&opts)

	logger, err := logs.NewLog()
	check(err)
	defer logger.Close()

	if err := opts.Validate(); err != nil {
		logger.Errorf("Invalid options: %v", err)
		os.Exit(2)
	}

	fmt.Println("\nParameters:")
	params, err := opts.Parameters()
	check(err)
	for _, p := range params {
		fmt.Println(p)
	}
	fmt.Println()

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	if opts.ExportSynthetic != "" {
		if err := exportSynthetic(opts.ExportSynthetic, opts.L, seed, logger); err != nil {
			logger.Errorf("Failed to export synthetic data: %v", err)
			os.Exit(1)
		}
		return
	}

	if err := run(&opts, seed, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Infof("Training interrupted")
			return
		}
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(opts *training.Options, seed int64, logger logs.Log) error {
	data, err := dataset.Load(opts.TrainData, opts.TestData)
	if err != nil {
		return errors.Wrap(err, "failed to load data")
	}
	logger.Infof("Loaded %d training and %d test segments of [%d, %d], %d classes",
		data.Train.Len(), data.Test.Len(), data.Train.Steps, data.Train.Inputs, data.Train.Classes())

	spec, err := layers.NewSceneClassifierSpec(layers.SceneClassifierConfig{
		Steps:    data.Train.Steps,
		Inputs:   data.Train.Inputs,
		Hidden:   opts.NumHidden,
		Layers:   opts.NumLayer,
		Classes:  data.Train.Classes(),
		KeepProb: opts.DropoutKeepProb,
	})
	if err != nil {
		return errors.Wrap(err, "failed to build model")
	}

	model, err := engine.NewLSTMClassifier(spec, engine.Config{
		L2:        opts.L2RegLambda,
		Optimizer: opts.OptimizerConfig(),
		Seed:      seed,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create model")
	}
	fmt.Println(training.NewModelArchitecturePrinter("ASCLSTM").Architecture(spec))

	if opts.LogDevicePlacement {
		for _, p := range model.Parameters() {
			logger.Infof("%v: /cpu:0", p.Name)
		}
	}
	if !opts.AllowSoftPlacement {
		logger.Debugf("Soft placement disabled, all parameters already live on the CPU")
	}

	paramsPath, err := opts.WriteParams()
	if err != nil {
		return err
	}
	logger.Infof("Parameters saved to %v", paramsPath)

	scheduler, err := training.NewScheduler(opts.LRSchedule, opts.LRGamma, opts.LRStepEpochs)
	if err != nil {
		return err
	}
	ckpt, err := opts.CheckpointConfig()
	if err != nil {
		return err
	}

	config := training.TrainingConfig{
		BatchSize:     opts.BatchSize,
		Epochs:        opts.NumEpochs,
		EvaluateEvery: opts.EvaluateEvery,
		SceneLength:   opts.L,
		BaseLR:        opts.LearningRate,
		Scheduler:     scheduler,
		Checkpoint:    ckpt,
		Rand:          rand.New(rand.NewSource(seed)),
	}
	if opts.Progress {
		config.Progress = os.Stderr
	}

	trainer, err := training.NewTrainer(model, data, config, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics, err := trainer.Run(ctx)
	if err != nil {
		return err
	}
	logger.Infof("Reached step %d after %d evaluations, best segment accuracy %.6g",
		metrics.Steps, metrics.Evaluations, metrics.BestAccuracy)
	return nil
}

// exportSynthetic writes a generated train/test pair whose scenes are sceneLen segments long
func exportSynthetic(dir string, sceneLen int, seed int64, logger logs.Log) error {
	rng := rand.New(rand.NewSource(seed))
	cfg := dataset.DefaultSyntheticConfig()
	cfg.SceneLen = sceneLen

	for _, name := range []string{"train", "test"} {
		split, err := dataset.Synthetic(name, cfg, rng)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, name+"_data.npz")
		if err := dataset.WriteSplit(path, name, split); err != nil {
			return err
		}
		logger.Infof("Wrote %d %s segments to %v", split.Len(), name, path)
	}
	return nil
}

package training

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"github.com/tsawler/scenevote/checkpoints"
)

// BestModelName is the file inside the output directory that always holds a copy
// of the most recent best checkpoint. Training resumes from it when present.
const BestModelName = "best_model"

// CheckpointPolicy tracks the best segment accuracy seen so far. An evaluation
// that equals the best counts as an improvement, so a later model with the same
// score replaces the earlier one.
type CheckpointPolicy struct {
	best float64
}

// NewCheckpointPolicy returns a policy whose best accuracy starts at 0
func NewCheckpointPolicy() *CheckpointPolicy {
	return &CheckpointPolicy{}
}

// Observe records an evaluation and reports whether it should be saved
func (p *CheckpointPolicy) Observe(accuracy float64) bool {
	if accuracy >= p.best {
		p.best = accuracy
		return true
	}
	return false
}

// Best returns the highest accuracy observed
func (p *CheckpointPolicy) Best() float64 {
	return p.best
}

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	OutDir    string                       // Run output directory; checkpoints go to OutDir/checkpoints
	Format    checkpoints.CheckpointFormat // Proto or JSON
	MaxToKeep int                          // Step checkpoints kept on disk (0 = unlimited)
	SaveEvery int                          // Periodic save interval in steps (0 = disabled)
}

// DefaultCheckpointConfig returns the configuration used by the command line defaults
func DefaultCheckpointConfig(outDir string) CheckpointConfig {
	return CheckpointConfig{
		OutDir:    outDir,
		Format:    checkpoints.FormatProto,
		MaxToKeep: 5,
		SaveEvery: 100,
	}
}

// CheckpointManager writes step checkpoints, maintains the best model copy and
// restores a previous run on start-up
type CheckpointManager struct {
	config     CheckpointConfig
	saver      *checkpoints.CheckpointSaver
	log        logs.Log
	runID      string
	savedFiles []string // Oldest first, for cleanup
	lastStep   int      // Step of the most recent save, -1 before the first
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig, log logs.Log) *CheckpointManager {
	return &CheckpointManager{
		config:   config,
		saver:    checkpoints.NewCheckpointSaver(config.Format),
		log:      log,
		runID:    checkpoints.NewRunID(),
		lastStep: -1,
	}
}

// CheckpointDir is the directory holding the step checkpoints
func (cm *CheckpointManager) CheckpointDir() string {
	return filepath.Join(cm.config.OutDir, "checkpoints")
}

// BestModelPath is the location of the best model copy
func (cm *CheckpointManager) BestModelPath() string {
	return filepath.Join(cm.config.OutDir, BestModelName)
}

// SavedFiles lists the step checkpoints written by this manager that are still on disk
func (cm *CheckpointManager) SavedFiles() []string {
	return append([]string(nil), cm.savedFiles...)
}

// Save writes ckpt as model-<step> in the checkpoint directory and returns its path
func (cm *CheckpointManager) Save(ckpt *checkpoints.Checkpoint, step int, description string) (string, error) {
	ckpt.Metadata.RunID = cm.runID
	ckpt.Metadata.Description = description

	path := filepath.Join(cm.CheckpointDir(), cm.generateFilename(step))
	if err := cm.saver.SaveCheckpoint(ckpt, path); err != nil {
		return "", errors.Wrap(err, "failed to save checkpoint")
	}

	cm.lastStep = step
	if !cm.tracked(path) {
		cm.savedFiles = append(cm.savedFiles, path)
	}
	if err := cm.cleanupOldCheckpoints(); err != nil {
		cm.log.Warnf("Failed to clean up old checkpoints: %v", err)
	}
	return path, nil
}

// SaveBest saves ckpt and copies it verbatim to the best model file
func (cm *CheckpointManager) SaveBest(ckpt *checkpoints.Checkpoint, step int, accuracy float64) (string, error) {
	path, err := cm.Save(ckpt, step, fmt.Sprintf("Best checkpoint - accuracy %g", accuracy))
	if err != nil {
		return "", err
	}
	cm.log.Infof("Saved model checkpoint to %v", path)

	best := cm.BestModelPath()
	if err := checkpoints.CopyFile(path, best); err != nil {
		return "", errors.Wrap(err, "failed to copy best model")
	}
	cm.log.Infof("Best model copied in file: %v", best)
	return path, nil
}

// SavePeriodic saves ckpt when step falls on the configured interval. A step that
// was already written, usually by SaveBest, is left alone so best_model stays a
// verbatim copy of model-<step>.
func (cm *CheckpointManager) SavePeriodic(ckpt *checkpoints.Checkpoint, step int) (bool, error) {
	if cm.config.SaveEvery <= 0 || step%cm.config.SaveEvery != 0 || step == cm.lastStep {
		return false, nil
	}
	path, err := cm.Save(ckpt, step, fmt.Sprintf("Periodic checkpoint - step %d", step))
	if err != nil {
		return false, err
	}
	cm.log.Debugf("Saved periodic checkpoint to %v", path)
	return true, nil
}

// Resume restores the best model of a previous run into model. It returns the
// stored training state, or nil when there is nothing to resume from.
func (cm *CheckpointManager) Resume(model Checkpointable) (*checkpoints.TrainingState, error) {
	best := cm.BestModelPath()
	if _, err := os.Stat(best); err != nil {
		if os.IsNotExist(err) {
			cm.log.Infof("Model initialized")
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to inspect %v", best)
	}

	ckpt, err := checkpoints.Load(best)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %v", best)
	}
	if err := model.Restore(ckpt); err != nil {
		return nil, errors.Wrapf(err, "failed to restore %v", best)
	}
	cm.log.Infof("Model loaded from %v (step %d)", best, ckpt.TrainingState.Step)
	state := ckpt.TrainingState
	return &state, nil
}

func (cm *CheckpointManager) generateFilename(step int) string {
	return fmt.Sprintf("model-%d%s", step, cm.config.Format.Extension())
}

func (cm *CheckpointManager) tracked(path string) bool {
	for _, f := range cm.savedFiles {
		if f == path {
			return true
		}
	}
	return false
}

// cleanupOldCheckpoints removes the oldest step checkpoints beyond MaxToKeep
func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxToKeep <= 0 {
		return nil
	}
	for len(cm.savedFiles) > cm.config.MaxToKeep {
		oldest := cm.savedFiles[0]
		cm.savedFiles = cm.savedFiles[1:]
		if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove %v", oldest)
		}
	}
	return nil
}

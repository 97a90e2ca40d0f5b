package checkpoints

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/go-advtext/nn"
	"k8s.io/klog/v2"
)

// ErrNoCheckpoint is returned when a requested checkpoint file does not exist
var ErrNoCheckpoint = errors.New("checkpoint not found")

const (
	resumeClassifierFile = "classifier.json"
	resumeJudgePrefix    = "judge"
	bestClassifierFile   = "classifier.best.json"
	bestJudgePrefix      = "judge.best"
	pretrainedFile       = "lm_model.json"
)

// Manager owns the on-disk layout of resume bundles, best snapshots and the
// pretrained base model.
//
// A pair is a classifier file with a fixed name plus a judge file named after
// the pair's generation. The judge file is written first and the classifier
// file, which names it, last: replacing the classifier file commits the pair,
// so a crash in between leaves the previous pair loadable.
type Manager struct {
	saveDir     string
	resumeDir   string
	pretrainDir string
	saver       *CheckpointSaver
	generation  int64
}

// NewManager creates a manager. resumeDir holds the resume pair, saveDir the
// best snapshots and pretrainDir the optional pretrained base model.
func NewManager(saveDir, resumeDir, pretrainDir string) *Manager {
	return &Manager{
		saveDir:     saveDir,
		resumeDir:   resumeDir,
		pretrainDir: pretrainDir,
		saver:       NewCheckpointSaver(FormatJSON),
	}
}

type pairLayout struct {
	dir         string
	classifier  string
	judgePrefix string
}

func (m *Manager) resumeLayout() pairLayout {
	return pairLayout{dir: m.resumeDir, classifier: resumeClassifierFile, judgePrefix: resumeJudgePrefix}
}

func (m *Manager) bestLayout() pairLayout {
	return pairLayout{dir: m.saveDir, classifier: bestClassifierFile, judgePrefix: bestJudgePrefix}
}

func (p pairLayout) classifierPath() string {
	return filepath.Join(p.dir, p.classifier)
}

func (p pairLayout) judgeName(generation int64) string {
	return fmt.Sprintf("%s-%d.json", p.judgePrefix, generation)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// HasResume reports whether a committed resume pair is present
func (m *Manager) HasResume() bool {
	return exists(m.resumeLayout().classifierPath())
}

// HasBest reports whether best snapshots have been saved
func (m *Manager) HasBest() bool {
	return exists(m.bestLayout().classifierPath())
}

// nextGeneration returns a stamp that differs from every judge file on disk
func (m *Manager) nextGeneration(p pairLayout) int64 {
	gen := time.Now().UnixNano()
	if gen <= m.generation {
		gen = m.generation + 1
	}
	for exists(filepath.Join(p.dir, p.judgeName(gen))) {
		gen++
	}
	m.generation = gen
	return gen
}

func (m *Manager) savePair(p pairLayout, cck, jck *Checkpoint, phase string) error {
	gen := m.nextGeneration(p)
	judgeName := p.judgeName(gen)
	jck.Pair = &PairStamp{Generation: gen}
	cck.Pair = &PairStamp{Generation: gen, Judge: judgeName, Phase: phase}

	if err := m.saver.SaveCheckpoint(jck, filepath.Join(p.dir, judgeName)); err != nil {
		return fmt.Errorf("failed to save judge checkpoint: %w", err)
	}
	if err := m.saver.SaveCheckpoint(cck, p.classifierPath()); err != nil {
		os.Remove(filepath.Join(p.dir, judgeName))
		return fmt.Errorf("failed to save classifier checkpoint: %w", err)
	}
	m.pruneJudges(p, judgeName)
	return nil
}

// pruneJudges removes judge files left behind by earlier pairs
func (m *Manager) pruneJudges(p pairLayout, keep string) {
	stale, err := filepath.Glob(filepath.Join(p.dir, p.judgePrefix+"-*.json"))
	if err != nil {
		klog.Warningf("Failed to list old judge checkpoints in %s: %v", p.dir, err)
		return
	}
	for _, path := range stale {
		if filepath.Base(path) == keep {
			continue
		}
		if err := os.Remove(path); err != nil {
			klog.Warningf("Failed to remove old judge checkpoint %s: %v", path, err)
		}
	}
}

// loadPair reads the committed pair and checks both halves share a generation
func (m *Manager) loadPair(p pairLayout) (cck, jck *Checkpoint, err error) {
	cPath := p.classifierPath()
	if !exists(cPath) {
		return nil, nil, ErrNoCheckpoint
	}
	if cck, err = m.saver.LoadCheckpoint(cPath); err != nil {
		return nil, nil, err
	}
	if cck.Pair == nil || cck.Pair.Judge == "" {
		return nil, nil, fmt.Errorf("%s does not name its judge checkpoint", cPath)
	}
	jPath := filepath.Join(p.dir, filepath.Base(cck.Pair.Judge))
	if !exists(jPath) {
		return nil, nil, fmt.Errorf("%s refers to missing judge checkpoint %s", cPath, jPath)
	}
	if jck, err = m.saver.LoadCheckpoint(jPath); err != nil {
		return nil, nil, err
	}
	if jck.Pair == nil || jck.Pair.Generation != cck.Pair.Generation {
		return nil, nil, fmt.Errorf("%s and %s are from different saves", cPath, jPath)
	}
	return cck, jck, nil
}

// SaveResume writes the resume pair; the classifier half carries the training state
func (m *Manager) SaveResume(classifier, judge *Unit, state TrainingState) error {
	jck, err := judge.Capture("resume")
	if err != nil {
		return err
	}
	cck, err := classifier.Capture("resume")
	if err != nil {
		return err
	}
	cck.TrainingState = &state

	if err := m.savePair(m.resumeLayout(), cck, jck, state.Phase); err != nil {
		return fmt.Errorf("failed to save resume checkpoint: %w", err)
	}
	klog.V(2).Infof("Saved resume checkpoint at epoch %d (%s) to %s", state.Epoch, state.Phase, m.resumeDir)
	return nil
}

// LoadResume restores both units from the resume pair and returns the saved
// training state. Either both units are restored or neither is.
func (m *Manager) LoadResume(classifier, judge *Unit) (*TrainingState, error) {
	cck, jck, err := m.loadPair(m.resumeLayout())
	if err != nil {
		return nil, err
	}
	if cck.TrainingState == nil {
		return nil, fmt.Errorf("resume checkpoint carries no training state")
	}
	if err := m.restorePair(classifier, judge, cck, jck); err != nil {
		return nil, err
	}
	return cck.TrainingState, nil
}

// SaveBest snapshots parameters and optimizer moments of both models, tagged
// with the phase that produced them. Schedules are not part of a snapshot:
// they keep advancing across rollbacks.
func (m *Manager) SaveBest(classifier, judge *Unit, phase string) error {
	cck, err := classifier.Capture("best")
	if err != nil {
		return err
	}
	jck, err := judge.Capture("best")
	if err != nil {
		return err
	}
	cck.SchedulerState = nil
	jck.SchedulerState = nil
	if err := m.savePair(m.bestLayout(), cck, jck, phase); err != nil {
		return fmt.Errorf("failed to save best snapshot: %w", err)
	}
	return nil
}

// BestPhase returns the phase the current best snapshot was taken in
func (m *Manager) BestPhase() (string, error) {
	cck, _, err := m.loadPair(m.bestLayout())
	if err != nil {
		return "", err
	}
	return cck.Pair.Phase, nil
}

// LoadBest restores both models (and their optimizers) from the best snapshots
func (m *Manager) LoadBest(classifier, judge *Unit) error {
	cck, jck, err := m.loadPair(m.bestLayout())
	if err != nil {
		return err
	}
	return m.restorePair(classifier, judge, cck, jck)
}

func (m *Manager) restorePair(classifier, judge *Unit, cck, jck *Checkpoint) error {
	previous, err := judge.Capture("rollback")
	if err != nil {
		return err
	}
	if err := judge.Restore(jck); err != nil {
		return fmt.Errorf("failed to restore judge: %w", err)
	}
	if err := classifier.Restore(cck); err != nil {
		err = fmt.Errorf("failed to restore classifier: %w", err)
		if rerr := judge.Restore(previous); rerr != nil {
			return errors.Join(err, fmt.Errorf("failed to put the judge back: %w", rerr))
		}
		return err
	}
	return nil
}

// InitFromPretrained copies every parameter of the pretrained base model whose
// name and shape match into model. It returns the number of parameters copied.
func (m *Manager) InitFromPretrained(model nn.Module) (int, error) {
	path := filepath.Join(m.pretrainDir, pretrainedFile)
	if m.pretrainDir == "" || !exists(path) {
		return 0, ErrNoCheckpoint
	}
	ck, err := m.saver.LoadCheckpoint(path)
	if err != nil {
		return 0, err
	}
	return LoadWeights(ck.Weights, model, false)
}

// ExportONNX writes the classifier held by unit as an ONNX graph
func (m *Manager) ExportONNX(classifier *Unit, path string) error {
	ck, err := classifier.Capture("onnx export")
	if err != nil {
		return err
	}
	return NewCheckpointSaver(FormatONNX).SaveCheckpoint(ck, path)
}

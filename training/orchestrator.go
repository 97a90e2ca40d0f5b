package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tsawler/go-advtext/checkpoints"
	"github.com/tsawler/go-advtext/data"
	"github.com/tsawler/go-advtext/nn"
	"github.com/tsawler/go-advtext/optimizer"
	"github.com/tsawler/go-advtext/results"
	"k8s.io/klog/v2"
)

// Schedule is a per-epoch learning-rate schedule that can be checkpointed
type Schedule interface {
	checkpoints.SchedulerStater
	Step() float64
}

// Deps are the collaborators of a training run. The run driver owns them;
// the orchestrator never closes them.
type Deps struct {
	Classifier    nn.Classifier
	Judge         nn.Judge
	ClassifierOpt optimizer.Optimizer
	JudgeOpt      optimizer.Optimizer
	ClassifierLR  Schedule
	JudgeLR       Schedule

	Labeled   data.Source
	Unlabeled data.Source
	Valid     data.Source
	Test      data.Source

	Checkpoints *checkpoints.Manager
	Results     results.Store
	Sink        OutputSink
	Metrics     MetricsAggregator
}

func (d Deps) validate() error {
	switch {
	case d.Classifier == nil || d.Judge == nil:
		return fmt.Errorf("classifier and judge are required")
	case d.ClassifierOpt == nil || d.JudgeOpt == nil:
		return fmt.Errorf("both optimizers are required")
	case d.ClassifierLR == nil || d.JudgeLR == nil:
		return fmt.Errorf("both learning-rate schedules are required")
	case d.Labeled == nil || d.Unlabeled == nil || d.Valid == nil || d.Test == nil:
		return fmt.Errorf("labeled, unlabeled, validation and test sources are required")
	case d.Checkpoints == nil || d.Results == nil:
		return fmt.Errorf("checkpoint manager and results store are required")
	case d.Sink == nil || d.Metrics == nil:
		return fmt.Errorf("output sink and metrics aggregator are required")
	}
	return nil
}

// EpochSummary describes one completed epoch
type EpochSummary struct {
	Epoch    int
	Phase    Phase
	Accuracy float64
	Improved bool
	Patience int // remaining after this epoch's bookkeeping
	Duration time.Duration
}

// Transition records a phase change
type Transition struct {
	Epoch  int
	From   Phase
	To     Phase
	Reason string // "epoch" or "patience"
}

// Report summarises a run
type Report struct {
	StartEpoch  int
	LastEpoch   int // last epoch that started
	FinalPhase  Phase
	Resumed     bool
	Interrupted bool

	BestAccuracy  float64
	TestAccuracy  float64
	TestRecall    float64
	TestPrecision float64

	Epochs      []EpochSummary
	Transitions []Transition
	Results     []results.Record
}

// Orchestrator drives the phased training run: classifier pre-training,
// judge pre-training and adversarial training, with patience-triggered
// rollback to the best snapshot and resumable checkpoints.
type Orchestrator struct {
	cfg  Config
	deps Deps
	plan PhasePlan

	updater   *Updater
	labeled   *data.Cycler
	unlabeled *data.Cycler
	clsUnit   *checkpoints.Unit
	judgeUnit *checkpoints.Unit

	phase     Phase
	patience  *Patience
	records   []results.Record
	bestSaved bool
	bestPhase Phase

	// test hooks
	validate     func(epoch int) (float64, error)
	onEpochStart func(epoch int, phase Phase)
	onStep       func(epoch, step int)
	onEpochEnd   func(summary EpochSummary)
}

// New wires an orchestrator. cfg must be valid.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Classifier.NumClasses() != cfg.NumClasses {
		return nil, fmt.Errorf("classifier has %d classes, config says %d", deps.Classifier.NumClasses(), cfg.NumClasses)
	}

	updater := NewUpdater(deps.Classifier, deps.Judge, deps.ClassifierOpt, deps.JudgeOpt, cfg.Clip)
	updater.JudgeOnlyRounds = cfg.JudgeOnlyRounds
	updater.JointRounds = cfg.JointRounds
	updater.Split, _ = ParseLossSplit(cfg.LossSplit)

	o := &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		plan:      cfg.PhasePlan(),
		updater:   updater,
		labeled:   data.NewCycler(deps.Labeled),
		unlabeled: data.NewCycler(deps.Unlabeled),
		clsUnit:   &checkpoints.Unit{Model: deps.Classifier, Optimizer: deps.ClassifierOpt, Scheduler: deps.ClassifierLR},
		judgeUnit: &checkpoints.Unit{Model: deps.Judge, Optimizer: deps.JudgeOpt, Scheduler: deps.JudgeLR},
		phase:     DiscriminatorOnly,
		patience:  NewPatience(cfg.Patience, cfg.Epsilon),
	}
	o.validate = o.validationAccuracy
	return o, nil
}

// SetLossSplit replaces the policy choosing combined or unlabeled-only classifier loss
func (o *Orchestrator) SetLossSplit(split LossSplit) {
	o.updater.Split = split
}

// Phase returns the current training phase
func (o *Orchestrator) Phase() Phase {
	return o.phase
}

// Run trains until the epoch budget is spent or patience runs out in the
// adversarial phase, then evaluates the best models on the test split.
//
// Cancellation of ctx is checked between epochs and between update steps.
// On cancellation the resume checkpoint and the result log are written and
// the context's error is returned.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	start, resumed, err := o.restore()
	if err != nil {
		return nil, err
	}
	report := &Report{StartEpoch: start, Resumed: resumed, LastEpoch: start - 1}

	for epoch := start; epoch <= o.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return o.interrupted(report, epoch-1, err)
		}
		report.LastEpoch = epoch

		if next := o.plan.Advance(epoch, o.phase); next != o.phase {
			klog.Infof("Epoch %d: entering %s", epoch, next)
			report.Transitions = append(report.Transitions, Transition{Epoch: epoch, From: o.phase, To: next, Reason: "epoch"})
			o.phase = next
		}
		if o.onEpochStart != nil {
			o.onEpochStart(epoch, o.phase)
		}

		summary, err := o.runEpoch(ctx, epoch)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return o.interrupted(report, epoch, ctxErr)
			}
			return report, err
		}
		report.Epochs = append(report.Epochs, summary)
		if o.onEpochEnd != nil {
			o.onEpochEnd(summary)
		}

		if !o.patience.Exhausted() {
			continue
		}
		next, ok := o.phase.Next()
		if !ok {
			klog.Infof("Patience exhausted in %s at epoch %d, stopping", o.phase, epoch)
			break
		}
		if err := o.rollback(); err != nil {
			return report, err
		}
		klog.Infof("Patience exhausted in %s at epoch %d, entering %s", o.phase, epoch, next)
		report.Transitions = append(report.Transitions, Transition{Epoch: epoch, From: o.phase, To: next, Reason: "patience"})
		o.phase = next
		o.patience.Reset()
	}

	if err := o.finish(report); err != nil {
		return report, err
	}
	return report, nil
}

// restore loads the resume pair, or else the pretrained base model, or else
// keeps the fresh initialisation. It returns the first epoch to run.
func (o *Orchestrator) restore() (int, bool, error) {
	records, err := o.deps.Results.Load()
	if err != nil {
		return 0, false, fmt.Errorf("failed to load result log: %w", err)
	}
	o.records = records

	state, err := o.deps.Checkpoints.LoadResume(o.clsUnit, o.judgeUnit)
	switch {
	case err == nil:
		phase, perr := ParsePhase(state.Phase)
		if perr != nil {
			return 0, false, perr
		}
		o.phase = phase
		o.patience.Restore(state.BestAccuracy, state.Patience)
		if o.bestSaved = o.deps.Checkpoints.HasBest(); o.bestSaved {
			name, err := o.deps.Checkpoints.BestPhase()
			if err != nil {
				return 0, false, fmt.Errorf("failed to read best snapshot: %w", err)
			}
			if o.bestPhase, err = ParsePhase(name); err != nil {
				return 0, false, err
			}
		}
		klog.Infof("Resumed from epoch %d in %s (best accuracy %.4f)", state.Epoch, phase, state.BestAccuracy)
		return state.Epoch + 1, true, nil
	case !errors.Is(err, checkpoints.ErrNoCheckpoint):
		return 0, false, fmt.Errorf("failed to load resume checkpoint: %w", err)
	}

	klog.Warningf("No resume checkpoint found, checking for a pretrained model")
	for _, m := range []struct {
		name  string
		model nn.Module
	}{{"classifier", o.deps.Classifier}, {"judge", o.deps.Judge}} {
		n, err := o.deps.Checkpoints.InitFromPretrained(m.model)
		if errors.Is(err, checkpoints.ErrNoCheckpoint) {
			klog.Warningf("No pretrained model found, training from scratch")
			break
		}
		if err != nil {
			return 0, false, fmt.Errorf("failed to load pretrained model: %w", err)
		}
		klog.Infof("Initialized %d %s parameters from the pretrained model", n, m.name)
	}
	return 1, false, nil
}

// runEpoch trains, validates and does the best/patience bookkeeping for one epoch
func (o *Orchestrator) runEpoch(ctx context.Context, epoch int) (EpochSummary, error) {
	started := time.Now()
	o.deps.Metrics.Reset()
	o.deps.ClassifierLR.Step()

	var err error
	if o.phase == DiscriminatorOnly {
		err = o.trainClassifier(ctx, epoch)
	} else {
		o.deps.JudgeLR.Step()
		err = o.trainAdversarial(ctx, epoch, o.phase == JudgeOnly)
	}
	if err != nil {
		return EpochSummary{}, err
	}

	acc, err := o.validate(epoch)
	if err != nil {
		return EpochSummary{}, fmt.Errorf("validation failed at epoch %d: %w", epoch, err)
	}
	o.records = append(o.records, results.Record{Epoch: epoch, Accuracy: acc})

	improved := o.patience.Observe(acc)
	if improved {
		if err := o.deps.Checkpoints.SaveBest(o.clsUnit, o.judgeUnit, o.phase.String()); err != nil {
			return EpochSummary{}, err
		}
		o.bestSaved = true
		o.bestPhase = o.phase
	}

	summary := EpochSummary{
		Epoch:    epoch,
		Phase:    o.phase,
		Accuracy: acc,
		Improved: improved,
		Patience: o.patience.Remaining(),
		Duration: time.Since(started),
	}
	o.printEpochSummary(summary)
	return summary, nil
}

// trainClassifier runs one pass worth of supervised updates
func (o *Orchestrator) trainClassifier(ctx context.Context, epoch int) error {
	numIter := iterations(o.deps.Labeled, o.cfg.BatchSize)
	meter := NewIntervalMeter(o.cfg.LogInterval)
	for i := 0; i < numIter; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lab, err := o.labeled.Next()
		if err != nil {
			return err
		}
		stats, err := o.updater.ClassifierStep(lab)
		if err != nil {
			return fmt.Errorf("classifier step %d: %w", i, err)
		}
		meter.Add(map[string]float64{"loss": stats.Loss})
		if o.onStep != nil {
			o.onStep(epoch, i)
		}
	}

	loss := meter.Average("loss")
	klog.Infof("Pre_train discriminator labeled_data only | epoch %3d | ms/batch %5.2f | labeled loss %5.4f | ppl %8.4f",
		epoch, meter.MsPerBatch(), loss, math.Exp(loss))
	return nil
}

// trainAdversarial runs one pass over the unlabeled stream with judge-only or joint updates
func (o *Orchestrator) trainAdversarial(ctx context.Context, epoch int, judgeOnly bool) error {
	process := "Adv train: "
	if judgeOnly {
		process = "Pre_train judger: "
	}

	numIter := iterations(o.deps.Unlabeled, o.cfg.BatchSize)
	meter := NewIntervalMeter(o.cfg.LogInterval)
	for i := 0; i < numIter; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lab, err := o.labeled.Next()
		if err != nil {
			return err
		}
		unl, err := o.unlabeled.Next()
		if err != nil {
			return err
		}
		stats, err := o.updater.AdversarialStep(lab, unl, judgeOnly)
		if err != nil {
			return fmt.Errorf("adversarial step %d: %w", i, err)
		}
		meter.Add(map[string]float64{
			"judge": stats.JudgeLoss,
			"unl":   stats.UnlabeledLoss,
			"lab":   stats.LabeledLoss,
		})
		if o.onStep != nil {
			o.onStep(epoch, i)
		}

		if meter.Due(i) {
			klog.Infof("%s| epoch %3d | %5d/%5d batches | ms/batch %5.2f | judge_loss %5.4f | unlabel_loss %5.4f | label_loss %5.4f",
				process, epoch, i, numIter, meter.MsPerBatch(), meter.Average("judge"), meter.Average("unl"), meter.Average("lab"))
			meter.Restart()
		}
	}
	return nil
}

type exampleCounter interface {
	NumExamples() int
}

// iterations returns the update steps of one epoch over src. Sources that know
// their example count give examples/batchSize steps, so a trailing partial
// batch does not add a step; the cycler still draws it in turn.
func iterations(src data.Source, batchSize int) int {
	if c, ok := src.(exampleCounter); ok {
		if n := c.NumExamples() / batchSize; n > 0 {
			return n
		}
		return 1
	}
	return src.Len()
}

func (o *Orchestrator) validationAccuracy(int) (float64, error) {
	return o.evaluate(o.deps.Valid, "Valid")
}

// evaluate runs the classifier over one pass of src in inference mode, feeds
// the metrics aggregator and writes accuracy, recall and precision to the sink.
func (o *Orchestrator) evaluate(src data.Source, split string) (float64, error) {
	clf := o.deps.Classifier
	clf.SetTraining(false)
	defer clf.SetTraining(true)

	correct, total := 0, 0
	src.Reset()
	for {
		b, err := src.Next()
		if err != nil {
			return 0, err
		}
		if b == nil {
			break
		}
		if !b.HasLabels() {
			return 0, fmt.Errorf("%s batch carries no labels", split)
		}
		pass, err := clf.Forward(b.Tokens, clf.InitHidden(b.Size()), b.Lengths)
		if err != nil {
			return 0, err
		}
		pass.Release()
		predicted := nn.Argmax(pass.Out)
		if err := o.deps.Metrics.Update(predicted, b.Labels); err != nil {
			return 0, err
		}
		for i, p := range predicted {
			if p == b.Labels[i] {
				correct++
			}
		}
		total += len(predicted)
	}
	if total == 0 {
		return 0, data.ErrEmptySource
	}

	acc := float64(correct) / float64(total)
	fmt.Printf("Accuracy of the classifier on the %s data is : %5.4f\n", split, acc*100)
	lines := []string{
		fmt.Sprintf("%s Acc: %.2f%%", split, acc*100),
		fmt.Sprintf("%s recall: %.3f%%", split, o.deps.Metrics.Recall()*100),
		fmt.Sprintf("%s precision: %.3f%%", split, o.deps.Metrics.Precision()*100),
	}
	for _, line := range lines {
		if err := o.deps.Sink.Write(line); err != nil {
			return 0, fmt.Errorf("failed to write output: %w", err)
		}
	}
	return acc, nil
}

// rollback restores both models from the best snapshot before a phase
// change. Only a snapshot taken in the phase being left is loaded.
func (o *Orchestrator) rollback() error {
	switch {
	case !o.bestSaved:
		klog.Warningf("No best snapshot saved yet in this run, advancing without rollback")
		return nil
	case o.bestPhase != o.phase:
		klog.Warningf("Best snapshot was taken in %s, keeping the models trained in %s", o.bestPhase, o.phase)
		return nil
	}
	if err := o.deps.Checkpoints.LoadBest(o.clsUnit, o.judgeUnit); err != nil {
		return fmt.Errorf("failed to roll back to best snapshot: %w", err)
	}
	klog.Infof("Rolled back to the best snapshot of %s", o.phase)
	return nil
}

// finish evaluates the best models on the test split and writes the resume
// checkpoint and result log.
func (o *Orchestrator) finish(report *Report) error {
	o.deps.Metrics.Reset()
	if o.bestSaved {
		if err := o.deps.Checkpoints.LoadBest(o.clsUnit, o.judgeUnit); err != nil {
			return fmt.Errorf("failed to load best snapshot: %w", err)
		}
	} else {
		klog.Warningf("No best snapshot saved, evaluating the current models")
	}

	acc, err := o.evaluate(o.deps.Test, "Test")
	if err != nil {
		return fmt.Errorf("test evaluation failed: %w", err)
	}
	report.TestAccuracy = acc
	report.TestRecall = o.deps.Metrics.Recall()
	report.TestPrecision = o.deps.Metrics.Precision()
	o.fillReport(report)

	return o.flush(report.LastEpoch)
}

// interrupted flushes state once and hands back the cancellation error
func (o *Orchestrator) interrupted(report *Report, epoch int, cause error) (*Report, error) {
	report.Interrupted = true
	o.fillReport(report)
	klog.Warningf("Interrupted at epoch %d in %s, saving resume checkpoint", epoch, o.phase)
	if err := o.flush(epoch); err != nil {
		return report, errors.Join(cause, err)
	}
	return report, cause
}

// flush persists the resume pair and the result log
func (o *Orchestrator) flush(epoch int) error {
	state := checkpoints.TrainingState{
		Epoch:        epoch,
		Phase:        o.phase.String(),
		BestAccuracy: o.patience.Best(),
		Patience:     o.patience.Remaining(),
	}
	return errors.Join(
		o.deps.Checkpoints.SaveResume(o.clsUnit, o.judgeUnit, state),
		o.deps.Results.Save(o.records),
	)
}

func (o *Orchestrator) fillReport(report *Report) {
	report.FinalPhase = o.phase
	report.BestAccuracy = o.patience.Best()
	report.Results = append([]results.Record(nil), o.records...)
}

// printEpochSummary prints a summary of the epoch results
func (o *Orchestrator) printEpochSummary(s EpochSummary) {
	marker := ""
	if s.Improved {
		marker = " *"
	}
	fmt.Printf("| end of epoch %3d/%d | %-20s | time %s | valid acc %.2f%% | best %.2f%% | patience %d%s\n",
		s.Epoch, o.cfg.Epochs, s.Phase, formatDuration(s.Duration), s.Accuracy*100, o.patience.Best()*100, s.Patience, marker)
}

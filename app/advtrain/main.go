// advtrain trains a text classifier semi-supervised with an adversarial judge.
//
// The run pre-trains the classifier on the labeled split, pre-trains the judge
// against the classifier's pseudo-labels and then trains both jointly. Hit
// Ctrl+C at any time: the current state is saved to the resume directory and
// the next invocation continues from there.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/tsawler/go-advtext/checkpoints"
	"github.com/tsawler/go-advtext/data"
	"github.com/tsawler/go-advtext/results"
	"github.com/tsawler/go-advtext/training"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	cfg := training.DefaultConfig()

	flag.StringVar(&cfg.DataDir, "data", cfg.DataDir, "location of the data corpus (train.csv and test.csv)")
	flag.StringVar(&cfg.Model, "model", cfg.Model, "type of recurrent net (RNN_TANH, RNN_RELU, LSTM)")
	flag.IntVar(&cfg.EmbedSize, "emsize", cfg.EmbedSize, "size of word embeddings")
	flag.IntVar(&cfg.HiddenSize, "nhid", cfg.HiddenSize, "number of hidden units per layer")
	flag.IntVar(&cfg.Layers, "nlayers", cfg.Layers, "number of layers")
	flag.Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "initial learning rate")
	flag.Float64Var(&cfg.ReduceRate, "reduce_rate", cfg.ReduceRate, "learning rate decay per schedule step")
	flag.Float64Var(&cfg.Clip, "clip", cfg.Clip, "gradient clipping")
	flag.IntVar(&cfg.NumClasses, "nclass", cfg.NumClasses, "number of classes")
	flag.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "upper epoch limit")
	flag.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "batch size")
	flag.Float64Var(&cfg.DropoutEmb, "dropout_em", cfg.DropoutEmb, "dropout applied to the embedding layer (0 = no dropout)")
	flag.Float64Var(&cfg.DropoutRNN, "dropout_rnn", cfg.DropoutRNN, "dropout applied between recurrent layers (0 = no dropout)")
	flag.Float64Var(&cfg.DropoutCls, "dropout_cl", cfg.DropoutCls, "dropout applied before the output layer (0 = no dropout)")
	flag.BoolVar(&cfg.Tied, "tied", cfg.Tied, "tie the word embedding and softmax weights")
	flag.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	flag.IntVar(&cfg.LogInterval, "log_interval", cfg.LogInterval, "report interval")
	flag.IntVar(&cfg.NumberPerClass, "number_per_class", cfg.NumberPerClass, "labeled examples kept per class")
	flag.IntVar(&cfg.Patience, "patience", cfg.Patience, "epochs without improvement before moving to the next phase")
	flag.IntVar(&cfg.JudgeEpoch, "judge_epoch", cfg.JudgeEpoch, "epoch at which judge pre-training starts")
	flag.IntVar(&cfg.AdversarialEpoch, "adversarial_epoch", cfg.AdversarialEpoch, "epoch at which adversarial training starts")
	flag.StringVar(&cfg.LossSplit, "loss_split", cfg.LossSplit, "classifier loss in joint rounds: first_half_combined or always_combined")
	flag.StringVar(&cfg.ONNXExport, "onnx-export", "", "path to export the final model in onnx format")
	flag.StringVar(&cfg.SaveDir, "save", cfg.SaveDir, "path to save the final model")
	flag.StringVar(&cfg.PretrainDir, "pre_train", cfg.PretrainDir, "directory holding a pretrained lm_model.json")
	flag.StringVar(&cfg.Embedding, "embedding", "", "word vectors file (GloVe text format) to initialise the embeddings")
	flag.StringVar(&cfg.OutputFile, "output_file", cfg.OutputFile, "metrics output file")
	resume := flag.String("resume", "", "resume checkpoint directory (default <save>/resume_checkpoint)")
	resultsFile := flag.String("results", "", "validation log, .csv or .db (default <save>/result/result.csv)")
	flag.Parse()

	cfg.ResumeDir = *resume
	if cfg.ResumeDir == "" {
		cfg.ResumeDir = filepath.Join(cfg.SaveDir, "resume_checkpoint")
	}
	cfg.ResultsFile = *resultsFile
	if cfg.ResultsFile == "" {
		cfg.ResultsFile = filepath.Join(cfg.SaveDir, "result", "result.csv")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, cfg)
	stop()

	code := 0
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Println(strings.Repeat("-", 89))
		fmt.Println("Exiting from training early")
		fmt.Printf("saved the check point to '%s'\n", cfg.ResumeDir)
		code = 130
	case err != nil:
		klog.Errorf("Error: %v", err)
		code = 1
	default:
		fmt.Println(strings.Repeat("=", 89))
		fmt.Println("End of training and evaluation")
	}
	klog.Flush()
	os.Exit(code)
}

func run(ctx context.Context, cfg training.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Tied {
		klog.Warningf("--tied has no effect: the output layers are not vocabulary-sized")
	}

	corpusCfg := data.DefaultCorpusConfig()
	corpusCfg.Dir = cfg.DataDir
	corpusCfg.NumClasses = cfg.NumClasses
	corpusCfg.NumberPerClass = cfg.NumberPerClass
	corpusCfg.Seed = cfg.Seed
	corpus, err := data.LoadCorpus(corpusCfg)
	if err != nil {
		return fmt.Errorf("failed to load corpus: %w", err)
	}
	klog.Infof("Corpus: vocab %d, labeled %d, unlabeled %d, valid %d, test %d",
		corpus.Vocab.Len(), len(corpus.Labeled), len(corpus.Unlabeled), len(corpus.Valid), len(corpus.Test))

	var vectors *mat.Dense
	if cfg.Embedding != "" {
		var found int
		vectors, found, err = data.LoadVectors(cfg.Embedding, corpus.Vocab, cfg.EmbedSize, cfg.Seed)
		if err != nil {
			return fmt.Errorf("failed to load embedding vectors: %w", err)
		}
		klog.Infof("Loaded vectors for %d of %d words from %s", found, corpus.Vocab.Len(), cfg.Embedding)
	}

	models, err := training.BuildModels(cfg, corpus.Vocab.Len(), vectors)
	if err != nil {
		return err
	}

	deps := models.Deps()
	if deps.Labeled, err = data.NewLoader(corpus.Labeled, cfg.BatchSize, true, true, cfg.Seed); err != nil {
		return err
	}
	if deps.Unlabeled, err = data.NewLoader(corpus.Unlabeled, cfg.BatchSize, true, false, cfg.Seed+1); err != nil {
		return err
	}
	if deps.Valid, err = data.NewLoader(corpus.Valid, cfg.BatchSize, false, true, cfg.Seed); err != nil {
		return err
	}
	if deps.Test, err = data.NewLoader(corpus.Test, cfg.BatchSize, false, true, cfg.Seed); err != nil {
		return err
	}

	store, err := results.Open(cfg.ResultsFile)
	if err != nil {
		return err
	}
	defer store.Close()

	sink, err := training.OpenFileSink(cfg.OutputFile)
	if err != nil {
		return err
	}
	defer sink.Close()

	manager := checkpoints.NewManager(cfg.SaveDir, cfg.ResumeDir, cfg.PretrainDir)
	deps.Checkpoints = manager
	deps.Results = store
	deps.Sink = sink
	deps.Metrics = training.NewConfusionMatrix(cfg.NumClasses)

	orch, err := training.New(cfg, deps)
	if err != nil {
		return err
	}
	report, err := orch.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Println(strings.Repeat("-", 89))
	fmt.Printf("Test accuracy %.2f%% | recall %.3f | precision %.3f | best valid %.2f%% | epochs %d-%d\n",
		report.TestAccuracy*100, report.TestRecall, report.TestPrecision, report.BestAccuracy*100,
		report.StartEpoch, report.LastEpoch)

	if cfg.ONNXExport != "" {
		return exportONNX(manager, models, cfg.ONNXExport)
	}
	return nil
}

func exportONNX(manager *checkpoints.Manager, models *training.Models, path string) error {
	unit := &checkpoints.Unit{Model: models.Classifier}
	if err := manager.ExportONNX(unit, path); err != nil {
		return fmt.Errorf("onnx export failed: %w", err)
	}
	info, err := checkpoints.NewONNXImporter().Inspect(path)
	if err != nil {
		return fmt.Errorf("failed to read back %s: %w", path, err)
	}
	klog.Infof("Exported classifier to %s (opset %d, ops %v, %d initializers)",
		path, info.Opset, info.OpTypes, len(info.Initializers))
	return nil
}

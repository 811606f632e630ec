// Command train fits the driving-action classifier on recorded transitions.
//
// The defaults reproduce the canonical run: read data/transitions.gob.gz,
// balance the actions, train for 30 epochs and checkpoint after each one.
// A JSON config file can override any flag left at its default; explicit CLI
// flags always win.
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"image/color"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nwihl/drivenet/baseline"
	"github.com/nwihl/drivenet/convnet"
	"github.com/nwihl/drivenet/datasets"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

const precomputeProgressInterval = 3 * time.Second

// fileConfig mirrors the CLI flags for the optional JSON config file. Fields
// are pointers so absent keys are distinguishable from zero values.
type fileConfig struct {
	Data         *string  `json:"data"`
	Model        *string  `json:"model"`
	Epochs       *int     `json:"epochs"`
	BatchSize    *int     `json:"batch_size"`
	TrainSplit   *float64 `json:"train_split"`
	MultiplyRare *int     `json:"multiply_rare"`
	LearningRate *float64 `json:"learning_rate"`
	Optimizer    *string  `json:"optimizer"`
	AdamBeta1    *float64 `json:"adam_beta1"`
	AdamBeta2    *float64 `json:"adam_beta2"`
	AdamEps      *float64 `json:"adam_eps"`
	ClipNorm     *float64 `json:"clip_norm"`
	Dropout      *float64 `json:"dropout"`
	Workers      *int     `json:"workers"`
	Metrics      *string  `json:"metrics"`
	PlotDir      *string  `json:"plot_dir"`
}

func main() {
	dataPath := flag.String("data", "data/transitions.gob.gz", "path to the recorded transitions")
	modelPath := flag.String("model", "data/model.gob", "path where the checkpoint is written after each epoch")
	epochs := flag.Int("epochs", 30, "number of training epochs")
	batchSize := flag.Int("batch-size", 32, "training batch size")
	trainSplit := flag.Float64("train-split", 0.85, "fraction of examples used for training, remainder validates")
	multiplyRare := flag.Int("multiply-rare", 30, "extra copies appended per rare-action transition (values below 2 disable inflation)")
	learningRate := flag.Float64("lr", 0.001, "learning rate")
	optimizer := flag.String("optimizer", "adam", "optimizer to use for training: 'adam' or 'sgd'")
	adamBeta1 := flag.Float64("adam-beta1", 0.9, "Adam beta1 hyperparameter")
	adamBeta2 := flag.Float64("adam-beta2", 0.999, "Adam beta2 hyperparameter")
	adamEps := flag.Float64("adam-eps", 1e-8, "Adam epsilon hyperparameter")
	clipNorm := flag.Float64("clip-norm", 0, "gradient clipping norm (0 disables)")
	dropoutP := flag.Float64("dropout", 0.5, "dropout probability (0 disables)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	workers := flag.Int("workers", 0, "worker goroutines for transforms and layer math (0 = NumCPU)")
	configPath := flag.String("config", "", "path to JSON config file (optional); CLI flags override its values")
	metricsPath := flag.String("metrics", "data/metrics.csv", "path for the per-epoch metrics CSV")
	plotDir := flag.String("plot-dir", "data/plots", "output directory for the metric plots")
	evalOnly := flag.Bool("eval-only", false, "load the checkpoint at -model, evaluate on the validation split and exit")
	baselineFlag := flag.Bool("baseline", false, "score a k-nearest-neighbor baseline on the validation split")
	baselineK := flag.Int("baseline-k", 1, "number of neighbors for the baseline")
	flag.Parse()

	// Merge JSON config values, but only into flags still at their default:
	// an explicit CLI flag beats the file.
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("[Setup] read config %s: %v", *configPath, err)
		}
		var fc fileConfig
		if err := json.Unmarshal(data, &fc); err != nil {
			log.Fatalf("[Setup] parse config %s: %v", *configPath, err)
		}
		if fc.Data != nil && *dataPath == "data/transitions.gob.gz" {
			*dataPath = *fc.Data
		}
		if fc.Model != nil && *modelPath == "data/model.gob" {
			*modelPath = *fc.Model
		}
		if fc.Epochs != nil && *epochs == 30 {
			*epochs = *fc.Epochs
		}
		if fc.BatchSize != nil && *batchSize == 32 {
			*batchSize = *fc.BatchSize
		}
		if fc.TrainSplit != nil && *trainSplit == 0.85 {
			*trainSplit = *fc.TrainSplit
		}
		if fc.MultiplyRare != nil && *multiplyRare == 30 {
			*multiplyRare = *fc.MultiplyRare
		}
		if fc.LearningRate != nil && *learningRate == 0.001 {
			*learningRate = *fc.LearningRate
		}
		if fc.Optimizer != nil && *optimizer == "adam" {
			*optimizer = *fc.Optimizer
		}
		if fc.AdamBeta1 != nil && *adamBeta1 == 0.9 {
			*adamBeta1 = *fc.AdamBeta1
		}
		if fc.AdamBeta2 != nil && *adamBeta2 == 0.999 {
			*adamBeta2 = *fc.AdamBeta2
		}
		if fc.AdamEps != nil && *adamEps == 1e-8 {
			*adamEps = *fc.AdamEps
		}
		if fc.ClipNorm != nil && *clipNorm == 0 {
			*clipNorm = *fc.ClipNorm
		}
		if fc.Dropout != nil && *dropoutP == 0.5 {
			*dropoutP = *fc.Dropout
		}
		if fc.Workers != nil && *workers == 0 {
			*workers = *fc.Workers
		}
		if fc.Metrics != nil && *metricsPath == "data/metrics.csv" {
			*metricsPath = *fc.Metrics
		}
		if fc.PlotDir != nil && *plotDir == "data/plots" {
			*plotDir = *fc.PlotDir
		}
		log.Printf("[Setup] applied config from %s", *configPath)
	}

	log.Printf("[Data] reading transitions from %s", *dataPath)
	transitions, err := datasets.ReadTransitions(*dataPath)
	if err != nil {
		log.Fatalf("[Data] %v", err)
	}
	if fi, err := os.Stat(*dataPath); err == nil {
		log.Printf("[Data] %s transitions (%s on disk)",
			humanize.Comma(int64(len(transitions))), humanize.Bytes(uint64(fi.Size())))
	} else {
		log.Printf("[Data] %s transitions", humanize.Comma(int64(len(transitions))))
	}

	samples, stats, err := datasets.Balance(transitions, datasets.BalanceConfig{
		Multiplier: *multiplyRare,
		Seed:       *seed,
	})
	if err != nil {
		log.Fatalf("[Balance] %v", err)
	}
	for i, name := range datasets.ActionNames {
		log.Printf("[Balance] actions of type %s: %d", name, stats.PerClass[i])
	}
	log.Printf("[Balance] inflated %s rare copies, dropped %s unlabeled and %s accelerate",
		humanize.Comma(int64(stats.Inflated)),
		humanize.Comma(int64(stats.DroppedUnlabeled)),
		humanize.Comma(int64(stats.DroppedAccel)))
	log.Printf("[Balance] total transitions: %s", humanize.Comma(int64(stats.Total)))
	if stats.Total == 0 {
		log.Fatalf("[Balance] no usable transitions in %s", *dataPath)
	}

	ds, err := datasets.NewBalancedDataset(samples)
	if err != nil {
		log.Fatalf("[Balance] %v", err)
	}
	ds.BatchSize = *batchSize

	// Transform every frame up front so epochs iterate over pure cache reads.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(precomputeProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d := ds.Precomputed()
				log.Printf("[Precompute] progress: %s/%s (%.1f%%)",
					humanize.Comma(int64(d)), humanize.Comma(int64(ds.Len())),
					float64(d)/float64(ds.Len())*100)
			case <-done:
				return
			}
		}
	}()
	if err := ds.Precompute(*workers); err != nil {
		close(done)
		log.Fatalf("[Precompute] %v", err)
	}
	close(done)
	log.Printf("[Precompute] completed: %s frames", humanize.Comma(int64(ds.Precomputed())))

	train, val, err := ds.Split(*trainSplit)
	if err != nil {
		log.Fatalf("[Data] %v", err)
	}
	log.Printf("[Data] split: %s train, %s validation",
		humanize.Comma(int64(train.Len())), humanize.Comma(int64(val.Len())))

	cfg := convnet.Config{
		LearningRate: *learningRate,
		Epochs:       *epochs,
		BatchSize:    *batchSize,
		Optimizer:    *optimizer,
		Beta1:        *adamBeta1,
		Beta2:        *adamBeta2,
		Epsilon:      *adamEps,
		ClipNorm:     *clipNorm,
		Dropout:      *dropoutP,
		Workers:      *workers,
		Seed:         *seed,
		ModelPath:    *modelPath,
	}

	if *evalOnly {
		model, epoch, err := convnet.Load(*modelPath)
		if err != nil {
			log.Fatalf("[Eval] %v", err)
		}
		log.Printf("[Eval] loaded checkpoint %s (epoch %d)", *modelPath, epoch)
		loss, acc, err := model.Evaluate(val)
		if err != nil {
			log.Fatalf("[Eval] %v", err)
		}
		log.Printf("[Eval] loss: %.4f; accuracy: %.4f", loss, acc)
		if *baselineFlag {
			runBaseline(train, val, *baselineK, *workers)
		}
		return
	}

	if *baselineFlag {
		runBaseline(train, val, *baselineK, *workers)
	}

	model, err := convnet.NewModel(cfg)
	if err != nil {
		log.Fatalf("[Train] %v", err)
	}
	log.Printf("[Train] model built: %s parameters", humanize.Comma(int64(model.ParamCount())))
	for _, line := range strings.Split(model.Summary(), "\n") {
		log.Printf("[Train] %s", line)
	}

	start := time.Now()
	epochStats, err := model.TrainWithDatasets(train, val, func(s convnet.EpochStats) error {
		log.Printf("[Train] epoch %d/%d", s.Epoch, cfg.Epochs)
		log.Printf("[Train] loss: %.4f; accuracy: %.4f", s.TrainLoss, s.TrainAccuracy)
		log.Printf("[Eval] loss: %.4f; accuracy: %.4f", s.ValLoss, s.ValAccuracy)
		if err := model.Save(cfg.ModelPath, s.Epoch); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("[Train] %v", err)
	}
	log.Printf("[Train] completed %d epochs in %v", len(epochStats), time.Since(start).Round(time.Second))
	log.Printf("[Checkpoint] model at %s", cfg.ModelPath)

	if err := writeMetricsCSV(*metricsPath, epochStats); err != nil {
		log.Fatalf("[Plot] %v", err)
	}
	log.Printf("[Plot] metrics written to %s", *metricsPath)

	if err := plotMetrics(*plotDir, epochStats); err != nil {
		log.Fatalf("[Plot] %v", err)
	}
	if err := plotClassCounts(*plotDir, stats); err != nil {
		log.Fatalf("[Plot] %v", err)
	}
	log.Printf("[Plot] plots written to %s", *plotDir)
}

// runBaseline scores a k-nearest-neighbor classifier built on the training
// split against the validation split.
func runBaseline(train, val *datasets.Subset, k, workers int) {
	c, err := baseline.NewClassifier(train, k)
	if err != nil {
		log.Fatalf("[Baseline] %v", err)
	}
	if workers > 0 {
		c.Workers = workers
	}
	start := time.Now()
	acc, err := c.Evaluate(val)
	if err != nil {
		log.Fatalf("[Baseline] %v", err)
	}
	log.Printf("[Baseline] %d-nn validation accuracy: %.4f (%v)", k, acc, time.Since(start).Round(time.Millisecond))
}

// writeMetricsCSV records one row per epoch.
func writeMetricsCSV(path string, stats []convnet.EpochStats) error {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"epoch", "train_loss", "train_acc", "val_loss", "val_acc"}); err != nil {
		return fmt.Errorf("write metrics header: %w", err)
	}
	for _, s := range stats {
		row := []string{
			strconv.Itoa(s.Epoch),
			strconv.FormatFloat(s.TrainLoss, 'f', 6, 64),
			strconv.FormatFloat(s.TrainAccuracy, 'f', 6, 64),
			strconv.FormatFloat(s.ValLoss, 'f', 6, 64),
			strconv.FormatFloat(s.ValAccuracy, 'f', 6, 64),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write metrics row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// metricXYs collects one metric across epochs as plot points.
func metricXYs(stats []convnet.EpochStats, metric func(convnet.EpochStats) float64) plotter.XYs {
	xys := make(plotter.XYs, len(stats))
	for i, s := range stats {
		xys[i].X = float64(s.Epoch)
		xys[i].Y = metric(s)
	}
	return xys
}

// plotMetrics writes loss.png and accuracy.png with train and validation
// curves.
func plotMetrics(outDir string, stats []convnet.EpochStats) error {
	type curve struct {
		file, title, yLabel string
		train, val          plotter.XYs
	}
	curves := []curve{
		{
			file: "loss.png", title: "Loss per epoch", yLabel: "loss",
			train: metricXYs(stats, func(s convnet.EpochStats) float64 { return s.TrainLoss }),
			val:   metricXYs(stats, func(s convnet.EpochStats) float64 { return s.ValLoss }),
		},
		{
			file: "accuracy.png", title: "Accuracy per epoch", yLabel: "accuracy",
			train: metricXYs(stats, func(s convnet.EpochStats) float64 { return s.TrainAccuracy }),
			val:   metricXYs(stats, func(s convnet.EpochStats) float64 { return s.ValAccuracy }),
		},
	}

	if err := ensureDir(outDir); err != nil {
		return err
	}
	for _, c := range curves {
		p := plot.New()
		p.Title.Text = c.title
		p.X.Label.Text = "epoch"
		p.Y.Label.Text = c.yLabel

		trainLine, err := plotter.NewLine(c.train)
		if err != nil {
			return err
		}
		trainLine.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
		trainLine.Width = vg.Points(1.2)
		p.Add(trainLine)
		p.Legend.Add("train", trainLine)

		trainPts, err := plotter.NewScatter(c.train)
		if err != nil {
			return err
		}
		trainPts.GlyphStyle.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
		trainPts.GlyphStyle.Radius = vg.Points(2)
		p.Add(trainPts)

		valLine, err := plotter.NewLine(c.val)
		if err != nil {
			return err
		}
		valLine.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
		valLine.Width = vg.Points(1.2)
		p.Add(valLine)
		p.Legend.Add("validation", valLine)

		valPts, err := plotter.NewScatter(c.val)
		if err != nil {
			return err
		}
		valPts.GlyphStyle.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
		valPts.GlyphStyle.Radius = vg.Points(2)
		p.Add(valPts)

		p.Add(plotter.NewGrid())
		xmin, xmax, ymin, ymax := autoRange(append(append(plotter.XYs(nil), c.train...), c.val...))
		p.X.Min, p.X.Max = xmin, xmax
		p.Y.Min, p.Y.Max = ymin, ymax

		if err := p.Save(8*vg.Inch, 6*vg.Inch, filepath.Join(outDir, c.file)); err != nil {
			return err
		}
	}
	return nil
}

// plotClassCounts writes classes.png, a bar chart of the retained samples
// per action class after balancing.
func plotClassCounts(outDir string, stats datasets.BalanceStats) error {
	p := plot.New()
	p.Title.Text = "Retained samples per action"
	p.Y.Label.Text = "samples"

	values := make(plotter.Values, len(stats.PerClass))
	for i, n := range stats.PerClass {
		values[i] = float64(n)
	}
	bars, err := plotter.NewBarChart(values, vg.Points(20))
	if err != nil {
		return err
	}
	bars.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	p.Add(bars)
	p.NominalX(datasets.ActionNames...)

	if err := ensureDir(outDir); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 6*vg.Inch, filepath.Join(outDir, "classes.png"))
}

// autoRange computes padded min/max for X and Y for a set of points.
func autoRange(xs plotter.XYs) (xmin, xmax, ymin, ymax float64) {
	if len(xs) == 0 {
		return -1, 1, -1, 1
	}
	xmin = math.Inf(1)
	xmax = math.Inf(-1)
	ymin = math.Inf(1)
	ymax = math.Inf(-1)
	for _, p := range xs {
		if p.X < xmin {
			xmin = p.X
		}
		if p.X > xmax {
			xmax = p.X
		}
		if p.Y < ymin {
			ymin = p.Y
		}
		if p.Y > ymax {
			ymax = p.Y
		}
	}
	padx := (xmax - xmin) * 0.06
	pady := (ymax - ymin) * 0.06
	if padx == 0 {
		padx = 1.0
	}
	if pady == 0 {
		pady = 1.0
	}
	return xmin - padx, xmax + padx, ymin - pady, ymax + pady
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	return os.MkdirAll(path, 0755)
}

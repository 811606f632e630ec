package convnet

import (
	"errors"
	"fmt"
)

// Dataset is the view of the training data the trainer needs. The datasets
// package provides implementations; Batch takes positions in the current
// iteration order.
type Dataset interface {
	Len() int
	Batch(indices []int) (inputs [][]float32, labels []int32, err error)
	Shuffle(seed int64)
}

// EpochStats records one epoch of training and validation metrics.
type EpochStats struct {
	Epoch         int
	TrainLoss     float64
	TrainAccuracy float64
	ValLoss       float64
	ValAccuracy   float64
}

// TrainWithDatasets runs the full training schedule: each epoch reshuffles
// the training set, steps through its batches and then scores the validation
// set in inference mode. perEpoch, if non-nil, runs after every epoch; its
// error aborts training. Returns the stats of all completed epochs.
func (m *Model) TrainWithDatasets(train, val Dataset, perEpoch func(EpochStats) error) ([]EpochStats, error) {
	opt, err := newOptimizer(m.cfg)
	if err != nil {
		return nil, err
	}
	stats := make([]EpochStats, 0, m.cfg.Epochs)
	for epoch := 1; epoch <= m.cfg.Epochs; epoch++ {
		trainLoss, trainAcc, err := m.trainEpoch(train, opt, epoch)
		if err != nil {
			return stats, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		s := EpochStats{Epoch: epoch, TrainLoss: trainLoss, TrainAccuracy: trainAcc}
		if val != nil && val.Len() > 0 {
			s.ValLoss, s.ValAccuracy, err = m.Evaluate(val)
			if err != nil {
				return stats, fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
		}
		stats = append(stats, s)
		if perEpoch != nil {
			if err := perEpoch(s); err != nil {
				return stats, err
			}
		}
	}
	return stats, nil
}

// trainEpoch runs one optimization pass over the dataset. A trailing batch
// of a single example is skipped because batch norm cannot estimate
// statistics from it; the loss and accuracy denominators count only the
// examples actually processed.
func (m *Model) trainEpoch(ds Dataset, opt optimizer, epoch int) (loss, acc float64, err error) {
	ds.Shuffle(m.cfg.Seed + int64(epoch))

	n := ds.Len()
	var lossSum float64
	var correct, processed int
	indices := make([]int, 0, m.cfg.BatchSize)

	for start := 0; start < n; start += m.cfg.BatchSize {
		end := min(start+m.cfg.BatchSize, n)
		bn := end - start
		if bn < 2 {
			continue
		}
		indices = indices[:0]
		for i := start; i < end; i++ {
			indices = append(indices, i)
		}

		inputs, labels, err := ds.Batch(indices)
		if err != nil {
			return 0, 0, fmt.Errorf("read batch at %d: %w", start, err)
		}
		flat, err := flattenBatch(inputs)
		if err != nil {
			return 0, 0, err
		}
		if err := checkLabels(labels); err != nil {
			return 0, 0, err
		}

		zeroGrads(m.params)
		logits, err := m.forward(flat, bn, true)
		if err != nil {
			return 0, 0, err
		}
		batchLoss, dlogits := softmaxCrossEntropy(logits, labels, bn, NumClasses)
		for i := 0; i < bn; i++ {
			if argmaxRow(logits[i*NumClasses:(i+1)*NumClasses]) == labels[i] {
				correct++
			}
		}

		m.backward(dlogits, bn)
		if m.cfg.ClipNorm > 0 {
			clipGradients(m.params, m.cfg.ClipNorm)
		}
		opt.Step(m.params)

		lossSum += batchLoss * float64(bn)
		processed += bn
	}

	if processed == 0 {
		return 0, 0, errors.New("dataset has no trainable batches")
	}
	return lossSum / float64(processed), float64(correct) / float64(processed), nil
}

// Evaluate scores a dataset in inference mode and returns the mean loss and
// accuracy. The dataset order is left untouched.
func (m *Model) Evaluate(ds Dataset) (loss, acc float64, err error) {
	n := ds.Len()
	if n == 0 {
		return 0, 0, errors.New("dataset is empty")
	}

	var lossSum float64
	var correct int
	indices := make([]int, 0, m.cfg.BatchSize)

	for start := 0; start < n; start += m.cfg.BatchSize {
		end := min(start+m.cfg.BatchSize, n)
		bn := end - start
		indices = indices[:0]
		for i := start; i < end; i++ {
			indices = append(indices, i)
		}

		inputs, labels, err := ds.Batch(indices)
		if err != nil {
			return 0, 0, fmt.Errorf("read batch at %d: %w", start, err)
		}
		flat, err := flattenBatch(inputs)
		if err != nil {
			return 0, 0, err
		}
		if err := checkLabels(labels); err != nil {
			return 0, 0, err
		}

		logits, err := m.forward(flat, bn, false)
		if err != nil {
			return 0, 0, err
		}
		batchLoss, _ := softmaxCrossEntropy(logits, labels, bn, NumClasses)
		for i := 0; i < bn; i++ {
			if argmaxRow(logits[i*NumClasses:(i+1)*NumClasses]) == labels[i] {
				correct++
			}
		}
		lossSum += batchLoss * float64(bn)
	}

	return lossSum / float64(n), float64(correct) / float64(n), nil
}

// flattenBatch concatenates per-example inputs into one NCHW buffer.
func flattenBatch(inputs [][]float32) ([]float32, error) {
	flat := make([]float32, 0, len(inputs)*inputDim)
	for i, in := range inputs {
		if len(in) != inputDim {
			return nil, fmt.Errorf("example %d has %d values, want %d", i, len(in), inputDim)
		}
		flat = append(flat, in...)
	}
	return flat, nil
}

func checkLabels(labels []int32) error {
	for i, lab := range labels {
		if lab < 0 || lab >= NumClasses {
			return fmt.Errorf("label %d at position %d outside [0, %d)", lab, i, NumClasses)
		}
	}
	return nil
}

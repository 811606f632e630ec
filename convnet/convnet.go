// Package convnet trains and runs the driving-action classifier: a small
// convolutional network over 84x84 grayscale frames that predicts one of the
// seven discrete control actions. Everything runs on the CPU in float32, with
// the layers parallelized across a worker pool.
package convnet

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"strings"
	"time"
)

// Input geometry and the number of action classes the head predicts.
const (
	InputHeight   = 84
	InputWidth    = 84
	InputChannels = 1
	NumClasses    = 7

	inputDim = InputChannels * InputHeight * InputWidth
)

// Config holds the training hyperparameters. Zero values are replaced with
// defaults by NewModel, except Dropout and ClipNorm where zero means
// disabled.
type Config struct {
	// LearningRate for the optimizer. Defaults to 0.001.
	LearningRate float64
	// Epochs to train for. Defaults to 30.
	Epochs int
	// BatchSize for both training and evaluation. Defaults to 32.
	BatchSize int
	// Optimizer is "adam" or "sgd". Defaults to "adam".
	Optimizer string
	// Beta1, Beta2 and Epsilon are the Adam moment decays and stabilizer.
	// Defaults: 0.9, 0.999 and 1e-8.
	Beta1   float64
	Beta2   float64
	Epsilon float64
	// ClipNorm caps the global gradient norm before each step. Zero
	// disables clipping.
	ClipNorm float64
	// Dropout probability used by all dropout sites. Zero disables dropout.
	Dropout float64
	// Workers bounds the goroutines used inside the layers. Defaults to
	// runtime.NumCPU().
	Workers int
	// Seed drives weight initialization, dropout masks and epoch shuffles.
	// If zero, a time-based seed is used.
	Seed int64
	// ModelPath is where checkpoints are written after each epoch.
	// Defaults to "data/model.gob".
	ModelPath string
}

func (c Config) withDefaults() Config {
	if c.LearningRate <= 0 {
		c.LearningRate = 0.001
	}
	if c.Epochs <= 0 {
		c.Epochs = 30
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Optimizer == "" {
		c.Optimizer = "adam"
	}
	if c.Beta1 <= 0 {
		c.Beta1 = 0.9
	}
	if c.Beta2 <= 0 {
		c.Beta2 = 0.999
	}
	if c.Epsilon <= 0 {
		c.Epsilon = 1e-8
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	if c.ModelPath == "" {
		c.ModelPath = "data/model.gob"
	}
	return c
}

// Model is the action classifier. Construct it with NewModel or restore one
// with Load. Methods are not safe for concurrent use.
type Model struct {
	cfg Config
	rng *rand.Rand

	conv1 *conv2d
	bn1   *batchNorm
	elu1  *elu
	drop1 *dropout2d

	conv2 *conv2d
	bn2   *batchNorm
	elu2  *elu
	drop2 *dropout2d

	conv3 *conv2d
	elu3  *elu

	bn3   *batchNorm
	drop3 *dropout
	fc1   *linear
	elu4  *elu
	bn4   *batchNorm
	drop4 *dropout
	fc2   *linear

	flatDim int
	params  []*Param
}

// NewModel builds the network and initializes its weights.
func NewModel(cfg Config) (*Model, error) {
	cfg = cfg.withDefaults()
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, fmt.Errorf("dropout %v outside [0, 1)", cfg.Dropout)
	}
	if cfg.Optimizer != "adam" && cfg.Optimizer != "sgd" {
		return nil, fmt.Errorf("unknown optimizer %q, want adam or sgd", cfg.Optimizer)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &Model{cfg: cfg, rng: rng}

	m.conv1 = newConv2d("conv1", InputChannels, 32, 8, 4, InputHeight, InputWidth)
	m.bn1 = newBatchNorm("bn1", 32, m.conv1.outH*m.conv1.outW)
	m.elu1 = &elu{}
	m.drop1 = newDropout2d(cfg.Dropout, 32, m.conv1.outH*m.conv1.outW, rng)

	m.conv2 = newConv2d("conv2", 32, 64, 4, 2, m.conv1.outH, m.conv1.outW)
	m.bn2 = newBatchNorm("bn2", 64, m.conv2.outH*m.conv2.outW)
	m.elu2 = &elu{}
	m.drop2 = newDropout2d(cfg.Dropout, 64, m.conv2.outH*m.conv2.outW, rng)

	m.conv3 = newConv2d("conv3", 64, 64, 3, 1, m.conv2.outH, m.conv2.outW)
	m.elu3 = &elu{}

	m.flatDim = m.conv3.outSize()
	m.bn3 = newBatchNorm("bn3", m.flatDim, 1)
	m.drop3 = &dropout{p: cfg.Dropout, rng: rng}
	m.fc1 = newLinear("fc1", m.flatDim, 120)
	m.elu4 = &elu{}
	m.bn4 = newBatchNorm("bn4", 120, 1)
	m.drop4 = &dropout{p: cfg.Dropout, rng: rng}
	m.fc2 = newLinear("fc2", 120, NumClasses)

	k := m.conv1.kernel * m.conv1.kernel
	initXavier(rng, m.conv1.weight, m.conv1.inC*k, m.conv1.outC*k)
	k = m.conv2.kernel * m.conv2.kernel
	initXavier(rng, m.conv2.weight, m.conv2.inC*k, m.conv2.outC*k)
	k = m.conv3.kernel * m.conv3.kernel
	initXavier(rng, m.conv3.weight, m.conv3.inC*k, m.conv3.outC*k)
	initXavier(rng, m.fc1.weight, m.fc1.in, m.fc1.out)
	initXavier(rng, m.fc2.weight, m.fc2.in, m.fc2.out)

	m.params = []*Param{
		m.conv1.weight, m.conv1.bias,
		m.bn1.gamma, m.bn1.beta,
		m.conv2.weight, m.conv2.bias,
		m.bn2.gamma, m.bn2.beta,
		m.conv3.weight, m.conv3.bias,
		m.bn3.gamma, m.bn3.beta,
		m.fc1.weight, m.fc1.bias,
		m.bn4.gamma, m.bn4.beta,
		m.fc2.weight, m.fc2.bias,
	}
	return m, nil
}

// initXavier fills a weight tensor uniformly in [-limit, limit] with
// limit = sqrt(6/(fanIn+fanOut)).
func initXavier(rng *rand.Rand, p *Param, fanIn, fanOut int) {
	limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	for i := range p.Data {
		p.Data[i] = rng.Float32()*2*limit - limit
	}
}

// Config returns the configuration the model was built with.
func (m *Model) Config() Config {
	return m.cfg
}

// Parameters returns the learnable tensors in a fixed order.
func (m *Model) Parameters() []*Param {
	return m.params
}

// ParamCount returns the total number of learnable values.
func (m *Model) ParamCount() int {
	total := 0
	for _, p := range m.params {
		total += len(p.Data)
	}
	return total
}

// forward runs the network over a flat NCHW batch and returns the logits.
// Training mode enables batch statistics and dropout; it needs at least two
// examples per batch or the normalization layers have nothing to estimate.
func (m *Model) forward(x []float32, n int, train bool) ([]float32, error) {
	if len(x) != n*inputDim {
		return nil, fmt.Errorf("batch of %d frames needs %d values, got %d", n, n*inputDim, len(x))
	}
	if train && n < 2 {
		return nil, fmt.Errorf("cannot train on a batch of %d: batch norm needs at least 2 examples", n)
	}

	w := m.cfg.Workers
	h := m.conv1.forward(x, n, w)
	h = m.bn1.forward(h, n, w, train)
	h = m.elu1.forward(h)
	h = m.drop1.forward(h, n, train)

	h = m.conv2.forward(h, n, w)
	h = m.bn2.forward(h, n, w, train)
	h = m.elu2.forward(h)
	h = m.drop2.forward(h, n, train)

	h = m.conv3.forward(h, n, w)
	h = m.elu3.forward(h)

	// The conv output is already flat per sample.
	h = m.bn3.forward(h, n, w, train)
	h = m.drop3.forward(h, train)
	h = m.fc1.forward(h, n, w)
	h = m.elu4.forward(h)
	h = m.bn4.forward(h, n, w, train)
	h = m.drop4.forward(h, train)
	return m.fc2.forward(h, n, w), nil
}

// backward propagates the logit gradients through the network, accumulating
// parameter gradients along the way.
func (m *Model) backward(dlogits []float32, n int) {
	w := m.cfg.Workers
	d := m.fc2.backward(dlogits, n, w)
	d = m.drop4.backward(d)
	d = m.bn4.backward(d, n, w)
	d = m.elu4.backward(d)
	d = m.fc1.backward(d, n, w)
	d = m.drop3.backward(d)
	d = m.bn3.backward(d, n, w)

	d = m.elu3.backward(d)
	d = m.conv3.backward(d, n, w)

	d = m.drop2.backward(d)
	d = m.elu2.backward(d)
	d = m.bn2.backward(d, n, w)
	d = m.conv2.backward(d, n, w)

	d = m.drop1.backward(d)
	d = m.elu1.backward(d)
	d = m.bn1.backward(d, n, w)
	m.conv1.backward(d, n, w)
}

// Predict classifies frames in inference mode and returns one action class
// per input.
func (m *Model) Predict(inputs [][]float32) ([]int32, error) {
	classes := make([]int32, 0, len(inputs))
	for start := 0; start < len(inputs); start += m.cfg.BatchSize {
		end := start + m.cfg.BatchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		n := end - start
		flat := make([]float32, 0, n*inputDim)
		for i := start; i < end; i++ {
			if len(inputs[i]) != inputDim {
				return nil, fmt.Errorf("input %d has %d values, want %d", i, len(inputs[i]), inputDim)
			}
			flat = append(flat, inputs[i]...)
		}
		logits, err := m.forward(flat, n, false)
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			classes = append(classes, argmaxRow(logits[i*NumClasses:(i+1)*NumClasses]))
		}
	}
	return classes, nil
}

// Summary returns a table of the layers, their output shapes and parameter
// counts.
func (m *Model) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-18s %s\n", "Layer", "Output Shape", "Params")
	row := func(name, shape string, params int) {
		fmt.Fprintf(&b, "%-24s %-18s %d\n", name, shape, params)
	}
	convShape := func(l *conv2d) string {
		return fmt.Sprintf("(%d, %d, %d)", l.outC, l.outH, l.outW)
	}
	row(fmt.Sprintf("conv1 (%dx%d/%d)", m.conv1.kernel, m.conv1.kernel, m.conv1.stride),
		convShape(m.conv1), len(m.conv1.weight.Data)+len(m.conv1.bias.Data))
	row("bn1", convShape(m.conv1), 2*m.bn1.c)
	row(fmt.Sprintf("conv2 (%dx%d/%d)", m.conv2.kernel, m.conv2.kernel, m.conv2.stride),
		convShape(m.conv2), len(m.conv2.weight.Data)+len(m.conv2.bias.Data))
	row("bn2", convShape(m.conv2), 2*m.bn2.c)
	row(fmt.Sprintf("conv3 (%dx%d/%d)", m.conv3.kernel, m.conv3.kernel, m.conv3.stride),
		convShape(m.conv3), len(m.conv3.weight.Data)+len(m.conv3.bias.Data))
	row("bn3", fmt.Sprintf("(%d)", m.flatDim), 2*m.bn3.c)
	row("fc1", fmt.Sprintf("(%d)", m.fc1.out), len(m.fc1.weight.Data)+len(m.fc1.bias.Data))
	row("bn4", fmt.Sprintf("(%d)", m.bn4.c), 2*m.bn4.c)
	row("fc2", fmt.Sprintf("(%d)", m.fc2.out), len(m.fc2.weight.Data)+len(m.fc2.bias.Data))
	fmt.Fprintf(&b, "Total params: %d", m.ParamCount())
	return b.String()
}

// namedTensor pairs a checkpoint key with the live slice backing it.
type namedTensor struct {
	name string
	data []float32
}

// namedTensors lists everything a checkpoint must carry: the learnable
// parameters plus the batch norm running statistics.
func (m *Model) namedTensors() []namedTensor {
	ts := make([]namedTensor, 0, len(m.params)+8)
	for _, p := range m.params {
		ts = append(ts, namedTensor{p.Name, p.Data})
	}
	for _, bn := range []*batchNorm{m.bn1, m.bn2, m.bn3, m.bn4} {
		prefix := strings.TrimSuffix(bn.gamma.Name, ".weight")
		ts = append(ts,
			namedTensor{prefix + ".running_mean", bn.runningMean},
			namedTensor{prefix + ".running_var", bn.runningVar},
		)
	}
	return ts
}

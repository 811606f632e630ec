package datasets

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// BalancedDataset serves balanced (frame, class) samples as network-ready
// examples. Frames are transformed lazily on access; Precompute fills an
// in-memory cache up front so epoch iteration does no repeated image work.
// The collection is derived in memory and recomputed every run, never
// persisted.
type BalancedDataset struct {
	// BatchSize used by Yield.
	BatchSize int

	samples []Sample
	order   []int // permutation view over samples; backing arrays never move

	// transformed caches network inputs indexed like samples; entries are nil
	// until Precompute fills them.
	transformed    [][]float32
	precomputed    int64 // atomic progress counter
	precomputedAll bool

	rand   *rand.Rand
	cursor int // Yield position within order
}

// NewBalancedDataset wraps the output of Balance in a Dataset.
func NewBalancedDataset(samples []Sample) (*BalancedDataset, error) {
	if len(samples) == 0 {
		return nil, errors.New("no samples provided")
	}
	for i, s := range samples {
		if len(s.State) != FrameBytes {
			return nil, fmt.Errorf("sample %d has a %d-byte frame, want %d", i, len(s.State), FrameBytes)
		}
		if s.Class < 0 || int(s.Class) >= len(AvailableActions) {
			return nil, fmt.Errorf("sample %d has class %d outside the action catalog", i, s.Class)
		}
	}

	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}

	return &BalancedDataset{
		BatchSize:   32,
		samples:     samples,
		order:       order,
		transformed: make([][]float32, len(samples)),
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Len returns the number of samples.
func (d *BalancedDataset) Len() int {
	return len(d.samples)
}

// exampleAt returns the transformed input and label for a raw sample index,
// bypassing the order permutation.
func (d *BalancedDataset) exampleAt(raw int) ([]float32, int32, error) {
	if t := d.transformed[raw]; t != nil {
		return t, d.samples[raw].Class, nil
	}
	input, err := TransformFrame(d.samples[raw].State)
	if err != nil {
		return nil, 0, fmt.Errorf("transform sample %d: %w", raw, err)
	}
	return input, d.samples[raw].Class, nil
}

// Example returns the transformed input and class label at position i in the
// current order.
func (d *BalancedDataset) Example(i int) ([]float32, int32, error) {
	if i < 0 || i >= len(d.order) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", i, len(d.order))
	}
	return d.exampleAt(d.order[i])
}

// Batch reads multiple examples by their positions in the current order.
func (d *BalancedDataset) Batch(indices []int) ([][]float32, []int32, error) {
	inputs := make([][]float32, len(indices))
	labels := make([]int32, len(indices))
	for bi, idx := range indices {
		in, lab, err := d.Example(idx)
		if err != nil {
			return nil, nil, err
		}
		inputs[bi] = in
		labels[bi] = lab
	}
	return inputs, labels, nil
}

// Shuffle permutes the example order.
func (d *BalancedDataset) Shuffle(seed int64) {
	d.rand.Seed(seed)
	d.rand.Shuffle(len(d.order), func(i, j int) {
		d.order[i], d.order[j] = d.order[j], d.order[i]
	})
}

// Precompute transforms every frame into the in-memory cache using a worker
// pool. Call it once before training; afterwards Example and Batch are pure
// cache reads and safe for concurrent use.
func (d *BalancedDataset) Precompute(workers int) error {
	if d.precomputedAll {
		return nil
	}

	n := len(d.samples)
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}

	jobs := make(chan int, n)
	errCh := make(chan error, workers)

	var wg sync.WaitGroup
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for idx := range jobs {
				input, err := TransformFrame(d.samples[idx].State)
				if err != nil {
					errCh <- fmt.Errorf("transform sample %d: %w", idx, err)
					return
				}
				d.transformed[idx] = input
				atomic.AddInt64(&d.precomputed, 1)
			}
		}()
	}

	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)

	wg.Wait()
	close(errCh)

	select {
	case e := <-errCh:
		return e
	default:
	}

	d.precomputedAll = true
	return nil
}

// Precomputed reports how many frames have been transformed so far. Safe to
// call while Precompute runs, for progress logging.
func (d *BalancedDataset) Precomputed() int {
	return int(atomic.LoadInt64(&d.precomputed))
}

// Split divides the dataset sequentially over the current order: the first
// int(n*fraction) examples become the training subset, the remainder the
// validation subset. The subsets share backing storage with the parent.
func (d *BalancedDataset) Split(fraction float64) (train, val *Subset, err error) {
	if fraction <= 0 || fraction > 1 {
		return nil, nil, fmt.Errorf("split fraction %v outside (0, 1]", fraction)
	}
	n := len(d.order)
	cut := int(float64(n) * fraction)
	if cut == 0 {
		return nil, nil, fmt.Errorf("split fraction %v leaves no training examples", fraction)
	}

	trainIdx := append([]int(nil), d.order[:cut]...)
	valIdx := append([]int(nil), d.order[cut:]...)

	train = newSubset(d, "train", trainIdx)
	val = newSubset(d, "validation", valIdx)
	return train, val, nil
}

// Tensors reads a batch of examples and returns them as gomlx tensors.
func (d *BalancedDataset) Tensors(indices []int) (inputs, labels *tensors.Tensor, err error) {
	in, lab, err := d.Batch(indices)
	if err != nil {
		return nil, nil, err
	}
	flat, err := MakeFrameBatchFlat(in, lab)
	if err != nil {
		return nil, nil, err
	}
	return flat.ToGomlxTensors()
}

// Name returns the name of the dataset.
func (d *BalancedDataset) Name() string {
	return "BalancedDataset"
}

// Yield returns the next batch for the gomlx Dataset interface, advancing an
// internal cursor by BatchSize. Returns io.EOF once the epoch is exhausted.
func (d *BalancedDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	batch := nextYieldIndices(&d.cursor, len(d.order), d.BatchSize)
	if batch == nil {
		return nil, nil, nil, io.EOF
	}
	in, lab, err := d.Tensors(batch)
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{in}, []*tensors.Tensor{lab}, nil
}

// Restart resets the Yield cursor for a new epoch.
func (d *BalancedDataset) Restart() error {
	d.cursor = 0
	return nil
}

// nextYieldIndices advances a cursor and returns the next run of positions,
// or nil when the cursor is past the end.
func nextYieldIndices(cursor *int, n, batchSize int) []int {
	if *cursor >= n {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	end := *cursor + batchSize
	if end > n {
		end = n
	}
	batch := make([]int, 0, end-*cursor)
	for i := *cursor; i < end; i++ {
		batch = append(batch, i)
	}
	*cursor = end
	return batch
}

// Subset is a view over a slice of a BalancedDataset's examples. It
// implements Dataset; shuffling a subset permutes only its own indices.
type Subset struct {
	// BatchSize used by Yield.
	BatchSize int

	base    *BalancedDataset
	name    string
	indices []int // raw sample indices into base

	rand   *rand.Rand
	cursor int
}

func newSubset(base *BalancedDataset, name string, indices []int) *Subset {
	return &Subset{
		BatchSize: base.BatchSize,
		base:      base,
		name:      name,
		indices:   indices,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Len returns the number of examples in the subset.
func (s *Subset) Len() int {
	return len(s.indices)
}

// Example returns the transformed input and label at position i of the subset.
func (s *Subset) Example(i int) ([]float32, int32, error) {
	if i < 0 || i >= len(s.indices) {
		return nil, 0, fmt.Errorf("index %d out of range for subset length %d", i, len(s.indices))
	}
	return s.base.exampleAt(s.indices[i])
}

// Batch reads multiple subset examples.
func (s *Subset) Batch(indices []int) ([][]float32, []int32, error) {
	inputs := make([][]float32, len(indices))
	labels := make([]int32, len(indices))
	for bi, idx := range indices {
		in, lab, err := s.Example(idx)
		if err != nil {
			return nil, nil, err
		}
		inputs[bi] = in
		labels[bi] = lab
	}
	return inputs, labels, nil
}

// Shuffle permutes the subset's own index view.
func (s *Subset) Shuffle(seed int64) {
	s.rand.Seed(seed)
	s.rand.Shuffle(len(s.indices), func(i, j int) {
		s.indices[i], s.indices[j] = s.indices[j], s.indices[i]
	})
}

// Tensors reads a batch of subset examples as gomlx tensors.
func (s *Subset) Tensors(indices []int) (inputs, labels *tensors.Tensor, err error) {
	in, lab, err := s.Batch(indices)
	if err != nil {
		return nil, nil, err
	}
	flat, err := MakeFrameBatchFlat(in, lab)
	if err != nil {
		return nil, nil, err
	}
	return flat.ToGomlxTensors()
}

// Name returns the subset's name ("train" or "validation").
func (s *Subset) Name() string {
	return s.name
}

// Yield returns the next subset batch for the gomlx Dataset interface.
func (s *Subset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	batch := nextYieldIndices(&s.cursor, len(s.indices), s.BatchSize)
	if batch == nil {
		return nil, nil, nil, io.EOF
	}
	in, lab, err := s.Tensors(batch)
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{in}, []*tensors.Tensor{lab}, nil
}

// Restart resets the Yield cursor for a new epoch.
func (s *Subset) Restart() error {
	s.cursor = 0
	return nil
}

// FrameBatchFlat stores a batch in flat contiguous buffers.
type FrameBatchFlat struct {
	Inputs    []float32
	Labels    []int32
	BatchSize int
	Channels  int
	Height    int
	Width     int
}

// MakeFrameBatchFlat flattens a batch into contiguous buffers.
func MakeFrameBatchFlat(inputs [][]float32, labels []int32) (*FrameBatchFlat, error) {
	if len(inputs) != len(labels) {
		return nil, fmt.Errorf("inputs and labels batch sizes don't match: %d != %d", len(inputs), len(labels))
	}
	if len(inputs) == 0 {
		return &FrameBatchFlat{}, nil
	}

	batchSize := len(inputs)
	flatInputs := make([]float32, batchSize*InputDim)
	for i := range batchSize {
		if len(inputs[i]) != InputDim {
			return nil, fmt.Errorf("inconsistent input dimensions at example %d: expected %d, got %d",
				i, InputDim, len(inputs[i]))
		}
		copy(flatInputs[i*InputDim:], inputs[i])
	}

	flatLabels := append([]int32(nil), labels...)

	return &FrameBatchFlat{
		Inputs:    flatInputs,
		Labels:    flatLabels,
		BatchSize: batchSize,
		Channels:  InputChannels,
		Height:    InputSize,
		Width:     InputSize,
	}, nil
}

// ToGomlxTensors converts the batch into gomlx tensors: inputs with shape
// (batch, channels, height, width) and labels with shape (batch).
func (b *FrameBatchFlat) ToGomlxTensors() (*tensors.Tensor, *tensors.Tensor, error) {
	// handle empty batch gracefully
	if b.BatchSize == 0 {
		emptyInputs := make([][][][]float32, 0)
		emptyLabels := make([]int32, 0)
		return tensors.FromAnyValue(emptyInputs), tensors.FromAnyValue(emptyLabels), nil
	}

	// Reshape the flat buffer into a nested 4D slice; rows share the backing
	// array, no copies.
	data := make([][][][]float32, b.BatchSize)
	idx := 0
	for i := range b.BatchSize {
		data[i] = make([][][]float32, b.Channels)
		for c := range b.Channels {
			data[i][c] = make([][]float32, b.Height)
			for r := range b.Height {
				data[i][c][r] = b.Inputs[idx : idx+b.Width]
				idx += b.Width
			}
		}
	}

	inT := tensors.FromAnyValue(data)
	labT := tensors.FromAnyValue(b.Labels)
	return inT, labT, nil
}

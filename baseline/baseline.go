// Package baseline provides a k-nearest-neighbor action classifier over
// transformed frames. It learns nothing, so it makes a useful reference
// point: the convolutional model has to beat it to be worth training.
package baseline

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
)

// Dataset is the minimal view the classifier needs. Using an interface here
// keeps the package independent of the concrete dataset type.
type Dataset interface {
	// Len returns the number of examples.
	Len() int

	// Example returns the transformed input and action class at index i.
	Example(i int) (input []float32, label int32, err error)
}

// Classifier predicts the action whose transformed frames lie closest to the
// query in Euclidean distance.
type Classifier struct {
	DS Dataset
	K  int

	// Workers bounds the goroutines used for distance scans. Defaults to
	// runtime.NumCPU().
	Workers int
}

// NewClassifier builds a classifier over ds using the k nearest neighbors.
func NewClassifier(ds Dataset, k int) (*Classifier, error) {
	if ds == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if k < 1 {
		return nil, fmt.Errorf("k must be >= 1, got %d", k)
	}
	return &Classifier{DS: ds, K: k, Workers: runtime.NumCPU()}, nil
}

// neighbor is one scored candidate from the reference set.
type neighbor struct {
	idx      int
	distance float32
	label    int32
}

// nearest linear-scans the dataset and returns up to k neighbors ordered by
// increasing distance, index breaking exact ties so results do not depend on
// goroutine scheduling.
func (c *Classifier) nearest(input []float32, k, workers int) ([]neighbor, error) {
	n := c.DS.Len()
	if n == 0 {
		return nil, errors.New("reference dataset is empty")
	}

	candidates := make([]neighbor, n)
	var mu sync.Mutex
	var firstErr error
	record := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	scan := func(i int) {
		inp, label, err := c.DS.Example(i)
		if err != nil {
			record(fmt.Errorf("read example %d: %w", i, err))
			return
		}
		if len(inp) != len(input) {
			record(fmt.Errorf("example %d has %d values, query has %d", i, len(inp), len(input)))
			return
		}
		candidates[i] = neighbor{
			idx:      i,
			distance: float32(math.Sqrt(euclideanDistanceSquared(input, inp))),
			label:    label,
		}
	}

	if workers <= 1 || n < 2 {
		for i := 0; i < n; i++ {
			scan(i)
		}
	} else {
		if workers > n {
			workers = n
		}
		jobs := make(chan int, n)
		var wg sync.WaitGroup
		wg.Add(workers)
		for w := 0; w < workers; w++ {
			go func() {
				defer wg.Done()
				for i := range jobs {
					scan(i)
				}
			}()
		}
		for i := 0; i < n; i++ {
			jobs <- i
		}
		close(jobs)
		wg.Wait()
	}

	if firstErr != nil {
		return nil, firstErr
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].idx < candidates[j].idx
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k], nil
}

// Predict classifies one transformed frame by majority vote over the K
// nearest neighbors. A tied vote goes to the class with the nearest member.
func (c *Classifier) Predict(input []float32) (int32, error) {
	return c.predict(input, c.Workers)
}

func (c *Classifier) predict(input []float32, workers int) (int32, error) {
	neighbors, err := c.nearest(input, c.K, workers)
	if err != nil {
		return 0, err
	}

	votes := make(map[int32]int)
	best := 0
	for _, nb := range neighbors {
		votes[nb.label]++
		if votes[nb.label] > best {
			best = votes[nb.label]
		}
	}
	for _, nb := range neighbors {
		if votes[nb.label] == best {
			return nb.label, nil
		}
	}
	return neighbors[0].label, nil
}

// Evaluate classifies every example of test against the reference set and
// returns the accuracy. Test examples are scored concurrently, each with a
// serial scan, so the result does not depend on the worker count.
func (c *Classifier) Evaluate(test Dataset) (float64, error) {
	if test == nil {
		return 0, errors.New("test dataset cannot be nil")
	}
	n := test.Len()
	if n == 0 {
		return 0, errors.New("test dataset is empty")
	}

	workers := c.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}

	jobs := make(chan int, n)
	errCh := make(chan error, workers)
	var correct int64

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				input, label, err := test.Example(i)
				if err != nil {
					errCh <- fmt.Errorf("read test example %d: %w", i, err)
					return
				}
				got, err := c.predict(input, 1)
				if err != nil {
					errCh <- err
					return
				}
				if got == label {
					atomic.AddInt64(&correct, 1)
				}
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
	case err := <-errCh:
		return 0, err
	default:
	}

	return float64(correct) / float64(n), nil
}

// euclideanDistanceSquared computes the squared distance between two
// equal-length vectors.
func euclideanDistanceSquared(a, b []float32) float64 {
	sum := 0.0
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return sum
}

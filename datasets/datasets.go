// Package datasets loads CarRacing driving recordings and prepares balanced
// training examples from them.
//
// A recording is a gzip-compressed gob file of Transition values produced by
// an external driving agent. The raw action distribution in human recordings
// is heavily skewed (mostly accelerate, almost no braking), so Balance
// inflates the rare classes and down-samples the dominant one before any
// training happens. Frames are converted to the 1x84x84 grayscale inputs the
// network consumes by TransformFrame.
//
// Notes on gomlx tensors:
//   - Batches are kept as contiguous float32 buffers plus shape metadata and
//     converted into gomlx tensors only at the boundary (ToGomlxTensors).
//     Training code that does not use gomlx can consume the flat buffers
//     directly.
package datasets

import "github.com/gomlx/gomlx/pkg/core/tensors"

// Dataset is what training loops and batching utilities need from the
// collections in this package. BalancedDataset and Subset implement it.
type Dataset interface {
	Len() int
	Example(i int) (input []float32, label int32, err error)
	Batch(indices []int) (inputs [][]float32, labels []int32, err error)
	Shuffle(seed int64)

	// To implement gomlx's train.Dataset interface
	Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error)
	Restart() error
}

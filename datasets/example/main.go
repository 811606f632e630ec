package main

// Example command that demonstrates the recording-to-batch pipeline: build a
// small synthetic recording, balance the action classes, wrap the result in a
// dataset and convert one batch into gomlx tensors using the helpers provided
// in the package.
//
// Usage:
//   go run ./example
//
// Real recordings are gzip-compressed gob files produced by a driving agent;
// here the transitions are generated in memory so the example runs without any
// data on disk.

import (
	"fmt"
	"log"
	"math/rand"

	"github.com/nwihl/drivenet/datasets"
)

// syntheticFrame fills a full RGB frame with a horizontal gradient so the
// grayscale transform has something to chew on.
func syntheticFrame(phase int) []uint8 {
	frame := make([]uint8, datasets.FrameBytes)
	for r := 0; r < datasets.FrameSize; r++ {
		for c := 0; c < datasets.FrameSize; c++ {
			v := uint8((c*255/datasets.FrameSize + phase*13) % 256)
			p := (r*datasets.FrameSize + c) * datasets.FrameChannels
			frame[p] = v
			frame[p+1] = v / 2
			frame[p+2] = 255 - v
		}
	}
	return frame
}

func main() {
	// A recording the way a human driver produces one: mostly accelerate,
	// with occasional steering and rare braking events.
	rng := rand.New(rand.NewSource(42))
	var transitions []datasets.Transition
	for i := 0; i < 60; i++ {
		action := datasets.Accelerate
		switch {
		case i%15 == 3:
			action = datasets.Action{-1, 0, 0} // left
		case i%15 == 7:
			action = datasets.Action{1, 0, 0} // right
		case i%30 == 11:
			action = datasets.Action{0, 0, 1} // brake
		case rng.Float64() < 0.05:
			action = datasets.Action{0, 0, 0} // noop
		}
		transitions = append(transitions, datasets.Transition{
			State:  syntheticFrame(i),
			Action: action,
		})
	}
	fmt.Printf("Synthetic recording: %d transitions\n", len(transitions))

	// Balance: inflate rare braking events, down-sample accelerate.
	samples, stats, err := datasets.Balance(transitions, datasets.BalanceConfig{
		Multiplier: 5,
		Seed:       42,
	})
	if err != nil {
		log.Fatalf("failed to balance recording: %v", err)
	}
	fmt.Println("Retained samples per action:")
	for i, name := range datasets.ActionNames {
		fmt.Printf("  %-12s %d\n", name, stats.PerClass[i])
	}
	fmt.Printf("Total after balancing: %d (inflated %d, dropped %d accelerate)\n",
		stats.Total, stats.Inflated, stats.DroppedAccel)

	ds, err := datasets.NewBalancedDataset(samples)
	if err != nil {
		log.Fatalf("failed to build dataset: %v", err)
	}

	// A single example: the frame is already grayscale, cropped and scaled.
	input, label, err := ds.Example(0)
	if err != nil {
		log.Fatalf("failed to load example: %v", err)
	}
	fmt.Printf("\nExample 0: %d inputs (%dx%d grayscale), class %d (%s)\n",
		len(input), datasets.InputSize, datasets.InputSize, label, datasets.ActionNames[label])

	// Prepare a small batch (first N examples) and convert it to tensors.
	n := min(8, ds.Len())
	indices := make([]int, n)
	for i := range n {
		indices[i] = i
	}

	fmt.Printf("Loading batch of %d examples...\n", n)
	inputs, labels, err := ds.Batch(indices)
	if err != nil {
		log.Fatalf("failed to build batch: %v", err)
	}

	flat, err := datasets.MakeFrameBatchFlat(inputs, labels)
	if err != nil {
		log.Fatalf("failed to make batch flat: %v", err)
	}

	inT, laT, err := flat.ToGomlxTensors()
	if err != nil {
		log.Fatalf("failed to convert batch to gomlx tensors: %v", err)
	}

	// We don't depend on any particular tensor API here; just show we have tensors.
	fmt.Printf("Created tensors: input=%T label=%T\n", inT, laT)
	fmt.Printf("  Input shape: [%d, %d, %d, %d]\n", flat.BatchSize, flat.Channels, flat.Height, flat.Width)
	fmt.Printf("  Label shape: [%d]\n", flat.BatchSize)

	// Split into train and validation the way the trainer does.
	train, val, err := ds.Split(0.85)
	if err != nil {
		log.Fatalf("failed to split dataset: %v", err)
	}
	fmt.Printf("\nSplit: %d train / %d validation\n", train.Len(), val.Len())

	fmt.Println("\nExample completed successfully!")
}

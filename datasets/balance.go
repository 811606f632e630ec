package datasets

import (
	"fmt"
	"math/rand"
	"time"
)

// accelKeepThreshold: an accelerate-labeled sample is retained only when a
// uniform draw exceeds this, discarding roughly 70% of the class.
const accelKeepThreshold = 0.7

// Sample is one balanced training example: a raw frame and its action class.
type Sample struct {
	State []uint8
	Class int32
}

// BalanceConfig tunes the balancing pipeline.
type BalanceConfig struct {
	// Multiplier is how many extra copies of each rare-action transition to
	// append before shuffling. Values below 2 disable inflation.
	Multiplier int

	// Seed drives the shuffle and the accelerate down-sampling draws. If
	// zero, a time-based seed is used.
	Seed int64
}

// BalanceStats reports what the pipeline did to a recording.
type BalanceStats struct {
	// Input is the number of transitions read from the recording.
	Input int
	// Inflated is the number of extra rare-event copies appended.
	Inflated int
	// DroppedUnlabeled counts transitions whose action matched no pattern.
	DroppedUnlabeled int
	// DroppedAccel counts accelerate samples discarded by down-sampling.
	DroppedAccel int
	// PerClass holds retained counts indexed by class.
	PerClass []int
	// Total is the number of retained samples.
	Total int
}

// Balance derives (state, class) training samples from a raw recording. The
// stages run in a fixed order: inflate rare actions, shuffle, derive labels,
// drop unlabeled transitions, down-sample the accelerate class. States and
// labels stay aligned throughout.
func Balance(transitions []Transition, cfg BalanceConfig) ([]Sample, BalanceStats, error) {
	stats := BalanceStats{
		Input:    len(transitions),
		PerClass: make([]int, len(AvailableActions)),
	}

	accel := ActionClass(Accelerate)
	if accel == ClassSentinel {
		return nil, stats, fmt.Errorf("accelerate pattern %v is not in the action catalog", Accelerate)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	// Inflate rare events by appending extra copies.
	data := append([]Transition(nil), transitions...)
	if cfg.Multiplier > 1 {
		for _, t := range transitions {
			if isRare(t.Action) {
				for range cfg.Multiplier {
					data = append(data, t)
				}
				stats.Inflated += cfg.Multiplier
			}
		}
	}

	// Order carries no meaning after this point.
	rng.Shuffle(len(data), func(i, j int) {
		data[i], data[j] = data[j], data[i]
	})

	// Derive labels and drop transitions that match no recognized action.
	samples := make([]Sample, 0, len(data))
	for _, t := range data {
		class := ActionClass(t.Action)
		if class == ClassSentinel {
			stats.DroppedUnlabeled++
			continue
		}
		samples = append(samples, Sample{State: t.State, Class: class})
	}

	// Down-sample accelerate; every other class is retained in full.
	kept := samples[:0]
	for _, s := range samples {
		if s.Class == accel && rng.Float64() <= accelKeepThreshold {
			stats.DroppedAccel++
			continue
		}
		kept = append(kept, s)
	}
	samples = kept

	for _, s := range samples {
		stats.PerClass[s.Class]++
	}
	stats.Total = len(samples)

	return samples, stats, nil
}

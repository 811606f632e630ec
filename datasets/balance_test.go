package datasets

import (
	"reflect"
	"testing"
)

// TestActionClass checks every catalog pattern maps to its own index and an
// unknown vector maps to the sentinel.
func TestActionClass(t *testing.T) {
	for i, a := range AvailableActions {
		if got := ActionClass(a); got != int32(i) {
			t.Fatalf("expected class %d for %v, got %d", i, a, got)
		}
	}
	if got := ActionClass(Action{0.5, 0.5, 0.5}); got != ClassSentinel {
		t.Fatalf("expected sentinel for unrecognized action, got %d", got)
	}
}

// TestBalanceInflatesRareEvents checks that each rare transition gains
// exactly Multiplier extra copies while common ones stay single.
func TestBalanceInflatesRareEvents(t *testing.T) {
	frame := uniformFrame(0)
	transitions := []Transition{
		{State: frame, Action: Action{0, 0, 1}}, // brake, rare
		{State: frame, Action: Action{0, 0, 0}},
		{State: frame, Action: Action{0, 0, 0}},
		{State: frame, Action: Action{0, 0, 0}},
	}

	samples, stats, err := Balance(transitions, BalanceConfig{Multiplier: 5, Seed: 1})
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}

	brake := ActionClass(Action{0, 0, 1})
	noop := ActionClass(Action{0, 0, 0})
	if stats.Inflated != 5 {
		t.Fatalf("expected 5 inflated copies, got %d", stats.Inflated)
	}
	if stats.PerClass[brake] != 6 {
		t.Fatalf("expected 6 brake samples, got %d", stats.PerClass[brake])
	}
	if stats.PerClass[noop] != 3 {
		t.Fatalf("expected 3 noop samples, got %d", stats.PerClass[noop])
	}
	if stats.Input != 4 || stats.Total != 9 || len(samples) != 9 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

// TestBalanceMultiplierBelowTwoDisables checks multipliers 0 and 1 leave the
// recording uninflated.
func TestBalanceMultiplierBelowTwoDisables(t *testing.T) {
	frame := uniformFrame(0)
	transitions := []Transition{
		{State: frame, Action: Action{0, 0, 1}}, // brake, rare
		{State: frame, Action: Action{-1, 0, 0}},
	}

	for _, m := range []int{0, 1} {
		samples, stats, err := Balance(transitions, BalanceConfig{Multiplier: m, Seed: 1})
		if err != nil {
			t.Fatalf("Balance with multiplier %d failed: %v", m, err)
		}
		if stats.Inflated != 0 {
			t.Fatalf("multiplier %d: expected no inflation, got %d", m, stats.Inflated)
		}
		if len(samples) != 2 {
			t.Fatalf("multiplier %d: expected 2 samples, got %d", m, len(samples))
		}
	}
}

// TestBalanceDropsUnrecognized checks transitions with off-catalog actions
// are discarded and counted.
func TestBalanceDropsUnrecognized(t *testing.T) {
	frame := uniformFrame(0)
	transitions := []Transition{
		{State: frame, Action: Action{0.5, 0, 0}},
		{State: frame, Action: Action{0, 1, 1}},
		{State: frame, Action: Action{-1, 0, 0}},
	}

	samples, stats, err := Balance(transitions, BalanceConfig{Seed: 1})
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if stats.DroppedUnlabeled != 2 {
		t.Fatalf("expected 2 dropped transitions, got %d", stats.DroppedUnlabeled)
	}
	if len(samples) != 1 || samples[0].Class != ActionClass(Action{-1, 0, 0}) {
		t.Fatalf("expected a single left sample, got %+v", samples)
	}
}

// TestBalanceDownsamplesAccelerate checks roughly 30% of accelerate samples
// survive while every other class is kept in full.
func TestBalanceDownsamplesAccelerate(t *testing.T) {
	frame := uniformFrame(0)
	var transitions []Transition
	for i := 0; i < 2000; i++ {
		transitions = append(transitions, Transition{State: frame, Action: Action{0, 1, 0}})
	}
	for i := 0; i < 300; i++ {
		transitions = append(transitions, Transition{State: frame, Action: Action{-1, 0, 0}})
	}
	for i := 0; i < 200; i++ {
		transitions = append(transitions, Transition{State: frame, Action: Action{1, 0, 0}})
	}

	_, stats, err := Balance(transitions, BalanceConfig{Seed: 11})
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}

	accel := ActionClass(Accelerate)
	left := ActionClass(Action{-1, 0, 0})
	right := ActionClass(Action{1, 0, 0})
	if kept := stats.PerClass[accel]; kept < 500 || kept > 700 {
		t.Fatalf("expected roughly 600 accelerate samples kept, got %d", kept)
	}
	if stats.PerClass[left] != 300 {
		t.Fatalf("expected all 300 left samples kept, got %d", stats.PerClass[left])
	}
	if stats.PerClass[right] != 200 {
		t.Fatalf("expected all 200 right samples kept, got %d", stats.PerClass[right])
	}
	if stats.DroppedAccel != 2000-stats.PerClass[accel] {
		t.Fatalf("dropped accelerate count %d inconsistent with kept %d", stats.DroppedAccel, stats.PerClass[accel])
	}

	sum := 0
	for _, n := range stats.PerClass {
		sum += n
	}
	if sum != stats.Total {
		t.Fatalf("per-class counts sum to %d, total is %d", sum, stats.Total)
	}
}

// TestBalanceKeepsStatesAligned marks each state with its class index and
// checks the pairing survives inflation and shuffling.
func TestBalanceKeepsStatesAligned(t *testing.T) {
	var transitions []Transition
	for i, a := range AvailableActions {
		transitions = append(transitions, Transition{State: markedFrame(uint8(i)), Action: a})
	}

	samples, _, err := Balance(transitions, BalanceConfig{Multiplier: 10, Seed: 3})
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	for _, s := range samples {
		if int32(s.State[0]) != s.Class {
			t.Fatalf("state marked %d carries class %d", s.State[0], s.Class)
		}
	}
}

// TestBalanceDeterministic checks the same seed reproduces the same sample
// sequence.
func TestBalanceDeterministic(t *testing.T) {
	var transitions []Transition
	for i := 0; i < 50; i++ {
		transitions = append(transitions, Transition{
			State:  markedFrame(uint8(i)),
			Action: AvailableActions[i%len(AvailableActions)],
		})
	}

	first, _, err := Balance(transitions, BalanceConfig{Multiplier: 3, Seed: 42})
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	second, _, err := Balance(transitions, BalanceConfig{Multiplier: 3, Seed: 42})
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("same seed produced different samples")
	}
}

// TestBalanceFourTransitionProperty runs the documented small-recording case:
// an accelerate, a brake, a left+brake and an unrecognized transition. The two
// rare ones always survive, the unrecognized one never does, and across seeds
// the accelerate one is sometimes kept and sometimes dropped.
func TestBalanceFourTransitionProperty(t *testing.T) {
	transitions := []Transition{
		{State: markedFrame(0), Action: Action{0, 1, 0}},       // accelerate
		{State: markedFrame(1), Action: Action{0, 0, 1}},       // brake
		{State: markedFrame(2), Action: Action{-1, 0, 1}},      // left+brake
		{State: markedFrame(3), Action: Action{0.5, 0.5, 0.5}}, // unrecognized
	}

	accel := ActionClass(Accelerate)
	brake := ActionClass(Action{0, 0, 1})
	leftBrake := ActionClass(Action{-1, 0, 1})

	var sawKept, sawDropped bool
	for seed := int64(1); seed <= 60; seed++ {
		samples, stats, err := Balance(transitions, BalanceConfig{Seed: seed})
		if err != nil {
			t.Fatalf("seed %d: Balance failed: %v", seed, err)
		}
		if stats.DroppedUnlabeled != 1 {
			t.Fatalf("seed %d: expected 1 unrecognized drop, got %d", seed, stats.DroppedUnlabeled)
		}
		if stats.PerClass[brake] != 1 || stats.PerClass[leftBrake] != 1 {
			t.Fatalf("seed %d: rare classes not fully retained: %+v", seed, stats.PerClass)
		}
		for _, s := range samples {
			if s.State[0] == 3 {
				t.Fatalf("seed %d: unrecognized transition survived", seed)
			}
		}
		switch stats.PerClass[accel] {
		case 1:
			sawKept = true
			if stats.Total != 3 {
				t.Fatalf("seed %d: expected 3 samples, got %d", seed, stats.Total)
			}
		case 0:
			sawDropped = true
			if stats.Total != 2 {
				t.Fatalf("seed %d: expected 2 samples, got %d", seed, stats.Total)
			}
		default:
			t.Fatalf("seed %d: accelerate count %d out of range", seed, stats.PerClass[accel])
		}
	}
	if !sawKept || !sawDropped {
		t.Fatalf("expected both accelerate outcomes across seeds, kept=%v dropped=%v", sawKept, sawDropped)
	}
}

// TestBalanceInflatedSmallRecording combines inflation with the full pipeline
// on the four-transition recording.
func TestBalanceInflatedSmallRecording(t *testing.T) {
	transitions := []Transition{
		{State: markedFrame(0), Action: Action{0, 1, 0}},       // accelerate
		{State: markedFrame(1), Action: Action{0, 0, 1}},       // brake
		{State: markedFrame(2), Action: Action{-1, 0, 1}},      // left+brake
		{State: markedFrame(3), Action: Action{0.5, 0.5, 0.5}}, // unrecognized
	}

	_, stats, err := Balance(transitions, BalanceConfig{Multiplier: 30, Seed: 5})
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if stats.Inflated != 60 {
		t.Fatalf("expected 60 inflated copies, got %d", stats.Inflated)
	}

	brake := ActionClass(Action{0, 0, 1})
	leftBrake := ActionClass(Action{-1, 0, 1})
	accel := ActionClass(Accelerate)
	if stats.PerClass[brake] != 31 || stats.PerClass[leftBrake] != 31 {
		t.Fatalf("expected 31 samples per rare class, got %+v", stats.PerClass)
	}
	if n := stats.PerClass[accel]; n != 0 && n != 1 {
		t.Fatalf("accelerate count %d out of range", n)
	}
	if stats.Total != 62+stats.PerClass[accel] {
		t.Fatalf("expected total %d, got %d", 62+stats.PerClass[accel], stats.Total)
	}
}

// TestBalanceEmptyRecording checks an empty recording balances to nothing
// without error.
func TestBalanceEmptyRecording(t *testing.T) {
	samples, stats, err := Balance(nil, BalanceConfig{Multiplier: 30, Seed: 1})
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if len(samples) != 0 || stats.Total != 0 {
		t.Fatalf("expected empty result, got %d samples", len(samples))
	}
}

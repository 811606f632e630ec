package datasets

import (
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// Dimensions of the recorded game screen.
const (
	FrameSize     = 96
	FrameChannels = 3

	// FrameBytes is the length of one raw RGB frame buffer.
	FrameBytes = FrameSize * FrameSize * FrameChannels
)

// Transition is one recorded step of a driving session: the screen the driver
// saw and the control vector they applied. Reward and Done are carried by
// recorders but ignored by training.
type Transition struct {
	// State is the raw RGB frame, FrameSize x FrameSize x FrameChannels,
	// row-major with interleaved channels.
	State  []uint8
	Action Action
	Reward float32
	Done   bool
}

// ReadTransitions loads a recording: a gzip-compressed gob encoding of a
// Transition slice. Every frame is validated to have exactly FrameBytes
// bytes.
func ReadTransitions(path string) ([]Transition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording %s: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read gzip stream of %s: %w", path, err)
	}
	defer gz.Close()

	var transitions []Transition
	if err := gob.NewDecoder(gz).Decode(&transitions); err != nil {
		return nil, fmt.Errorf("failed to decode recording %s: %w", path, err)
	}

	for i, t := range transitions {
		if len(t.State) != FrameBytes {
			return nil, fmt.Errorf("transition %d has a %d-byte frame, want %d", i, len(t.State), FrameBytes)
		}
	}

	return transitions, nil
}

// WriteTransitions writes a recording to path, creating parent directories as
// needed. The file is written to a temporary name in the same directory and
// renamed into place so readers never observe a partial recording.
func WriteTransitions(path string, transitions []Transition) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp recording file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	gz := gzip.NewWriter(tmpFile)
	if err := gob.NewEncoder(gz).Encode(transitions); err != nil {
		return fmt.Errorf("encode recording to temp file: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("flush gzip stream: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp recording file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp recording file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp recording to target: %w", err)
	}
	return nil
}

package convnet

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const checkpointVersion = 1

// checkpoint is the gob payload written after each epoch. Tensors carries
// the learnable parameters and the batch norm running statistics, keyed by
// their layer-qualified names.
type checkpoint struct {
	Version   int
	CreatedAt time.Time
	Config    Config
	Epoch     int
	Tensors   map[string][]float32
}

// Save writes the model state to path, replacing any previous file
// atomically so a crash mid-write cannot corrupt the last good checkpoint.
func (m *Model) Save(path string, epoch int) error {
	chk := checkpoint{
		Version:   checkpointVersion,
		CreatedAt: time.Now(),
		Config:    m.cfg,
		Epoch:     epoch,
		Tensors:   make(map[string][]float32),
	}
	for _, t := range m.namedTensors() {
		chk.Tensors[t.name] = append([]float32(nil), t.data...)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create model directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp model file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := gob.NewEncoder(tmp).Encode(&chk); err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync model file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close model file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace model file: %w", err)
	}
	return nil
}

// Load restores a model from a checkpoint and returns it together with the
// epoch it was saved after.
func Load(path string) (*Model, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open model file: %w", err)
	}
	defer f.Close()

	var chk checkpoint
	if err := gob.NewDecoder(f).Decode(&chk); err != nil {
		return nil, 0, fmt.Errorf("decode model file: %w", err)
	}
	if chk.Version != checkpointVersion {
		return nil, 0, fmt.Errorf("model version mismatch: file=%d expected=%d", chk.Version, checkpointVersion)
	}

	m, err := NewModel(chk.Config)
	if err != nil {
		return nil, 0, err
	}
	for _, t := range m.namedTensors() {
		saved, ok := chk.Tensors[t.name]
		if !ok {
			return nil, 0, fmt.Errorf("model file missing tensor %q", t.name)
		}
		if len(saved) != len(t.data) {
			return nil, 0, fmt.Errorf("tensor %q has %d values, want %d", t.name, len(saved), len(t.data))
		}
		copy(t.data, saved)
	}
	return m, chk.Epoch, nil
}

// Package checkpoint persists full-model snapshots and the ledger of global rounds.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/tensor"
)

var ErrNoSnapshot = errors.New("no snapshot stored")

type ISnapshotStore interface {
	Save(modelName string, snapshot tensor.StateDict) error
	Load(modelName string) (tensor.StateDict, error)
}

// FileStore keeps one JSON file per model name. A save replaces the previous file atomically.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) Path(modelName string) string {
	return filepath.Join(fs.dir, modelName+".json")
}

func (fs *FileStore) Save(modelName string, snapshot tensor.StateDict) error {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding %s snapshot: %w", modelName, err)
	}

	tmp, err := os.CreateTemp(fs.dir, modelName+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), fs.Path(modelName))
}

func (fs *FileStore) Load(modelName string) (tensor.StateDict, error) {
	body, err := os.ReadFile(fs.Path(modelName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, modelName)
	}
	if err != nil {
		return nil, err
	}

	snapshot := tensor.StateDict{}
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return nil, fmt.Errorf("decoding %s snapshot: %w", modelName, err)
	}
	for key, t := range snapshot {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("snapshot %s key %q: %w", modelName, key, err)
		}
	}
	return snapshot, nil
}

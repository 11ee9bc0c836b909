package launcher

import (
	"os"
	"path/filepath"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/checkpoint"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/config"
)

// OpenStores opens the snapshot store when parameters are saved or loaded, and the round history
// ledger when a history path is configured. Either result may be nil.
func OpenStores(cfg *config.Config) (checkpoint.ISnapshotStore, checkpoint.IHistory, error) {
	var snapshots checkpoint.ISnapshotStore
	if cfg.Server.Parameters.Save || cfg.Server.Parameters.Load {
		store, err := checkpoint.NewFileStore(cfg.Server.Parameters.Dir)
		if err != nil {
			return nil, nil, err
		}
		snapshots = store
	}

	var history checkpoint.IHistory
	if cfg.Server.HistoryDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Server.HistoryDB), 0777); err != nil {
			return nil, nil, err
		}
		h, err := checkpoint.OpenHistory(cfg.Server.HistoryDB)
		if err != nil {
			return nil, nil, err
		}
		history = h
	}
	return snapshots, history, nil
}

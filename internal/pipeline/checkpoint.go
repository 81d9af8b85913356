package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/tellus/internal/storage"
)

// Checkpoint key prefixes.
const (
	KnowledgePrefix = "distillation_knowledge_"
	MapPrefix       = "distillation_map_"
	DatasetPrefix   = "distillation_dataset_"
	ModelPrefix     = "distilled_model_"
)

// KV is the checkpoint store.
type KV interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

type checkpoint struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

// CheckpointKey returns the KV key of a stage checkpoint for a model id.
func CheckpointKey(stage Stage, modelID string) string {
	switch stage {
	case Extract:
		return KnowledgePrefix + modelID
	case Map:
		return MapPrefix + modelID
	case Dataset:
		return DatasetPrefix + modelID
	default:
		return ModelPrefix + modelID
	}
}

func saveCheckpoint(kv KV, key string, version int, savedAt time.Time, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding checkpoint %s: %w", key, err)
	}
	b, err := json.Marshal(checkpoint{Version: version, SavedAt: savedAt, Data: data})
	if err != nil {
		return fmt.Errorf("encoding checkpoint %s: %w", key, err)
	}
	if err := kv.Set(key, string(b)); err != nil {
		return fmt.Errorf("writing checkpoint %s: %w", key, err)
	}
	return nil
}

// loadCheckpoint decodes the checkpoint at key into v. It reports false when
// the checkpoint is missing, unreadable or from another task version.
func loadCheckpoint(kv KV, key string, version int, v any) bool {
	raw, err := kv.Get(key)
	if err != nil {
		return false
	}
	var cp checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil || cp.Version != version {
		return false
	}
	return json.Unmarshal(cp.Data, v) == nil
}

// clearCheckpoints removes the stage 1-3 checkpoints of a model id.
func clearCheckpoints(kv KV, modelID string) error {
	var errs []error
	for _, s := range []Stage{Extract, Map, Dataset} {
		if err := kv.Delete(CheckpointKey(s, modelID)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package sync

import (
	"encoding/json"
	"os"
	"path/filepath"

	apperrors "github.com/catherinevee/vtagger/internal/shared/errors"
	"github.com/catherinevee/vtagger/pkg/models"
)

const (
	lastResultFile    = "last_sync_result.json"
	uploadHistoryFile = "upload_history.json"

	// uploadHistoryLimit bounds the retained upload records.
	uploadHistoryLimit = 30
)

// writeJSONAtomic writes v to path via a temp file and rename so readers
// never observe a partial file.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindIO, "failed to encode state file").WithResource(path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindIO, "failed to create temp state file").WithResource(path)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.Wrap(err, apperrors.KindIO, "failed to write state file").WithResource(path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperrors.Wrap(err, apperrors.KindIO, "failed to close state file").WithResource(path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return apperrors.Wrap(err, apperrors.KindIO, "failed to replace state file").WithResource(path)
	}
	return nil
}

// loadLastResult reads the persisted result of the previous run. A missing or
// unreadable file yields nil; results survive restarts, not failures to parse.
func loadLastResult(dir string) *models.SyncResult {
	data, err := os.ReadFile(filepath.Join(dir, lastResultFile))
	if err != nil {
		return nil
	}
	var result models.SyncResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return &result
}

func saveLastResult(dir string, result *models.SyncResult) error {
	return writeJSONAtomic(filepath.Join(dir, lastResultFile), result)
}

func loadUploadHistory(dir string) []models.UploadRecord {
	data, err := os.ReadFile(filepath.Join(dir, uploadHistoryFile))
	if err != nil {
		return nil
	}
	var history []models.UploadRecord
	if err := json.Unmarshal(data, &history); err != nil {
		return nil
	}
	return history
}

// appendUploadHistory persists new uploads, keeping only the most recent
// uploadHistoryLimit entries. Returns the updated history.
func appendUploadHistory(dir string, history, uploads []models.UploadRecord) ([]models.UploadRecord, error) {
	history = append(history, uploads...)
	if len(history) > uploadHistoryLimit {
		history = history[len(history)-uploadHistoryLimit:]
	}
	if err := writeJSONAtomic(filepath.Join(dir, uploadHistoryFile), history); err != nil {
		return history, err
	}
	return history, nil
}

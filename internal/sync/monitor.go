package sync

import (
	"context"
	"sync"
	"time"

	"github.com/catherinevee/vtagger/internal/logger"
	"github.com/catherinevee/vtagger/pkg/models"
)

// Monitor answers import-status queries, caching terminal states so each
// completed upload costs at most one upstream call.
type Monitor struct {
	client Upstream
	log    logger.Logger

	mu    sync.Mutex
	cache map[string]models.ImportStatus
}

// NewMonitor creates a monitor with an empty cache.
func NewMonitor(client Upstream) *Monitor {
	return &Monitor{
		client: client,
		log:    logger.New("monitor"),
		cache:  make(map[string]models.ImportStatus),
	}
}

// Statuses resolves the processing state for each upload. Terminal cached
// records are served without a call; everything else is polled once per
// invocation. Fetch failures produce a pollable fetch_error record that is
// never cached.
func (m *Monitor) Statuses(ctx context.Context, uploads []models.UploadRecord, accountLookup map[string]string) []models.ImportStatus {
	statuses := make([]models.ImportStatus, 0, len(uploads))

	for _, upload := range uploads {
		if cached, ok := m.cachedTerminal(upload.UploadID); ok {
			statuses = append(statuses, cached)
			continue
		}

		status := m.poll(ctx, upload, accountLookup)
		if status.Terminal() {
			m.mu.Lock()
			m.cache[upload.UploadID] = status
			m.mu.Unlock()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func (m *Monitor) cachedTerminal(uploadID string) (models.ImportStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.cache[uploadID]
	return status, ok
}

func (m *Monitor) poll(ctx context.Context, upload models.UploadRecord, accountLookup map[string]string) models.ImportStatus {
	accountKey := accountLookup[upload.AccountID]

	fetched, err := m.client.ImportStatus(ctx, accountKey, upload.UploadID)
	if err != nil {
		m.log.Warn("Import status fetch failed",
			logger.String("upload_id", upload.UploadID),
			logger.Error(err))
		return models.ImportStatus{
			UploadID:  upload.UploadID,
			AccountID: upload.AccountID,
			Timestamp: upload.Timestamp,
			Phase:     "fetch_error",
			Error:     err.Error(),
			TotalRows: upload.TotalRows,
			SyncType:  upload.SyncType,
			StartDate: upload.StartDate,
			EndDate:   upload.EndDate,
		}
	}

	// Merge the upstream view with the locally recorded upload metadata.
	fetched.AccountID = upload.AccountID
	fetched.Timestamp = upload.Timestamp
	if fetched.Timestamp == "" {
		fetched.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if fetched.TotalRows == 0 {
		fetched.TotalRows = upload.TotalRows
	}
	fetched.SyncType = upload.SyncType
	fetched.StartDate = upload.StartDate
	fetched.EndDate = upload.EndDate
	return fetched
}

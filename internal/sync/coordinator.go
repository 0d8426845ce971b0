// Package sync owns the run lifecycle: single-flight coordination, date
// window resolution, the per-payer upload phase, result persistence, and
// import-status monitoring.
package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	"github.com/catherinevee/vtagger/internal/dimension"
	"github.com/catherinevee/vtagger/internal/engine"
	"github.com/catherinevee/vtagger/internal/logger"
	"github.com/catherinevee/vtagger/internal/pipeline"
	"github.com/catherinevee/vtagger/internal/progress"
	apperrors "github.com/catherinevee/vtagger/internal/shared/errors"
	"github.com/catherinevee/vtagger/internal/shared/metrics"
	"github.com/catherinevee/vtagger/internal/store"
	"github.com/catherinevee/vtagger/internal/umbrella"
	"github.com/catherinevee/vtagger/pkg/models"
)

// Upstream is the slice of the API client the coordinator and its phases use.
type Upstream interface {
	Authenticate(ctx context.Context) error
	ListAccounts(ctx context.Context) (aggregate, individual []models.Account, err error)
	StreamAssets(ctx context.Context, q umbrella.AssetQuery, emit func([]models.Resource) error) error
	UploadVirtualTags(ctx context.Context, accountKey, filePath string, compressed bool, mode string) (string, error)
	ImportStatus(ctx context.Context, accountKey, uploadID string) (models.ImportStatus, error)
}

// Options parameterizes one run request.
type Options struct {
	Mode       models.SyncMode
	StartDate  string
	EndDate    string
	FilterMode models.FilterMode
	// Dimensions optionally restricts the run to a subset of dimension names.
	Dimensions []string
	// AccountKeys overrides the account selection; empty means the upstream
	// aggregate account (falling back to every individual account).
	AccountKeys []string
	MaxRecords  int
}

// Coordinator enforces process-wide single flight over sync and simulation
// runs and drives the fetch, map, and upload phases.
type Coordinator struct {
	client  Upstream
	store   *store.Store
	engine  *engine.Engine
	tracker *progress.Tracker
	metrics *metrics.Metrics
	monitor *Monitor
	log     logger.Logger

	outputDir string
	batchSize int

	mu          stdsync.Mutex
	running     bool
	starting    bool
	cancelRun   context.CancelFunc
	lastResult  *models.SyncResult
	lastSamples []models.TaggedRecord
	history     []models.UploadRecord
}

// NewCoordinator wires the coordinator and restores persisted state from
// outputDir.
func NewCoordinator(client Upstream, st *store.Store, eng *engine.Engine,
	tracker *progress.Tracker, m *metrics.Metrics, outputDir string, batchSize int) *Coordinator {

	return &Coordinator{
		client:     client,
		store:      st,
		engine:     eng,
		tracker:    tracker,
		metrics:    m,
		monitor:    NewMonitor(client),
		log:        logger.New("sync"),
		outputDir:  outputDir,
		batchSize:  batchSize,
		lastResult: loadLastResult(outputDir),
		history:    loadUploadHistory(outputDir),
	}
}

// StartWeek starts a sync over the ISO Monday–Sunday week containing
// refDate (today when empty).
func (c *Coordinator) StartWeek(opts Options, refDate string) error {
	ref := time.Now()
	if refDate != "" {
		parsed, err := time.Parse(dateLayout, refDate)
		if err != nil {
			return apperrors.NewValidation("date", "invalid reference date, want YYYY-MM-DD")
		}
		ref = parsed
	}
	opts.Mode = models.SyncWeek
	opts.StartDate, opts.EndDate = WeekWindow(ref)
	return c.start(opts)
}

// StartMonth starts a sync over one calendar month ("YYYY-MM").
func (c *Coordinator) StartMonth(opts Options, month string) error {
	start, end, err := MonthWindow(month)
	if err != nil {
		return apperrors.NewValidation("month", err.Error())
	}
	opts.Mode = models.SyncMonth
	opts.StartDate, opts.EndDate = start, end
	return c.start(opts)
}

// StartRange starts a sync over an arbitrary date window.
func (c *Coordinator) StartRange(opts Options, start, end string) error {
	if err := ValidateRange(start, end); err != nil {
		return apperrors.NewValidation("range", err.Error())
	}
	opts.Mode = models.SyncRange
	opts.StartDate, opts.EndDate = start, end
	return c.start(opts)
}

// Simulate starts a dry run: fetch and map without the upload phase.
func (c *Coordinator) Simulate(opts Options, start, end string) error {
	if err := ValidateRange(start, end); err != nil {
		return apperrors.NewValidation("range", err.Error())
	}
	opts.Mode = models.SyncSimulation
	opts.StartDate, opts.EndDate = start, end
	return c.start(opts)
}

// start performs the synchronous mark-starting transition and launches the
// run goroutine. A second concurrent request gets a conflict error.
func (c *Coordinator) start(opts Options) error {
	c.mu.Lock()
	if c.running || c.starting {
		c.mu.Unlock()
		return apperrors.NewConflict("a sync is already running")
	}
	c.starting = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRun = cancel
	c.mu.Unlock()

	go c.run(ctx, opts)
	return nil
}

// Cancel requests cooperative cancellation. The run goroutine keeps the
// single-flight slot until its finishRun releases it, even when the cancel
// lands before beginRun; freeing the slot here would let a second run start
// while the first goroutine is still alive.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	if c.cancelRun != nil {
		c.cancelRun()
	}
	c.mu.Unlock()
	c.log.Info("Sync cancellation requested")
}

// IsRunning reports whether a run is active or starting.
func (c *Coordinator) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running || c.starting
}

// LastResult returns the persisted outcome of the most recent run.
func (c *Coordinator) LastResult() *models.SyncResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult
}

// LastSamples returns the preview sample of the most recent run.
func (c *Coordinator) LastSamples() []models.TaggedRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSamples
}

// UploadHistory returns the bounded history of per-payer uploads.
func (c *Coordinator) UploadHistory() []models.UploadRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.UploadRecord{}, c.history...)
}

// Progress merges the live broadcaster snapshot with the coordinator flags
// and the last persisted result.
func (c *Coordinator) Progress() map[string]interface{} {
	snap := c.tracker.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()
	view := map[string]interface{}{
		"state":       snap.State,
		"progress":    snap.Progress,
		"message":     snap.Message,
		"stats":       snap.Stats,
		"elapsed":     snap.ElapsedSeconds,
		"is_running":  snap.IsRunning || c.running || c.starting,
		"is_starting": c.starting,
	}
	if snap.Error != "" {
		view["error"] = snap.Error
	}
	if c.lastResult != nil {
		view["last_result"] = c.lastResult
	}
	return view
}

// ImportStatuses resolves the processing state of the recorded uploads via
// the terminal-state cache.
func (c *Coordinator) ImportStatuses(ctx context.Context) ([]models.ImportStatus, error) {
	uploads := c.UploadHistory()
	if len(uploads) == 0 {
		return nil, nil
	}

	aggregate, individual, err := c.client.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	return c.monitor.Statuses(ctx, uploads, accountLookup(aggregate, individual)), nil
}

// ReloadDimensions recompiles the engine chain from the store. Called at
// startup and after every dimension mutation.
func (c *Coordinator) ReloadDimensions() error {
	records, err := c.store.ListDimensions()
	if err != nil {
		return err
	}

	dims := make([]*dimension.Dimension, 0, len(records))
	for _, rec := range records {
		var content dimension.Content
		if err := json.Unmarshal([]byte(rec.Content), &content); err != nil {
			c.log.Warn("Skipping undecodable dimension",
				logger.String("name", rec.VtagName),
				logger.Error(err))
			continue
		}
		dims = append(dims, dimension.New(content))
	}
	c.engine.Load(dims)
	c.log.Info("Dimension chain reloaded", logger.Int("dimensions", len(dims)))
	return nil
}

// UploadFromFile re-runs the upload phase over an existing spill file without
// a fetch phase. Subject to the same single-flight rule as a sync.
func (c *Coordinator) UploadFromFile(jsonlPath string) error {
	c.mu.Lock()
	if c.running || c.starting {
		c.mu.Unlock()
		return apperrors.NewConflict("a sync is already running")
	}
	c.starting = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRun = cancel
	c.mu.Unlock()

	go c.runStandaloneUpload(ctx, jsonlPath)
	return nil
}

func (c *Coordinator) runStandaloneUpload(ctx context.Context, jsonlPath string) {
	c.beginRun(models.SyncRange)
	result := &models.SyncResult{Status: "running", SyncType: "upload"}
	start := time.Now()

	c.tracker.SetState(progress.StateAuthenticating, "authenticating")
	var uploads []models.UploadRecord
	err := c.client.Authenticate(ctx)
	if err == nil {
		var aggregate, individual []models.Account
		aggregate, individual, err = c.client.ListAccounts(ctx)
		if err == nil {
			c.tracker.SetState(progress.StateWriting, "uploading virtual tags")
			uploader := NewUploader(c.client, c.metrics)
			uploads, err = uploader.UploadFromJSONL(ctx, jsonlPath,
				accountLookup(aggregate, individual), c.dimensionOrder())
		}
	}

	c.recordUploads(result, uploads, "upload", "", "")
	c.finishRun(result, nil, err, start)
}

// run executes one full sync or simulation.
func (c *Coordinator) run(ctx context.Context, opts Options) {
	c.beginRun(opts.Mode)

	result := &models.SyncResult{
		Status:    "running",
		SyncType:  string(opts.Mode),
		StartDate: opts.StartDate,
		EndDate:   opts.EndDate,
	}
	start := time.Now()

	pres, uploads, err := c.runPhases(ctx, opts)
	if pres != nil {
		result.TotalAssets = pres.Stats.TotalAssets
		result.MatchedAssets = pres.Stats.MatchedAssets
		result.UnmatchedAssets = pres.Stats.UnmatchedAssets
		result.DimensionMatches = pres.Stats.DimensionMatches
	}
	if opts.Mode == models.SyncSimulation {
		result.Message = "simulation only, nothing uploaded"
	}
	c.recordUploads(result, uploads, string(opts.Mode), opts.StartDate, opts.EndDate)
	c.finishRun(result, pres, err, start)
}

// runPhases drives authenticate, reload, account selection, pipeline, and
// (for non-simulation runs) the upload phase.
func (c *Coordinator) runPhases(ctx context.Context, opts Options) (*pipeline.Result, []models.UploadRecord, error) {
	c.tracker.SetState(progress.StateAuthenticating, "authenticating")
	if err := c.client.Authenticate(ctx); err != nil {
		return nil, nil, err
	}
	if ctx.Err() != nil {
		return nil, nil, apperrors.NewCancelled("cancelled during authentication")
	}

	if err := c.ReloadDimensions(); err != nil {
		return nil, nil, err
	}

	c.tracker.SetState(progress.StateFetchingAccounts, "fetching accounts")
	aggregate, individual, err := c.client.ListAccounts(ctx)
	if err != nil {
		return nil, nil, err
	}

	accountKeys := opts.AccountKeys
	if len(accountKeys) == 0 {
		source := aggregate
		if len(source) == 0 {
			source = individual
		}
		for _, acc := range source {
			accountKeys = append(accountKeys, acc.AccountKey)
		}
	}

	pipe := pipeline.New(c.client, c.engine, c.tracker, c.metrics)
	pres, err := pipe.Run(ctx, pipeline.Options{
		AccountKeys:      accountKeys,
		StartDate:        opts.StartDate,
		EndDate:          opts.EndDate,
		FilterMode:       opts.FilterMode,
		FilterDimensions: opts.Dimensions,
		OutputDir:        c.outputDir,
		BatchSize:        c.batchSize,
		MaxRecords:       opts.MaxRecords,
	})
	if err != nil {
		return pres, nil, err
	}

	if opts.Mode == models.SyncSimulation {
		return pres, nil, nil
	}

	c.tracker.SetState(progress.StateWriting, "uploading virtual tags")
	uploader := NewUploader(c.client, c.metrics)
	uploads, err := uploader.UploadFromJSONL(ctx, pres.JSONLPath,
		accountLookup(aggregate, individual), c.dimensionOrder())
	return pres, uploads, err
}

// dimensionOrder lists the chain's names in evaluation order.
func (c *Coordinator) dimensionOrder() []string {
	dims := c.engine.Dimensions()
	names := make([]string, 0, len(dims))
	for _, d := range dims {
		names = append(names, d.Name)
	}
	return names
}

func (c *Coordinator) beginRun(mode models.SyncMode) {
	c.mu.Lock()
	c.starting = false
	c.running = true
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RunsStarted.WithLabelValues(string(mode)).Inc()
		c.metrics.RunInFlight.Set(1)
	}
	c.tracker.SetState(progress.StateStarting, "sync starting")
}

// recordUploads stamps the upload records with run metadata and folds them
// into the result.
func (c *Coordinator) recordUploads(result *models.SyncResult, uploads []models.UploadRecord, syncType, start, end string) {
	now := time.Now().UTC().Format(time.RFC3339)
	for i := range uploads {
		uploads[i].Timestamp = now
		uploads[i].SyncType = syncType
		uploads[i].StartDate = start
		uploads[i].EndDate = end
		result.UploadIDs = append(result.UploadIDs, uploads[i].UploadID)
	}
	result.Uploads = uploads
	result.UploadedCount = len(uploads)
}

// finishRun classifies the outcome, persists state, and releases the
// single-flight slot.
func (c *Coordinator) finishRun(result *models.SyncResult, pres *pipeline.Result, runErr error, start time.Time) {
	result.ElapsedSeconds = time.Since(start).Seconds()

	switch {
	case runErr == nil:
		result.Status = "success"
	case apperrors.IsKind(runErr, apperrors.KindCancelled):
		result.Status = "cancelled"
		result.ErrorMessage = runErr.Error()
	default:
		result.Status = "error"
		result.ErrorMessage = runErr.Error()
	}

	if err := saveLastResult(c.outputDir, result); err != nil {
		c.log.Error("Failed to persist sync result", logger.Error(err))
	}

	c.mu.Lock()
	c.lastResult = result
	if pres != nil {
		c.lastSamples = pres.Samples
	}
	if len(result.Uploads) > 0 {
		history, err := appendUploadHistory(c.outputDir, c.history, result.Uploads)
		if err != nil {
			c.log.Error("Failed to persist upload history", logger.Error(err))
		}
		c.history = history
	}
	c.running = false
	c.cancelRun = nil
	c.mu.Unlock()

	if c.store != nil {
		today := time.Now().Format(dateLayout)
		if err := c.store.RecordRun(today, *result); err != nil {
			c.log.Error("Failed to record daily stats", logger.Error(err))
		}
		if pres != nil && len(pres.Discovered) > 0 {
			if err := c.store.RecordDiscoveredTags(pres.Discovered); err != nil {
				c.log.Error("Failed to record discovered tags", logger.Error(err))
			}
		}
	}

	switch result.Status {
	case "success":
		c.tracker.SetState(progress.StateComplete, "sync complete")
	case "cancelled":
		c.tracker.SetState(progress.StateCancelled, "sync cancelled")
	default:
		c.tracker.SetState(progress.StateError, result.ErrorMessage)
	}

	if c.metrics != nil {
		c.metrics.RunsCompleted.WithLabelValues(result.Status).Inc()
		c.metrics.RunInFlight.Set(0)
	}

	c.log.Info("Sync finished",
		logger.String("status", result.Status),
		logger.Int("total", result.TotalAssets),
		logger.Int("matched", result.MatchedAssets),
		logger.Int("uploads", result.UploadedCount),
		logger.Float64("elapsed_seconds", result.ElapsedSeconds))
}

// accountLookup maps an upstream accountId or accountName to its accountKey.
// Individual accounts win on collision.
func accountLookup(aggregate, individual []models.Account) map[string]string {
	lookup := make(map[string]string, len(aggregate)+len(individual))
	for _, acc := range append(append([]models.Account{}, aggregate...), individual...) {
		if acc.AccountKey == "" {
			continue
		}
		if acc.AccountID != "" {
			lookup[acc.AccountID] = acc.AccountKey
		}
		if acc.AccountName != "" {
			lookup[acc.AccountName] = acc.AccountKey
		}
	}
	return lookup
}

package sync

import (
	"context"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/vtagger/internal/dimension"
	"github.com/catherinevee/vtagger/internal/engine"
	apperrors "github.com/catherinevee/vtagger/internal/shared/errors"
	"github.com/catherinevee/vtagger/internal/progress"
	"github.com/catherinevee/vtagger/internal/store"
	"github.com/catherinevee/vtagger/pkg/models"
)

func seedDimension(t *testing.T, st *store.Store) {
	t.Helper()
	content := dimension.Content{
		VtagName:     "Environment",
		Index:        1,
		DefaultValue: models.Unallocated,
		Statements: []dimension.Statement{
			{MatchExpression: "TAG['env'] == 'prod'", ValueExpression: "'Production'"},
		},
	}
	raw, err := dimension.CanonicalJSON(content)
	require.NoError(t, err)
	_, err = st.SaveDimension(content, raw)
	require.NoError(t, err)
}

func prodResource(id string) models.Resource {
	return models.Resource{
		ResourceID:    id,
		LinkedAccount: "111122223333",
		PayerAccount:  "999988887777",
		Fields:        map[string]string{"Tag: env": "prod"},
	}
}

func newTestCoordinator(t *testing.T, up Upstream) (*Coordinator, *store.Store, *progress.Tracker) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "vtagger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	seedDimension(t, st)

	tracker := progress.NewTracker()
	t.Cleanup(tracker.Close)

	c := NewCoordinator(up, st, engine.New(), tracker, nil, t.TempDir(), 100)
	return c, st, tracker
}

func waitDone(t *testing.T, c *Coordinator) *models.SyncResult {
	t.Helper()
	require.Eventually(t, func() bool {
		return !c.IsRunning() && c.LastResult() != nil
	}, 5*time.Second, 10*time.Millisecond)
	return c.LastResult()
}

func TestCoordinator_WeekRunEndToEnd(t *testing.T) {
	up := &fakeUpstream{
		aggregate: []models.Account{
			{AccountKey: "agg-1", AccountID: "all", AccountName: "All Accounts", IsAllAccounts: true},
		},
		individual: []models.Account{
			{AccountKey: "key-999", AccountID: "999988887777", AccountName: "Payer"},
		},
		pages: map[string][][]models.Resource{
			"agg-1": {{prodResource("r-1"), prodResource("r-2")}},
		},
	}

	c, st, _ := newTestCoordinator(t, up)
	require.NoError(t, c.StartWeek(Options{}, "2026-08-26"))

	result := waitDone(t, c)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "week", result.SyncType)
	assert.Equal(t, "2026-08-24", result.StartDate)
	assert.Equal(t, "2026-08-30", result.EndDate)
	assert.Equal(t, 2, result.TotalAssets)
	assert.Equal(t, 2, result.MatchedAssets)
	require.Equal(t, 1, result.UploadedCount)
	assert.Equal(t, "999988887777", result.Uploads[0].AccountID)
	assert.Equal(t, 2, result.Uploads[0].TotalRows)
	assert.Equal(t, "week", result.Uploads[0].SyncType)

	// Upload history and last result survive in a fresh coordinator.
	reloaded := NewCoordinator(up, st, engine.New(), c.tracker, nil, c.outputDir, 100)
	require.NotNil(t, reloaded.LastResult())
	assert.Equal(t, "success", reloaded.LastResult().Status)
	require.Len(t, reloaded.UploadHistory(), 1)

	// Daily rollup recorded.
	stats, err := st.DailyStats(1)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].TotalStatements)
	assert.Equal(t, 1, stats[0].APICalls)

	// Discovered tags harvested from the run.
	tags, err := st.DiscoveredTags()
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "env", tags[0].TagKey)
}

func TestCoordinator_SimulationSkipsUpload(t *testing.T) {
	up := &fakeUpstream{
		aggregate: []models.Account{{AccountKey: "agg-1", IsAllAccounts: true}},
		pages: map[string][][]models.Resource{
			"agg-1": {{prodResource("r-1")}},
		},
	}

	c, _, _ := newTestCoordinator(t, up)
	require.NoError(t, c.Simulate(Options{}, "2026-08-01", "2026-08-07"))

	result := waitDone(t, c)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, string(models.SyncSimulation), result.SyncType)
	assert.Zero(t, result.UploadedCount)
	assert.Empty(t, up.uploaded, "no presigned uploads in simulation")
	assert.NotEmpty(t, result.Message)
	assert.NotEmpty(t, c.LastSamples(), "samples retained for review")
}

func TestCoordinator_SingleFlightConflict(t *testing.T) {
	gate := make(chan struct{})
	up := &gatedUpstream{fakeUpstream: &fakeUpstream{
		aggregate: []models.Account{{AccountKey: "agg-1", IsAllAccounts: true}},
	}, gate: gate}

	c, _, _ := newTestCoordinator(t, up)
	require.NoError(t, c.StartWeek(Options{}, ""))

	err := c.StartWeek(Options{}, "")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindConflict))

	close(gate)
	waitDone(t, c)

	// After completion a new run is accepted.
	gate2 := make(chan struct{})
	up.gate = gate2
	close(gate2)
	require.NoError(t, c.StartWeek(Options{}, ""))
	waitDone(t, c)
}

// gatedUpstream blocks Authenticate until its gate is closed.
type gatedUpstream struct {
	*fakeUpstream
	gate chan struct{}
}

func (g *gatedUpstream) Authenticate(ctx context.Context) error {
	<-g.gate
	return g.fakeUpstream.Authenticate(ctx)
}

func TestCoordinator_CancelDuringAuthentication(t *testing.T) {
	gate := make(chan struct{})
	up := &gatedUpstream{fakeUpstream: &fakeUpstream{
		aggregate: []models.Account{{AccountKey: "agg-1", IsAllAccounts: true}},
	}, gate: gate}

	c, _, _ := newTestCoordinator(t, up)
	require.NoError(t, c.StartRange(Options{}, "2026-08-01", "2026-08-07"))

	c.Cancel()
	close(gate)

	result := waitDone(t, c)
	assert.Equal(t, "cancelled", result.Status)
}

// countingUpstream records the peak number of concurrent Authenticate calls
// and parks each one until the current release channel is closed.
type countingUpstream struct {
	*fakeUpstream
	mu       stdsync.Mutex
	inFlight int
	peak     int
	release  chan struct{}
}

func (u *countingUpstream) setRelease(ch chan struct{}) {
	u.mu.Lock()
	u.release = ch
	u.mu.Unlock()
}

func (u *countingUpstream) Authenticate(ctx context.Context) error {
	u.mu.Lock()
	u.inFlight++
	if u.inFlight > u.peak {
		u.peak = u.inFlight
	}
	release := u.release
	u.mu.Unlock()

	<-release

	u.mu.Lock()
	u.inFlight--
	u.mu.Unlock()
	return u.fakeUpstream.Authenticate(ctx)
}

func (u *countingUpstream) peakInFlight() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.peak
}

// A cancel that lands before the run goroutine marks itself running must not
// free the single-flight slot: the next start request stays a conflict until
// the cancelled run has actually finished.
func TestCoordinator_CancelBeforeRunningKeepsSlot(t *testing.T) {
	up := &countingUpstream{fakeUpstream: &fakeUpstream{
		aggregate: []models.Account{{AccountKey: "agg-1", IsAllAccounts: true}},
	}}
	c, _, _ := newTestCoordinator(t, up)

	for i := 0; i < 50; i++ {
		release := make(chan struct{})
		up.setRelease(release)

		require.NoError(t, c.StartWeek(Options{}, ""))
		c.Cancel()

		err := c.StartWeek(Options{}, "")
		require.Error(t, err, "iteration %d: slot freed while run alive", i)
		assert.True(t, apperrors.IsKind(err, apperrors.KindConflict))

		close(release)
		result := waitDone(t, c)
		assert.Equal(t, "cancelled", result.Status)
	}

	assert.Equal(t, 1, up.peakInFlight(), "runs overlapped")
}

func TestCoordinator_ErrorRunRecorded(t *testing.T) {
	up := &fakeUpstream{
		authErr: apperrors.New(apperrors.KindCredential, "both auth mechanisms rejected"),
	}

	c, st, _ := newTestCoordinator(t, up)
	require.NoError(t, c.StartRange(Options{}, "2026-08-01", "2026-08-07"))

	result := waitDone(t, c)
	assert.Equal(t, "error", result.Status)
	assert.Contains(t, result.ErrorMessage, "auth mechanisms rejected")

	stats, err := st.DailyStats(1)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Errors)
}

func TestCoordinator_ValidationErrors(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &fakeUpstream{})

	err := c.StartMonth(Options{}, "August")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	err = c.StartRange(Options{}, "2026-08-31", "2026-08-01")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	err = c.StartWeek(Options{}, "not-a-date")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	assert.False(t, c.IsRunning(), "failed validation must not hold the slot")
}

func TestCoordinator_MonthWindowExpansion(t *testing.T) {
	up := &fakeUpstream{
		aggregate: []models.Account{{AccountKey: "agg-1", IsAllAccounts: true}},
	}
	c, _, _ := newTestCoordinator(t, up)
	require.NoError(t, c.StartMonth(Options{}, "2026-02"))

	result := waitDone(t, c)
	assert.Equal(t, "2026-02-01", result.StartDate)
	assert.Equal(t, "2026-02-28", result.EndDate)
}

func TestCoordinator_AccountKeyOverride(t *testing.T) {
	up := &fakeUpstream{
		aggregate: []models.Account{{AccountKey: "agg-1", IsAllAccounts: true}},
		pages: map[string][][]models.Resource{
			"custom-key": {{prodResource("r-1")}},
		},
	}
	c, _, _ := newTestCoordinator(t, up)
	require.NoError(t, c.StartRange(Options{AccountKeys: []string{"custom-key"}},
		"2026-08-01", "2026-08-07"))

	result := waitDone(t, c)
	assert.Equal(t, 1, result.TotalAssets)
}

func TestCoordinator_ProgressView(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &fakeUpstream{
		aggregate: []models.Account{{AccountKey: "agg-1", IsAllAccounts: true}},
	})
	require.NoError(t, c.StartRange(Options{}, "2026-08-01", "2026-08-07"))
	waitDone(t, c)

	view := c.Progress()
	assert.Equal(t, false, view["is_running"])
	assert.NotNil(t, view["last_result"])
}

func TestCoordinator_ImportStatuses(t *testing.T) {
	up := &fakeUpstream{
		aggregate: []models.Account{{AccountKey: "agg-1", IsAllAccounts: true}},
		individual: []models.Account{
			{AccountKey: "key-999", AccountID: "999988887777"},
		},
		pages: map[string][][]models.Resource{
			"agg-1": {{prodResource("r-1")}},
		},
		statuses: map[string]models.ImportStatus{
			"up-key-999": {Phase: "completed", Status: "ok"},
		},
	}
	c, _, _ := newTestCoordinator(t, up)
	require.NoError(t, c.StartWeek(Options{}, "2026-08-26"))
	waitDone(t, c)

	statuses, err := c.ImportStatuses(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "completed", statuses[0].Phase)
	assert.Equal(t, "999988887777", statuses[0].AccountID)
	assert.Equal(t, "week", statuses[0].SyncType)
}

package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/catherinevee/vtagger/internal/dimension"
	"github.com/catherinevee/vtagger/internal/logger"
	apperrors "github.com/catherinevee/vtagger/internal/shared/errors"
	"github.com/catherinevee/vtagger/internal/store"
	vtsync "github.com/catherinevee/vtagger/internal/sync"
	"github.com/catherinevee/vtagger/pkg/models"
)

// syncRequest is the body accepted by the sync and simulate endpoints.
type syncRequest struct {
	RefDate     string   `json:"ref_date"`
	Month       string   `json:"month"`
	StartDate   string   `json:"start_date"`
	EndDate     string   `json:"end_date"`
	Dimensions  []string `json:"dimensions"`
	FilterMode  string   `json:"filter_mode" validate:"omitempty,oneof=all not_vtagged"`
	// ForceAll is the boolean shorthand for filter_mode=all.
	ForceAll    bool     `json:"force_all"`
	AccountKeys []string `json:"account_keys"`
	MaxRecords  int      `json:"max_records" validate:"gte=0"`
}

func (s *Server) decodeSyncRequest(w http.ResponseWriter, r *http.Request) (*syncRequest, bool) {
	req := &syncRequest{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			s.writeError(w, http.StatusBadRequest, "malformed request body")
			return nil, false
		}
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return req, true
}

func (req *syncRequest) options() vtsync.Options {
	filterMode := models.FilterNotVtagged
	if req.ForceAll || req.FilterMode == string(models.FilterAll) {
		filterMode = models.FilterAll
	}
	return vtsync.Options{
		FilterMode:  filterMode,
		Dimensions:  req.Dimensions,
		AccountKeys: req.AccountKeys,
		MaxRecords:  req.MaxRecords,
	}
}

func (s *Server) handleSyncWeek(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSyncRequest(w, r)
	if !ok {
		return
	}
	s.accept(w, s.coordinator.StartWeek(req.options(), req.RefDate))
}

func (s *Server) handleSyncMonth(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSyncRequest(w, r)
	if !ok {
		return
	}
	if req.Month == "" {
		s.writeError(w, http.StatusBadRequest, "missing required field: month")
		return
	}
	s.accept(w, s.coordinator.StartMonth(req.options(), req.Month))
}

func (s *Server) handleSyncRange(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSyncRequest(w, r)
	if !ok {
		return
	}
	s.accept(w, s.coordinator.StartRange(req.options(), req.StartDate, req.EndDate))
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSyncRequest(w, r)
	if !ok {
		return
	}
	s.accept(w, s.coordinator.Simulate(req.options(), req.StartDate, req.EndDate))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.accept(w, s.coordinator.UploadFromFile(req.Path))
}

// accept maps a start attempt onto 202/400/409.
func (s *Server) accept(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleSyncCancel always answers 200; cancelling an idle coordinator is a
// no-op.
func (s *Server) handleSyncCancel(w http.ResponseWriter, r *http.Request) {
	s.coordinator.Cancel()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coordinator.Progress())
}

func (s *Server) handleImports(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.coordinator.ImportStatuses(r.Context())
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	if statuses == nil {
		statuses = []models.ImportStatus{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"imports": statuses})
}

func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request) {
	history := s.coordinator.UploadHistory()
	if history == nil {
		history = []models.UploadRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"uploads": history})
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	samples := s.coordinator.LastSamples()
	if samples == nil {
		samples = []models.TaggedRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"samples": samples})
}

// dimensionView is the list/get shape: the stored record with its content
// inlined as JSON rather than a string.
type dimensionView struct {
	VtagName       string          `json:"vtag_name"`
	IndexNumber    int             `json:"index_number"`
	Kind           string          `json:"kind,omitempty"`
	DefaultValue   string          `json:"default_value,omitempty"`
	StatementCount int             `json:"statement_count"`
	Checksum       string          `json:"checksum"`
	Content        json.RawMessage `json:"content"`
}

func (s *Server) handleListDimensions(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListDimensions()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list dimensions")
		return
	}
	views := make([]dimensionView, 0, len(records))
	for _, rec := range records {
		views = append(views, recordView(rec))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"dimensions": views})
}

func (s *Server) handleGetDimension(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	rec, err := s.store.GetDimension(name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, http.StatusNotFound, "dimension not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load dimension")
		return
	}
	s.writeJSON(w, http.StatusOK, recordView(*rec))
}

func (s *Server) handleCreateDimension(w http.ResponseWriter, r *http.Request) {
	s.saveDimension(w, r, "", http.StatusCreated)
}

func (s *Server) handleUpdateDimension(w http.ResponseWriter, r *http.Request) {
	s.saveDimension(w, r, mux.Vars(r)["name"], http.StatusOK)
}

// saveDimension validates, persists, and recompiles. When expectName is set
// the document must carry that vtagName.
func (s *Server) saveDimension(w http.ResponseWriter, r *http.Request, expectName string, okStatus int) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if msgs := dimension.Validate(raw); len(msgs) > 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "invalid dimension",
			"errors": msgs,
		})
		return
	}

	content, err := dimension.DecodeContent(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed dimension document")
		return
	}
	if expectName != "" && content.VtagName != expectName {
		s.writeError(w, http.StatusBadRequest, "vtagName does not match the request path")
		return
	}

	canonical, err := dimension.CanonicalJSON(content)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "cannot canonicalize dimension")
		return
	}

	rec, err := s.store.SaveDimension(content, canonical)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to save dimension")
		return
	}
	if err := s.coordinator.ReloadDimensions(); err != nil {
		s.log.Error("Failed to recompile dimension chain", logger.Error(err))
	}
	s.writeJSON(w, okStatus, recordView(*rec))
}

func (s *Server) handleDeleteDimension(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	deleted, err := s.store.DeleteDimension(name)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to delete dimension")
		return
	}
	if !deleted {
		s.writeError(w, http.StatusNotFound, "dimension not found")
		return
	}
	if err := s.coordinator.ReloadDimensions(); err != nil {
		s.log.Error("Failed to recompile dimension chain", logger.Error(err))
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "vtag_name": name})
}

func (s *Server) handleValidateDimension(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	msgs := dimension.Validate(raw)
	if msgs == nil {
		msgs = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":  len(msgs) == 0,
		"errors": msgs,
	})
}

func (s *Server) handleDimensionHistory(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	limit := intQuery(r, "limit", 50)
	entries, err := s.store.History(name, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

func (s *Server) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	days := intQuery(r, "days", 30)
	stats, err := s.store.DailyStats(days)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load daily stats")
		return
	}
	if stats == nil {
		stats = []models.DailyStat{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"stats": stats})
}

func (s *Server) handleDiscoveredTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.store.DiscoveredTags()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load discovered tags")
		return
	}
	if tags == nil {
		tags = []models.DiscoveredTag{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tags": tags})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "vtagger",
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("Failed to encode response", logger.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeKindError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeKindError(w http.ResponseWriter, err error) {
	switch apperrors.KindOf(err) {
	case apperrors.KindConflict:
		s.writeError(w, http.StatusConflict, err.Error())
	case apperrors.KindValidation:
		s.writeError(w, http.StatusBadRequest, err.Error())
	case apperrors.KindCredential:
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func recordView(rec store.DimensionRecord) dimensionView {
	return dimensionView{
		VtagName:       rec.VtagName,
		IndexNumber:    rec.IndexNumber,
		Kind:           rec.Kind,
		DefaultValue:   rec.DefaultValue,
		StatementCount: rec.StatementCount,
		Checksum:       rec.Checksum,
		Content:        json.RawMessage(rec.Content),
	}
}

func intQuery(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mamorett/sybilla/internal/model"
	"github.com/mamorett/sybilla/internal/orchestrator"
	"github.com/mamorett/sybilla/internal/registry"
	"github.com/mamorett/sybilla/internal/util"
)

// Pipeline is the slice of the orchestrator the handlers drive.
type Pipeline interface {
	TriggerNow(ctx context.Context) (string, error)
	StartPeriodic(hours int)
	StopPeriodic()
	Status() model.SchedulerStatus
	Board() *orchestrator.StatusBoard
}

// RunStore is the slice of the run registry the handlers read.
type RunStore interface {
	List(page, perPage int) (*model.RunsPage, error)
	ReportPath(id string) (string, error)
}

// Handlers contains the control API handlers.
type Handlers struct {
	orch   Pipeline
	reg    RunStore
	config *util.Config
}

// NewHandlers creates the control API handlers.
func NewHandlers(orch Pipeline, reg RunStore, cfg *util.Config) *Handlers {
	return &Handlers{
		orch:   orch,
		reg:    reg,
		config: cfg,
	}
}

// APIRunAnalysis triggers an analysis cycle. The cycle runs in the
// background; a second trigger while one is in flight gets a conflict.
func (h *Handlers) APIRunAnalysis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errors.New("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	runID, err := h.orch.TriggerNow(r.Context())
	if err != nil {
		if errors.Is(err, orchestrator.ErrAlreadyRunning) {
			writeError(w, err, http.StatusConflict)
			return
		}
		writeError(w, err, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "started",
		"run_id": runID,
	})
}

// APISchedulerStart enables the periodic schedule. An optional body of
// {"interval_hours": N} overrides the configured interval.
func (h *Handlers) APISchedulerStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errors.New("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		IntervalHours int `json:"interval_hours"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	if req.IntervalHours < 0 {
		writeError(w, errors.New("interval_hours must be positive"), http.StatusBadRequest)
		return
	}

	h.orch.StartPeriodic(req.IntervalHours)
	writeJSON(w, h.orch.Status())
}

// APISchedulerStop disables the periodic schedule. A running cycle is
// left to finish.
func (h *Handlers) APISchedulerStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errors.New("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	h.orch.StopPeriodic()
	writeJSON(w, h.orch.Status())
}

// APIGetStatus returns the live status snapshot.
func (h *Handlers) APIGetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.orch.Status())
}

// APIGetRuns returns one page of the run history.
func (h *Handlers) APIGetRuns(w http.ResponseWriter, r *http.Request) {
	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			page = n
		}
	}

	runs, err := h.reg.List(page, registry.DefaultPageSize)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}

	writeJSON(w, runs)
}

// APIDownloadReport serves a completed run's report document.
func (h *Handlers) APIDownloadReport(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimPrefix(r.URL.Path, "/api/report/")
	if runID == "" || strings.Contains(runID, "/") {
		writeError(w, errors.New("invalid run id"), http.StatusBadRequest)
		return
	}

	reportPath, err := h.reg.ReportPath(runID)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	if reportPath == "" || !util.FileExists(reportPath) {
		writeError(w, errors.New("no report for run "+runID), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(reportPath))
	http.ServeFile(w, r, reportPath)
}

// Healthz is the liveness probe.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

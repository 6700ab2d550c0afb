// Package registry persists the run history: a SQLite index plus one
// artifact directory per run.
package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mamorett/sybilla/internal/model"
	"github.com/mamorett/sybilla/internal/util"
)

// DefaultPageSize is the run-listing page size.
const DefaultPageSize = 10

// Registry is the run index. Records are append-mostly: once finalized
// they are never rewritten, except for the archive locator field which
// is set at most once after completion.
type Registry struct {
	db      *sql.DB
	baseDir string
	mu      sync.Mutex
}

// Open initializes the registry under dataDir: the SQLite index and the
// reports directory holding per-run artifact sets.
func Open(dataDir string) (*Registry, error) {
	baseDir := filepath.Join(dataDir, "reports")
	if err := util.EnsureDir(baseDir); err != nil {
		return nil, fmt.Errorf("failed to create reports dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "registry.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	r := &Registry{db: db, baseDir: baseDir}
	if err := r.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return r, nil
}

func (r *Registry) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			status TEXT NOT NULL,
			report_path TEXT,
			report_bytes INTEGER DEFAULT 0,
			error TEXT,
			provenance TEXT,
			archive_locators TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute: %s: %w", stmt, err)
		}
	}
	return nil
}

// Close closes the index.
func (r *Registry) Close() error {
	return r.db.Close()
}

// BaseDir returns the directory holding per-run artifact sets.
func (r *Registry) BaseDir() string {
	return r.baseDir
}

// NewRunID derives a unique run id from the start time and hostname.
func (r *Registry) NewRunID(hostname string, start time.Time) string {
	hostPart := hostname
	if idx := strings.IndexByte(hostPart, '.'); idx > 0 {
		hostPart = hostPart[:idx]
	}
	if hostPart == "" {
		hostPart = "local"
	}

	base := start.UTC().Format("20060102T150405") + "-" + hostPart
	id := base
	for n := 2; r.exists(id); n++ {
		id = fmt.Sprintf("%s-%d", base, n)
	}
	return id
}

func (r *Registry) exists(id string) bool {
	var one int
	err := r.db.QueryRow(`SELECT 1 FROM runs WHERE id = ?`, id).Scan(&one)
	if err == nil {
		return true
	}
	_, statErr := os.Stat(filepath.Join(r.baseDir, id))
	return statErr == nil
}

// Create records a run as in-progress. In-progress runs are excluded
// from listings until finalized.
func (r *Registry) Create(rec *model.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(
		`INSERT INTO runs (id, hostname, started_at, status) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Hostname, rec.StartedAt.UTC(), string(model.RunInProgress))
	if err != nil {
		return fmt.Errorf("failed to insert run record: %w", err)
	}
	return nil
}

// FinalizeCompleted marks a run completed. The terminal fields are
// written in one statement so readers never see a half-finalized row.
func (r *Registry) FinalizeCompleted(id, reportPath string, reportBytes int64, provenance string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(
		`UPDATE runs SET status = ?, completed_at = ?, report_path = ?, report_bytes = ?, provenance = ?
		 WHERE id = ? AND status = ?`,
		string(model.RunCompleted), time.Now().UTC(), reportPath, reportBytes, provenance,
		id, string(model.RunInProgress))
	if err != nil {
		return fmt.Errorf("failed to finalize run %s: %w", id, err)
	}
	return nil
}

// FinalizeFailed marks a run failed with its error detail.
func (r *Registry) FinalizeFailed(id, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(
		`UPDATE runs SET status = ?, completed_at = ?, error = ? WHERE id = ? AND status = ?`,
		string(model.RunFailed), time.Now().UTC(), errMsg, id, string(model.RunInProgress))
	if err != nil {
		return fmt.Errorf("failed to finalize run %s: %w", id, err)
	}
	return nil
}

// SetArchiveLocators records the remote locators after a successful
// upload. Append-only: the terminal status and report fields are left
// untouched.
func (r *Registry) SetArchiveLocators(id string, locators []string) error {
	if len(locators) == 0 {
		return nil
	}

	encoded, err := json.Marshal(locators)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec(`UPDATE runs SET archive_locators = ? WHERE id = ?`, string(encoded), id)
	if err != nil {
		return fmt.Errorf("failed to set archive locators for %s: %w", id, err)
	}
	return nil
}

const runColumns = `id, hostname, started_at, completed_at, status, report_path, report_bytes, error, provenance, archive_locators`

func scanRun(scan func(dest ...interface{}) error) (*model.RunRecord, error) {
	var rec model.RunRecord
	var completedAt sql.NullTime
	var reportPath, errMsg, provenance, locators sql.NullString

	err := scan(&rec.ID, &rec.Hostname, &rec.StartedAt, &completedAt,
		&rec.Status, &reportPath, &rec.ReportBytes, &errMsg, &provenance, &locators)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		rec.CompletedAt = completedAt.Time
	}
	rec.ReportPath = reportPath.String
	rec.Error = errMsg.String
	rec.Provenance = provenance.String
	if locators.Valid && locators.String != "" {
		json.Unmarshal([]byte(locators.String), &rec.ArchiveLocators)
	}
	return &rec, nil
}

// Get returns one run record by id.
func (r *Registry) Get(id string) (*model.RunRecord, error) {
	row := r.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return rec, nil
}

// List returns one page of finalized runs in reverse-chronological
// order.
func (r *Registry) List(page, perPage int) (*model.RunsPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = DefaultPageSize
	}

	var total int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM runs WHERE status != ?`, string(model.RunInProgress)).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}

	totalPages := (total + perPage - 1) / perPage

	rows, err := r.db.Query(
		`SELECT `+runColumns+` FROM runs WHERE status != ?
		 ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`,
		string(model.RunInProgress), perPage, (page-1)*perPage)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []model.RunRecord{}
	for rows.Next() {
		rec, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		runs = append(runs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &model.RunsPage{
		Runs: runs,
		Pagination: model.Pagination{
			Page:       page,
			TotalPages: totalPages,
			HasPrev:    page > 1,
			HasNext:    page < totalPages,
			PrevNum:    page - 1,
			NextNum:    page + 1,
		},
	}, nil
}

// ReportPath resolves a completed run's document location.
func (r *Registry) ReportPath(id string) (string, error) {
	rec, err := r.Get(id)
	if err != nil {
		return "", err
	}
	if rec == nil || rec.Status != model.RunCompleted || rec.ReportPath == "" {
		return "", nil
	}
	return rec.ReportPath, nil
}

// Rescan rebuilds index entries from the artifact directory tree. Run
// directories holding a report.md but missing from the index are
// re-registered as completed; the index stays authoritative for
// everything it already has.
func (r *Registry) Rescan() (int, error) {
	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		return 0, fmt.Errorf("failed to scan reports dir: %w", err)
	}

	recovered := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()

		var one int
		if err := r.db.QueryRow(`SELECT 1 FROM runs WHERE id = ?`, id).Scan(&one); err == nil {
			continue
		}

		reportPath := filepath.Join(r.baseDir, id, "report.md")
		info, err := os.Stat(reportPath)
		if err != nil {
			continue
		}

		started := info.ModTime().UTC()
		if ts, err := time.Parse("20060102T150405", strings.SplitN(id, "-", 2)[0]); err == nil {
			started = ts
		}

		r.mu.Lock()
		_, err = r.db.Exec(
			`INSERT INTO runs (id, hostname, started_at, completed_at, status, report_path, report_bytes)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, "recovered", started, info.ModTime().UTC(), string(model.RunCompleted),
			reportPath, info.Size())
		r.mu.Unlock()
		if err != nil {
			util.Warn("Rescan: failed to re-register %s: %v", id, err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		util.Info("Rescan recovered %d run(s) from disk", recovered)
	}
	return recovered, nil
}

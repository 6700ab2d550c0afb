package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mamorett/sybilla/internal/model"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func createRun(t *testing.T, r *Registry, id string, started time.Time) {
	t.Helper()
	err := r.Create(&model.RunRecord{ID: id, Hostname: "host1", StartedAt: started})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestCreateAndFinalizeLifecycle(t *testing.T) {
	r := openTestRegistry(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	createRun(t, r, "20260301T120000-host1", started)

	// In-progress runs stay out of listings.
	page, err := r.List(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Runs) != 0 {
		t.Fatalf("in-progress run must not be listed, got %d", len(page.Runs))
	}

	if err := r.FinalizeCompleted("20260301T120000-host1", "/data/reports/x/report.md", 1234, "fallback"); err != nil {
		t.Fatal(err)
	}

	rec, err := r.Get("20260301T120000-host1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != model.RunCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	if rec.ReportBytes != 1234 || rec.Provenance != "fallback" {
		t.Errorf("terminal fields not recorded: %+v", rec)
	}
	if rec.CompletedAt.IsZero() {
		t.Error("completed_at not set")
	}
}

func TestFinalizeFailedRecordsError(t *testing.T) {
	r := openTestRegistry(t)
	createRun(t, r, "run-f", time.Now())

	if err := r.FinalizeFailed("run-f", "gather: connection refused"); err != nil {
		t.Fatal(err)
	}

	rec, _ := r.Get("run-f")
	if rec.Status != model.RunFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if rec.Error != "gather: connection refused" {
		t.Errorf("error detail = %q", rec.Error)
	}
}

func TestSetArchiveLocatorsPreservesTerminalFields(t *testing.T) {
	r := openTestRegistry(t)
	createRun(t, r, "run-a", time.Now())
	if err := r.FinalizeCompleted("run-a", "/p/report.md", 10, "ai"); err != nil {
		t.Fatal(err)
	}

	locators := []string{"ns/run-a/host1/report.md", "ns/run-a/host1/chart_country.mmd"}
	if err := r.SetArchiveLocators("run-a", locators); err != nil {
		t.Fatal(err)
	}

	rec, _ := r.Get("run-a")
	if len(rec.ArchiveLocators) != 2 {
		t.Fatalf("locators = %v", rec.ArchiveLocators)
	}
	if rec.Status != model.RunCompleted || rec.ReportPath != "/p/report.md" || rec.Provenance != "ai" {
		t.Errorf("terminal fields were disturbed: %+v", rec)
	}
}

func TestListPaginationEnvelope(t *testing.T) {
	r := openTestRegistry(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		started := base.Add(time.Duration(i) * time.Hour)
		id := started.Format("20060102T150405") + "-host1"
		createRun(t, r, id, started)
		if err := r.FinalizeCompleted(id, "/p/"+id, 1, "fallback"); err != nil {
			t.Fatal(err)
		}
	}

	page1, err := r.List(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if page1.Pagination.TotalPages != 3 {
		t.Errorf("total_pages = %d, want 3", page1.Pagination.TotalPages)
	}
	if page1.Pagination.HasPrev || !page1.Pagination.HasNext {
		t.Errorf("page 1 flags wrong: %+v", page1.Pagination)
	}
	if len(page1.Runs) != 10 {
		t.Errorf("page 1 size = %d", len(page1.Runs))
	}

	// Reverse-chronological: newest run first.
	last := base.Add(24 * time.Hour)
	newest := last.Format("20060102T150405") + "-host1"
	if page1.Runs[0].ID != newest {
		t.Errorf("first run = %s, want %s", page1.Runs[0].ID, newest)
	}

	page3, err := r.List(3, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page3.Runs) != 5 {
		t.Errorf("last page size = %d, want 5", len(page3.Runs))
	}
	if !page3.Pagination.HasPrev || page3.Pagination.HasNext {
		t.Errorf("page 3 flags wrong: %+v", page3.Pagination)
	}

	// A page past the end is empty, not an error.
	page9, err := r.List(9, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page9.Runs) != 0 {
		t.Errorf("out-of-range page must be empty, got %d", len(page9.Runs))
	}
}

func TestNewRunIDCollisionSuffix(t *testing.T) {
	r := openTestRegistry(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id1 := r.NewRunID("host1.example.com", start)
	if id1 != "20260301T120000-host1" {
		t.Fatalf("id = %s", id1)
	}
	createRun(t, r, id1, start)

	id2 := r.NewRunID("host1.example.com", start)
	if id2 != "20260301T120000-host1-2" {
		t.Errorf("collision id = %s", id2)
	}
}

func TestReportPathOnlyForCompletedRuns(t *testing.T) {
	r := openTestRegistry(t)
	createRun(t, r, "run-x", time.Now())

	p, err := r.ReportPath("run-x")
	if err != nil || p != "" {
		t.Errorf("in-progress run must have no report path, got %q err=%v", p, err)
	}

	p, err = r.ReportPath("no-such-run")
	if err != nil || p != "" {
		t.Errorf("unknown run must have no report path, got %q err=%v", p, err)
	}
}

func TestRescanRecoversOrphanedRunDirs(t *testing.T) {
	dataDir := t.TempDir()
	r, err := Open(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	// A run directory on disk that the index has never seen.
	orphanDir := filepath.Join(r.BaseDir(), "20260228T060000-host2")
	if err := os.MkdirAll(orphanDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(orphanDir, "report.md"), []byte("# Report\n"), 0644); err != nil {
		t.Fatal(err)
	}

	// A directory without a report is ignored.
	if err := os.MkdirAll(filepath.Join(r.BaseDir(), "junk"), 0755); err != nil {
		t.Fatal(err)
	}

	recovered, err := r.Rescan()
	if err != nil {
		t.Fatal(err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	rec, _ := r.Get("20260228T060000-host2")
	if rec == nil || rec.Status != model.RunCompleted {
		t.Fatalf("orphan not re-registered: %+v", rec)
	}
	if !rec.StartedAt.Equal(time.Date(2026, 2, 28, 6, 0, 0, 0, time.UTC)) {
		t.Errorf("started_at not parsed from id: %v", rec.StartedAt)
	}

	// A second scan finds nothing new.
	recovered, err = r.Rescan()
	if err != nil || recovered != 0 {
		t.Errorf("second rescan: recovered=%d err=%v", recovered, err)
	}
}

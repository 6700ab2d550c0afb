// Package model defines shared data structures for sybilla.
package model

import (
	"time"
)

// Dimension names for the analytics tables gathered each cycle.
const (
	DimCountry  = "country"
	DimCity     = "city"
	DimSensor   = "sensor"
	DimISP      = "isp"
	DimIPDetail = "ip_detail"
)

// StatRow is one aggregated row of a traffic analytics dimension.
type StatRow struct {
	Label       string `json:"label"`
	Requests    int64  `json:"requests"`
	Bytes       int64  `json:"bytes"`
	DistinctIPs int64  `json:"distinct_ips"`
}

// LogRecord is one IP-level detail entry from the log search.
type LogRecord struct {
	IP        string    `json:"ip_address"`
	Country   string    `json:"country"`
	City      string    `json:"city,omitempty"`
	Sensor    string    `json:"sensor,omitempty"`
	ISP       string    `json:"isp,omitempty"`
	Protocol  string    `json:"protocol,omitempty"`
	Bytes     int64     `json:"bytes"`
	Timestamp time.Time `json:"timestamp"`
}

// AnalyticsBundle is the unit of gathered data for one analysis cycle.
// Once built it is treated as read-only by every downstream component.
// Every table is always non-nil; a failed dimension query leaves an
// empty table rather than a missing one.
type AnalyticsBundle struct {
	CollectedAt time.Time `json:"collected_at"`
	TimeRange   string    `json:"time_range"`

	Countries []StatRow   `json:"countries"`
	Cities    []StatRow   `json:"cities"`
	Sensors   []StatRow   `json:"sensors"`
	ISPs      []StatRow   `json:"isps"`
	IPDetails []LogRecord `json:"ip_details"`

	// Dimensions whose query failed and were substituted with an
	// empty table.
	FailedDimensions []string `json:"failed_dimensions,omitempty"`
}

// NewAnalyticsBundle returns a bundle with every table present and empty.
func NewAnalyticsBundle(timeRange string) *AnalyticsBundle {
	return &AnalyticsBundle{
		CollectedAt: time.Now(),
		TimeRange:   timeRange,
		Countries:   []StatRow{},
		Cities:      []StatRow{},
		Sensors:     []StatRow{},
		ISPs:        []StatRow{},
		IPDetails:   []LogRecord{},
	}
}

// StatTables returns the aggregated dimension tables keyed by dimension
// name, in fixed report order.
func (b *AnalyticsBundle) StatTables() []struct {
	Dimension string
	Rows      []StatRow
} {
	return []struct {
		Dimension string
		Rows      []StatRow
	}{
		{DimCountry, b.Countries},
		{DimCity, b.Cities},
		{DimSensor, b.Sensors},
		{DimISP, b.ISPs},
	}
}

// TotalRequests sums request counts over the country table.
func (b *AnalyticsBundle) TotalRequests() int64 {
	var total int64
	for _, row := range b.Countries {
		total += row.Requests
	}
	return total
}

// Severity is a tiered finding severity.
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// rank orders severities for verdict computation.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

// Max returns the higher of two severities.
func (s Severity) Max(other Severity) Severity {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// Provenance marks which engine produced an assessment.
type Provenance string

const (
	ProvenanceAI       Provenance = "ai"
	ProvenanceFallback Provenance = "fallback"
)

// Finding is one observation inside an assessment.
type Finding struct {
	Category    string   `json:"category"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Dimension   string   `json:"dimension,omitempty"`
	Label       string   `json:"label,omitempty"`
	Value       float64  `json:"value,omitempty"`
	Baseline    float64  `json:"baseline,omitempty"`
}

// InsightAssessment is the structured output of the insight engine. Its
// shape is identical whether the AI path or the fallback produced it.
type InsightAssessment struct {
	Verdict         Severity   `json:"verdict"`
	Summary         string     `json:"summary"`
	Findings        []Finding  `json:"findings"`
	Recommendations []string   `json:"recommendations"`
	Provenance      Provenance `json:"provenance"`
	GeneratedAt     time.Time  `json:"generated_at"`
}

// RunStatus enumerates terminal and transient run states.
type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// RunRecord is one historical entry in the run registry.
type RunRecord struct {
	ID              string    `json:"id"`
	Hostname        string    `json:"hostname"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`
	Status          RunStatus `json:"status"`
	ReportPath      string    `json:"report_path,omitempty"`
	ReportBytes     int64     `json:"report_bytes"`
	Error           string    `json:"error,omitempty"`
	Provenance      string    `json:"provenance,omitempty"`
	ArchiveLocators []string  `json:"archive_locators,omitempty"`
}

// SchedulerMode enumerates the orchestrator's periodic-trigger state.
type SchedulerMode string

const (
	ModeIdle     SchedulerMode = "idle"
	ModePeriodic SchedulerMode = "active-periodic"
	ModeStopped  SchedulerMode = "stopped"
)

// SchedulerStatus is the live status snapshot exposed to observers.
// All fields are replaced as a unit on every step transition.
type SchedulerStatus struct {
	Running       bool          `json:"running"`
	Step          string        `json:"step"`
	Message       string        `json:"message"`
	Progress      int           `json:"progress"`
	Error         string        `json:"error,omitempty"`
	LastUpdate    time.Time     `json:"last_update"`
	Mode          SchedulerMode `json:"mode"`
	NextRun       *time.Time    `json:"next_scheduled_run,omitempty"`
	IntervalHours int           `json:"interval_hours"`
}

// Pagination describes one page of a listing.
type Pagination struct {
	Page       int  `json:"page"`
	TotalPages int  `json:"total_pages"`
	HasPrev    bool `json:"has_prev"`
	HasNext    bool `json:"has_next"`
	PrevNum    int  `json:"prev_num"`
	NextNum    int  `json:"next_num"`
}

// RunsPage is the paginated run listing envelope.
type RunsPage struct {
	Runs       []RunRecord `json:"runs"`
	Pagination Pagination  `json:"pagination"`
}

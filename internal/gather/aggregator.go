// Package gather assembles the per-cycle analytics bundle from the
// remote log-analytics service.
package gather

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mamorett/sybilla/internal/model"
	"github.com/mamorett/sybilla/internal/observability"
	"github.com/mamorett/sybilla/internal/util"
)

// Caller is the slice of the protocol client the aggregator needs.
type Caller interface {
	CallTool(ctx context.Context, name string, args interface{}) (json.RawMessage, error)
}

// ProgressFunc receives per-dimension progress updates.
type ProgressFunc func(message string)

// Options parameterizes the fixed query battery.
type Options struct {
	TimeRange string
	Limit     int
	Countries []string
}

// Aggregator issues the fixed battery of analytics queries and
// normalizes the responses into one bundle.
type Aggregator struct {
	client   Caller
	opts     Options
	progress ProgressFunc
}

// New creates an aggregator. progress may be nil.
func New(client Caller, opts Options, progress ProgressFunc) *Aggregator {
	if opts.Limit <= 0 {
		opts.Limit = 1000
	}
	if opts.TimeRange == "" {
		opts.TimeRange = "24h"
	}
	return &Aggregator{client: client, opts: opts, progress: progress}
}

func (a *Aggregator) report(msg string) {
	if a.progress != nil {
		a.progress(msg)
	}
}

// GatherAll runs every dimension query and returns a bundle with all
// five tables present. A failed query logs a warning and leaves its
// table empty; the bundle is best-effort by design.
func (a *Aggregator) GatherAll(ctx context.Context) *model.AnalyticsBundle {
	bundle := model.NewAnalyticsBundle(a.opts.TimeRange)

	for _, dim := range []string{model.DimCountry, model.DimCity, model.DimSensor, model.DimISP} {
		a.report("Querying traffic by " + dim)
		rows, err := a.fetchStats(ctx, dim)
		if err != nil {
			util.Warn("Dimension query %s failed, substituting empty table: %v", dim, err)
			observability.QueriesTotal.WithLabelValues(dim, "error").Inc()
			bundle.FailedDimensions = append(bundle.FailedDimensions, dim)
			continue
		}
		observability.QueriesTotal.WithLabelValues(dim, "ok").Inc()

		switch dim {
		case model.DimCountry:
			bundle.Countries = rows
		case model.DimCity:
			bundle.Cities = rows
		case model.DimSensor:
			bundle.Sensors = rows
		case model.DimISP:
			bundle.ISPs = rows
		}
	}

	a.report("Querying IP-level detail records")
	logs, err := a.fetchIPDetails(ctx)
	if err != nil {
		util.Warn("IP detail query failed, substituting empty table: %v", err)
		observability.QueriesTotal.WithLabelValues(model.DimIPDetail, "error").Inc()
		bundle.FailedDimensions = append(bundle.FailedDimensions, model.DimIPDetail)
	} else {
		observability.QueriesTotal.WithLabelValues(model.DimIPDetail, "ok").Inc()
		bundle.IPDetails = logs
	}

	return bundle
}

// wireStatRow covers the label variants the service uses per grouping.
type wireStatRow struct {
	Country      string `json:"country"`
	City         string `json:"city"`
	Sensor       string `json:"sensor"`
	ISP          string `json:"isp"`
	RequestCount int64  `json:"request_count"`
	TotalBytes   int64  `json:"total_bytes"`
	UniqueIPs    int64  `json:"unique_ips"`
}

func (r *wireStatRow) label(dimension string) string {
	switch dimension {
	case model.DimCountry:
		return r.Country
	case model.DimCity:
		return r.City
	case model.DimSensor:
		return r.Sensor
	case model.DimISP:
		return r.ISP
	}
	return ""
}

func (a *Aggregator) fetchStats(ctx context.Context, dimension string) ([]model.StatRow, error) {
	raw, err := a.client.CallTool(ctx, "get_traffic_analytics", map[string]interface{}{
		"time_range": a.opts.TimeRange,
		"group_by":   dimension,
		"limit":      a.opts.Limit,
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Analytics []wireStatRow `json:"analytics"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}

	rows := make([]model.StatRow, 0, len(payload.Analytics))
	for _, wr := range payload.Analytics {
		label := wr.label(dimension)
		if label == "" {
			label = "unknown"
		}
		rows = append(rows, model.StatRow{
			Label:       label,
			Requests:    wr.RequestCount,
			Bytes:       wr.TotalBytes,
			DistinctIPs: wr.UniqueIPs,
		})
	}
	return rows, nil
}

type wireLogRecord struct {
	IP        string `json:"ip_address"`
	Country   string `json:"country"`
	City      string `json:"city"`
	Sensor    string `json:"sensor"`
	ISP       string `json:"isp"`
	Protocol  string `json:"protocol"`
	Bytes     int64  `json:"bytes"`
	Timestamp string `json:"timestamp"`
}

func (a *Aggregator) fetchIPDetails(ctx context.Context) ([]model.LogRecord, error) {
	raw, err := a.client.CallTool(ctx, "search_logs_by_countries", map[string]interface{}{
		"countries":  a.opts.Countries,
		"time_range": a.opts.TimeRange,
		"limit":      a.opts.Limit,
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Logs []wireLogRecord `json:"logs"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}

	records := make([]model.LogRecord, 0, len(payload.Logs))
	for _, wl := range payload.Logs {
		rec := model.LogRecord{
			IP:       wl.IP,
			Country:  wl.Country,
			City:     wl.City,
			Sensor:   wl.Sensor,
			ISP:      wl.ISP,
			Protocol: wl.Protocol,
			Bytes:    wl.Bytes,
		}
		if wl.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339, wl.Timestamp); err == nil {
				rec.Timestamp = ts
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// Package orchestrator drives the analysis pipeline: it runs cycles,
// enforces single-flight execution and owns the periodic trigger.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mamorett/sybilla/internal/archive"
	"github.com/mamorett/sybilla/internal/gather"
	"github.com/mamorett/sybilla/internal/insight"
	"github.com/mamorett/sybilla/internal/model"
	"github.com/mamorett/sybilla/internal/observability"
	"github.com/mamorett/sybilla/internal/protocol"
	"github.com/mamorett/sybilla/internal/registry"
	"github.com/mamorett/sybilla/internal/report"
	"github.com/mamorett/sybilla/internal/util"
)

// ErrAlreadyRunning is returned when a trigger arrives while a cycle is
// in flight.
var ErrAlreadyRunning = errors.New("an analysis run is already in progress")

// analyticsSession is one live connection to the analytics service.
type analyticsSession interface {
	CallTool(ctx context.Context, name string, args interface{}) (json.RawMessage, error)
	Close() error
}

// Orchestrator coordinates cycles and the periodic schedule. At most
// one cycle runs at a time regardless of trigger source.
type Orchestrator struct {
	cfg    *util.Config
	reg    *registry.Registry
	arch   *archive.Client
	engine *insight.Engine
	board  *StatusBoard

	// connect is swappable in tests.
	connect func(ctx context.Context) (analyticsSession, error)

	runMu   sync.Mutex
	running bool
	wg      sync.WaitGroup

	schedMu   sync.Mutex
	schedStop chan struct{}
}

// New wires the orchestrator from its collaborators.
func New(cfg *util.Config, reg *registry.Registry, arch *archive.Client, engine *insight.Engine) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		reg:    reg,
		arch:   arch,
		engine: engine,
		board:  NewStatusBoard(),
	}
	o.connect = func(ctx context.Context) (analyticsSession, error) {
		c := protocol.NewClient(cfg.AnalyticsEndpoint, cfg.CallTimeout)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
	setModeGauge(model.ModeIdle)
	return o
}

// Board exposes the status board for observers.
func (o *Orchestrator) Board() *StatusBoard {
	return o.board
}

// Status returns the current status snapshot.
func (o *Orchestrator) Status() model.SchedulerStatus {
	return o.board.Snapshot()
}

func (o *Orchestrator) acquire() bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	return true
}

func (o *Orchestrator) release() {
	o.runMu.Lock()
	o.running = false
	o.runMu.Unlock()
}

// TriggerNow starts a cycle in the background and returns its run id.
// A second trigger while one is in flight returns ErrAlreadyRunning.
func (o *Orchestrator) TriggerNow(ctx context.Context) (string, error) {
	if !o.acquire() {
		return "", ErrAlreadyRunning
	}

	rec, err := o.register()
	if err != nil {
		o.release()
		return "", err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release()
		o.runCycle(context.Background(), rec)
	}()
	return rec.ID, nil
}

// RunOnce executes a single cycle synchronously and returns the final
// run record. Used by the one-shot command.
func (o *Orchestrator) RunOnce(ctx context.Context) (*model.RunRecord, error) {
	if !o.acquire() {
		return nil, ErrAlreadyRunning
	}
	defer o.release()

	rec, err := o.register()
	if err != nil {
		return nil, err
	}
	o.runCycle(ctx, rec)
	return o.reg.Get(rec.ID)
}

func (o *Orchestrator) register() (*model.RunRecord, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown-host"
	}

	rec := &model.RunRecord{
		Hostname:  hostname,
		StartedAt: time.Now(),
		Status:    model.RunInProgress,
	}
	rec.ID = o.reg.NewRunID(hostname, rec.StartedAt)

	if err := o.reg.Create(rec); err != nil {
		return nil, fmt.Errorf("register run: %w", err)
	}
	return rec, nil
}

func (o *Orchestrator) step(name, message string, progress int) func() {
	o.board.Update(func(s *model.SchedulerStatus) {
		s.Running = true
		s.Step = name
		s.Message = message
		s.Progress = progress
		s.Error = ""
	})
	start := time.Now()
	return func() {
		observability.StepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

// runCycle drives one full pipeline pass. Gather and assess degrade
// rather than fail; only connect, report and registry errors make a
// failed run. The process itself never goes down with a cycle.
func (o *Orchestrator) runCycle(ctx context.Context, rec *model.RunRecord) {
	util.Info("Run %s started", rec.ID)
	cycleStart := time.Now()

	fail := func(stage string, err error) {
		wrapped := fmt.Errorf("%s: %w", stage, err)
		util.Error("Run %s failed: %v", rec.ID, wrapped)
		if dbErr := o.reg.FinalizeFailed(rec.ID, wrapped.Error()); dbErr != nil {
			util.Error("Run %s: recording failure also failed: %v", rec.ID, dbErr)
		}
		observability.CyclesTotal.WithLabelValues("error").Inc()
		observability.CycleDuration.Observe(time.Since(cycleStart).Seconds())
		o.board.Update(func(s *model.SchedulerStatus) {
			s.Running = false
			s.Step = "idle"
			s.Message = fmt.Sprintf("Run %s failed", rec.ID)
			s.Progress = 0
			s.Error = wrapped.Error()
		})
	}

	done := o.step("connect", "Connecting to the analytics service", 10)
	session, err := o.connect(ctx)
	done()
	if err != nil {
		fail("connect", err)
		return
	}
	defer session.Close()

	done = o.step("gather", "Gathering traffic analytics", 20)
	agg := gather.New(session, gather.Options{
		TimeRange: o.cfg.TimeRange,
		Limit:     o.cfg.QueryLimit,
		Countries: o.cfg.Countries,
	}, func(msg string) {
		o.board.Update(func(s *model.SchedulerStatus) { s.Message = msg })
	})
	bundle := agg.GatherAll(ctx)
	done()

	done = o.step("assess", "Generating insight assessment", 60)
	assessment := o.engine.Assess(ctx, bundle)
	done()

	done = o.step("report", "Building report document", 80)
	builder := report.NewBuilder(o.reg.BaseDir())
	result, err := builder.Build(bundle, assessment, report.RunMetadata{
		RunID:     rec.ID,
		Hostname:  rec.Hostname,
		StartedAt: rec.StartedAt,
	})
	done()
	if err != nil {
		fail("report", err)
		return
	}

	if o.arch != nil && o.arch.Enabled() {
		done = o.step("archive", "Archiving artifacts", 90)
		files := []string{result.ReportPath}
		for _, a := range result.Artifacts {
			files = append(files, a.Path)
		}
		locators := o.arch.Upload(ctx, rec.ID, files)
		if err := o.reg.SetArchiveLocators(rec.ID, locators); err != nil {
			util.Warn("Run %s: recording archive locators failed: %v", rec.ID, err)
		}
		done()
	}

	err = o.reg.FinalizeCompleted(rec.ID, result.ReportPath, result.ReportSize, string(assessment.Provenance))
	if err != nil {
		fail("finalize", err)
		return
	}

	observability.CyclesTotal.WithLabelValues("ok").Inc()
	observability.CycleDuration.Observe(time.Since(cycleStart).Seconds())
	util.Info("Run %s completed in %s (%s)", rec.ID, time.Since(cycleStart).Round(time.Millisecond), assessment.Provenance)

	o.board.Update(func(s *model.SchedulerStatus) {
		s.Running = false
		s.Step = "idle"
		s.Message = fmt.Sprintf("Run %s completed", rec.ID)
		s.Progress = 100
		s.Error = ""
	})
}

func setModeGauge(active model.SchedulerMode) {
	for _, mode := range []model.SchedulerMode{model.ModeIdle, model.ModePeriodic, model.ModeStopped} {
		v := 0.0
		if mode == active {
			v = 1.0
		}
		observability.SchedulerMode.WithLabelValues(string(mode)).Set(v)
	}
}

// StartPeriodic enables the periodic trigger. Calling it in any mode
// (re)starts the schedule with the given interval; an in-flight cycle
// is unaffected.
func (o *Orchestrator) StartPeriodic(hours int) {
	if hours <= 0 {
		hours = o.cfg.IntervalHours
	}
	interval := time.Duration(hours) * time.Hour

	o.schedMu.Lock()
	if o.schedStop != nil {
		close(o.schedStop)
	}
	stop := make(chan struct{})
	o.schedStop = stop
	o.schedMu.Unlock()

	next := time.Now().Add(interval)
	setModeGauge(model.ModePeriodic)
	o.board.Update(func(s *model.SchedulerStatus) {
		s.Mode = model.ModePeriodic
		s.IntervalHours = hours
		s.NextRun = &next
	})
	util.Info("Periodic schedule enabled: every %dh, next run at %s", hours, next.Format(time.RFC3339))

	o.wg.Add(1)
	go o.periodicLoop(interval, stop)
}

func (o *Orchestrator) periodicLoop(interval time.Duration, stop chan struct{}) {
	defer o.wg.Done()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			if _, err := o.TriggerNow(context.Background()); err != nil {
				// A manual run is already in flight. The slot is
				// skipped, not queued.
				util.Warn("Periodic trigger skipped: %v", err)
			}
			next := time.Now().Add(interval)
			o.board.Update(func(s *model.SchedulerStatus) {
				if s.Mode == model.ModePeriodic {
					s.NextRun = &next
				}
			})
			timer.Reset(interval)
		}
	}
}

// StopPeriodic disables the periodic trigger. A running cycle is left
// to finish; manual triggers keep working.
func (o *Orchestrator) StopPeriodic() {
	o.schedMu.Lock()
	if o.schedStop != nil {
		close(o.schedStop)
		o.schedStop = nil
	}
	o.schedMu.Unlock()

	setModeGauge(model.ModeStopped)
	o.board.Update(func(s *model.SchedulerStatus) {
		s.Mode = model.ModeStopped
		s.NextRun = nil
	})
	util.Info("Periodic schedule disabled")
}

// Shutdown stops the schedule and waits for any in-flight cycle, up to
// the context deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.StopPeriodic()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

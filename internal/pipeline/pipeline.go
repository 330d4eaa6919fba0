// Package pipeline runs the decode, synthesize and publish loop.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"profmon-sim-go/internal/catalog"
	"profmon-sim-go/internal/ingest"
	"profmon-sim-go/internal/processing"
	"profmon-sim-go/internal/publish"
	"profmon-sim-go/internal/synth"
)

// CycleSource yields one decoded twiss/orbit pair per call.
type CycleSource interface {
	Next(ctx context.Context) (ingest.Cycle, error)
}

// CycleReport describes what one iteration did.
type CycleReport struct {
	Cycle    uint64           `json:"cycle"`
	Complete bool             `json:"complete"`
	Rows     int              `json:"rows"`
	Unknown  int              `json:"unknown"`
	NoOrbit  int              `json:"no_orbit"`
	Updated  []string         `json:"updated"`
	Results  []publish.Result `json:"-"`
	Failed   int              `json:"failed"`
	Duration time.Duration    `json:"duration"`
}

type MetricsSnapshot struct {
	Cycles        uint64 `json:"cycles"`
	Incomplete    uint64 `json:"incomplete"`
	Rows          uint64 `json:"rows"`
	Unknown       uint64 `json:"unknown"`
	Updates       uint64 `json:"updates"`
	Published     uint64 `json:"published"`
	PublishErrors uint64 `json:"publish_errors"`
	SynthNanos    uint64 `json:"synth_nanos"`
}

type metrics struct {
	cycles        atomic.Uint64
	incomplete    atomic.Uint64
	rows          atomic.Uint64
	unknown       atomic.Uint64
	updates       atomic.Uint64
	published     atomic.Uint64
	publishErrors atomic.Uint64
	synthNanos    atomic.Uint64
}

type Service struct {
	source    CycleSource
	catalog   *catalog.Catalog
	table     *processing.Table
	synth     *synth.Synthesizer
	publisher *publish.Publisher
	runID     string
	started   time.Time
	log       *logrus.Entry

	observers []func(CycleReport)
	cycle     uint64
	m         metrics
}

type Option func(*Service)

// WithObserver is called after every cycle from the loop goroutine.
func WithObserver(fn func(CycleReport)) Option {
	return func(s *Service) {
		s.observers = append(s.observers, fn)
	}
}

func WithRunID(id string) Option {
	return func(s *Service) {
		s.runID = id
	}
}

func New(source CycleSource, cat *catalog.Catalog, table *processing.Table, syn *synth.Synthesizer, pub *publish.Publisher, opts ...Option) *Service {
	s := &Service{
		source:    source,
		catalog:   cat,
		table:     table,
		synth:     syn,
		publisher: pub,
		runID:     uuid.NewString(),
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logrus.WithFields(logrus.Fields{"component": "pipeline", "run": s.runID})
	return s
}

func (s *Service) RunID() string {
	return s.runID
}

func (s *Service) Started() time.Time {
	return s.started
}

// Run loops until ctx is cancelled (returning nil) or the source fails.
func (s *Service) Run(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"devices": s.catalog.Len(),
		"mode":    s.synth.Mode().String(),
	}).Info("profile loop started")
	for {
		_, err := s.Step(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			s.log.Info("profile loop stopped")
			return nil
		}
		return err
	}
}

// Step decodes one cycle and applies it.
func (s *Service) Step(ctx context.Context) (CycleReport, error) {
	s.log.Debug("waiting for profile data")
	c, err := s.source.Next(ctx)
	if err != nil {
		return CycleReport{}, err
	}
	return s.Apply(ctx, c)
}

// Apply synthesizes an image for every twiss row that names a catalog device
// and has an orbit entry, stores it and publishes the devices it touched.
// Nothing is updated or published unless both slots are present.
func (s *Service) Apply(ctx context.Context, c ingest.Cycle) (CycleReport, error) {
	start := time.Now()
	s.cycle++
	report := CycleReport{Cycle: s.cycle, Complete: c.Complete()}
	s.m.cycles.Add(1)

	if !report.Complete {
		s.m.incomplete.Add(1)
		s.log.WithFields(logrus.Fields{
			"cycle": s.cycle,
			"twiss": c.Twiss != nil,
			"orbit": c.Orbit != nil,
		}).Debug("incomplete cycle skipped")
		return s.finish(report, start), nil
	}

	var images []publish.Image
	slot := make(map[string]int)
	for _, row := range c.Twiss {
		report.Rows++
		g, ok := s.catalog.ForElement(row.Element)
		if !ok {
			report.Unknown++
			continue
		}
		x, y, ok := c.Orbit.At(row.Index)
		if !ok {
			report.NoOrbit++
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		t0 := time.Now()
		img := s.synth.Generate(synth.BeamSample{BetaA: row.BetaA, BetaB: row.BetaB, X: x, Y: y}, g)
		s.m.synthNanos.Add(uint64(time.Since(t0).Nanoseconds()))
		if !s.table.Update(g.DeviceName, img, s.cycle) {
			continue
		}
		out := publish.Image{Device: g.DeviceName, OutputID: g.ImageOutputID, Pixels: img}
		if i, seen := slot[g.DeviceName]; seen {
			images[i] = out
			continue
		}
		slot[g.DeviceName] = len(images)
		images = append(images, out)
		report.Updated = append(report.Updated, g.DeviceName)
	}

	// An interrupted cycle never publishes.
	if err := ctx.Err(); err != nil {
		return report, err
	}
	report.Results = s.publisher.Publish(ctx, images)
	report.Failed = len(publish.Failed(report.Results))
	s.m.published.Add(uint64(len(images) - report.Failed))
	s.m.publishErrors.Add(uint64(report.Failed))
	s.m.updates.Add(uint64(len(report.Updated)))
	s.m.rows.Add(uint64(report.Rows))
	s.m.unknown.Add(uint64(report.Unknown))

	s.log.WithFields(logrus.Fields{
		"cycle":   report.Cycle,
		"rows":    report.Rows,
		"updated": len(report.Updated),
		"failed":  report.Failed,
	}).Debug("cycle published")
	return s.finish(report, start), nil
}

func (s *Service) finish(report CycleReport, start time.Time) CycleReport {
	report.Duration = time.Since(start)
	for _, fn := range s.observers {
		fn(report)
	}
	return report
}

func (s *Service) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Cycles:        s.m.cycles.Load(),
		Incomplete:    s.m.incomplete.Load(),
		Rows:          s.m.rows.Load(),
		Unknown:       s.m.unknown.Load(),
		Updates:       s.m.updates.Load(),
		Published:     s.m.published.Load(),
		PublishErrors: s.m.publishErrors.Load(),
		SynthNanos:    s.m.synthNanos.Load(),
	}
}

// IsShutdown reports whether err only reflects context cancellation.
func IsShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

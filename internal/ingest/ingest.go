package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"profmon-sim-go/internal/codec"
)

const (
	TagTwiss = "prof_twiss"
	TagOrbit = "prof_orbit"

	// Header and sentinel rows carried at both ends of every twiss table.
	twissTrim = 3
)

// Metadata is the structured header sent ahead of every raw payload.
type Metadata struct {
	Tag   string `json:"tag" cbor:"tag" msgpack:"tag"`
	Dtype string `json:"dtype" cbor:"dtype" msgpack:"dtype"`
	Shape []int  `json:"shape" cbor:"shape" msgpack:"shape"`
}

// Source delivers bus messages one part at a time.
type Source interface {
	Recv(ctx context.Context) ([]byte, error)
}

type RawRecorder interface {
	Record(meta []byte, payload []byte) error
}

type Frame struct {
	Meta  Metadata
	Array Array
}

type TwissRow struct {
	Index   int
	Element string
	BetaA   float64
	BetaB   float64
}

type Orbit struct {
	X []float64
	Y []float64
}

// At returns the offsets (mm) for the i-th trimmed twiss row.
func (o *Orbit) At(i int) (float64, float64, bool) {
	if o == nil || i < 0 || i >= len(o.X) || i >= len(o.Y) {
		return 0, 0, false
	}
	return o.X[i], o.Y[i], true
}

// Cycle holds what one decode iteration produced. A nil Twiss or Orbit means
// the slot carried nothing usable this cycle.
type Cycle struct {
	Twiss []TwissRow
	Orbit *Orbit
}

func (c Cycle) Complete() bool {
	return c.Twiss != nil && c.Orbit != nil
}

type Stats struct {
	Cycles      uint64 `json:"cycles"`
	Frames      uint64 `json:"frames"`
	Drained     uint64 `json:"drained"`
	Malformed   uint64 `json:"malformed"`
	DecodeNanos uint64 `json:"decode_nanos"`
}

type Decoder struct {
	src      Source
	codec    codec.Codec
	recorder RawRecorder
	log      *everyN

	cycles      atomic.Uint64
	frames      atomic.Uint64
	drained     atomic.Uint64
	malformed   atomic.Uint64
	decodeNanos atomic.Uint64
}

type Option func(*Decoder)

func WithRecorder(recorder RawRecorder) Option {
	return func(d *Decoder) {
		d.recorder = recorder
	}
}

// WithLogEvery throttles per-frame warnings to one in n.
func WithLogEvery(n int) Option {
	return func(d *Decoder) {
		d.log = newEveryN(n, d.log.entry)
	}
}

func NewDecoder(src Source, c codec.Codec, opts ...Option) *Decoder {
	d := &Decoder{
		src:   src,
		codec: c,
		log:   newEveryN(1, logrus.WithField("component", "ingest")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next performs one cycle: a twiss frame followed by an orbit frame. Only
// transport failures are returned as errors.
func (d *Decoder) Next(ctx context.Context) (Cycle, error) {
	var cycle Cycle

	twiss, err := d.ReadFrame(ctx, TagTwiss)
	if err != nil {
		return Cycle{}, err
	}
	if twiss != nil {
		rows, err := ParseTwiss(twiss.Array)
		if err != nil {
			d.malformed.Add(1)
			d.log.Warnf("twiss frame unusable: %v", err)
		} else {
			cycle.Twiss = rows
		}
	}

	orbit, err := d.ReadFrame(ctx, TagOrbit)
	if err != nil {
		return Cycle{}, err
	}
	if orbit != nil {
		parsed, err := ParseOrbit(orbit.Array)
		if err != nil {
			d.malformed.Add(1)
			d.log.Warnf("orbit frame unusable: %v", err)
		} else {
			cycle.Orbit = parsed
		}
	}

	d.cycles.Add(1)
	return cycle, nil
}

// ReadFrame receives one metadata+payload pair. The payload is always
// consumed; a nil frame is returned when the tag differs from expect or the
// payload cannot be reinterpreted.
func (d *Decoder) ReadFrame(ctx context.Context, expect string) (*Frame, error) {
	rawMeta, err := d.src.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive metadata: %w", err)
	}
	payload, err := d.src.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive payload: %w", err)
	}
	d.frames.Add(1)

	if d.recorder != nil {
		if err := d.recorder.Record(rawMeta, payload); err != nil {
			d.log.Warnf("raw log record failed: %v", err)
		}
	}

	start := time.Now()
	defer func() {
		d.decodeNanos.Add(uint64(time.Since(start).Nanoseconds()))
	}()

	var meta Metadata
	if err := d.codec.Unmarshal(rawMeta, &meta); err != nil {
		d.drained.Add(1)
		d.log.Warnf("%s metadata decode error: %v", d.codec.Name(), err)
		return nil, nil
	}
	if meta.Tag != expect {
		d.drained.Add(1)
		d.log.entry.WithFields(logrus.Fields{"tag": meta.Tag, "expected": expect}).Debug("draining frame")
		return nil, nil
	}
	d.log.entry.WithFields(logrus.Fields{"tag": meta.Tag, "dtype": meta.Dtype, "shape": meta.Shape}).Debug("frame incoming")

	arr, err := Decode(meta.Dtype, meta.Shape, payload)
	if err != nil {
		d.malformed.Add(1)
		d.log.Warnf("%s payload decode error: %v", meta.Tag, err)
		return nil, nil
	}
	return &Frame{Meta: meta, Array: arr}, nil
}

func (d *Decoder) Stats() Stats {
	return Stats{
		Cycles:      d.cycles.Load(),
		Frames:      d.frames.Load(),
		Drained:     d.drained.Load(),
		Malformed:   d.malformed.Load(),
		DecodeNanos: d.decodeNanos.Load(),
	}
}

// ParseTwiss trims the header/sentinel rows and extracts element names and
// beta functions. Unparseable rows are dropped but keep their index so that
// orbit alignment is preserved.
func ParseTwiss(arr Array) ([]TwissRow, error) {
	lines, err := arr.Trim(twissTrim).Lines()
	if err != nil {
		return nil, err
	}
	rows := make([]TwissRow, 0, len(lines))
	for i, line := range lines {
		row, ok := parseTwissLine(line)
		if !ok {
			continue
		}
		row.Index = i
		rows = append(rows, row)
	}
	return rows, nil
}

// Fields: index, element, s, length, phase, beta_a, beta_b.
func parseTwissLine(line string) (TwissRow, bool) {
	fields := strings.Fields(line)
	if len(fields) < 7 {
		return TwissRow{}, false
	}
	betaA, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return TwissRow{}, false
	}
	betaB, err := strconv.ParseFloat(fields[6], 64)
	if err != nil {
		return TwissRow{}, false
	}
	return TwissRow{Element: fields[1], BetaA: betaA, BetaB: betaB}, true
}

func ParseOrbit(arr Array) (*Orbit, error) {
	rows, err := arr.Rows()
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%w: orbit needs x and y rows, got %d", ErrShapeMismatch, len(rows))
	}
	return &Orbit{X: rows[0], Y: rows[1]}, nil
}

type everyN struct {
	n     uint64
	count atomic.Uint64
	entry *logrus.Entry
}

func newEveryN(n int, entry *logrus.Entry) *everyN {
	if n < 1 {
		n = 1
	}
	return &everyN{n: uint64(n), entry: entry}
}

func (e *everyN) Warnf(format string, args ...any) {
	if (e.count.Add(1)-1)%e.n == 0 {
		e.entry.Warnf(format, args...)
	}
}

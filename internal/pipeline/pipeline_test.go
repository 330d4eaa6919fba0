package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"profmon-sim-go/internal/catalog"
	"profmon-sim-go/internal/codec"
	"profmon-sim-go/internal/ingest"
	"profmon-sim-go/internal/processing"
	"profmon-sim-go/internal/publish"
	"profmon-sim-go/internal/synth"
)

var errRejected = errors.New("output not registered")

type queueSource struct {
	parts [][]byte
}

func (q *queueSource) Recv(context.Context) ([]byte, error) {
	if len(q.parts) == 0 {
		return nil, io.EOF
	}
	part := q.parts[0]
	q.parts = q.parts[1:]
	return part, nil
}

func (q *queueSource) push(t *testing.T, c codec.Codec, meta ingest.Metadata, payload []byte) {
	t.Helper()
	raw, err := c.Marshal(meta)
	require.NoError(t, err)
	q.parts = append(q.parts, raw, payload)
}

type sink struct {
	mu       sync.Mutex
	reject   map[string]bool
	writes   map[string]int
	attempts int
}

func newSink(reject ...string) *sink {
	s := &sink{reject: map[string]bool{}, writes: map[string]int{}}
	for _, id := range reject {
		s.reject[id] = true
	}
	return s
}

func (s *sink) Write(_ context.Context, outputID string, _ []uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.reject[outputID] {
		return errRejected
	}
	s.writes[outputID]++
	return nil
}

type fixture struct {
	codec   codec.Codec
	src     *queueSource
	table   *processing.Table
	sink    *sink
	service *Service
}

func screen(device, element string) catalog.Screen {
	return catalog.Screen{
		ElementName: element,
		DeviceName:  device,
		Values:      []float64{40, 30, 8, 10, 0, 0, 0, 0, 0, 0, 20, 15},
	}
}

func newFixture(t *testing.T, s *sink) *fixture {
	t.Helper()
	c, err := codec.ByName(codec.CBOR)
	require.NoError(t, err)

	cat := catalog.New([]catalog.Screen{
		screen("YAGS:IN20:241", "YAG01"),
		screen("OTRS:IN20:571", "OTR2"),
		screen("OTRS:IN20:621", "OTR3"),
	})
	require.Equal(t, 3, cat.Len())

	src := &queueSource{}
	table := processing.NewTable(cat)
	svc := New(
		ingest.NewDecoder(src, c),
		cat,
		table,
		synth.New(synth.Options{Mode: synth.Smooth}),
		publish.New(s),
		WithRunID("test-run"),
	)
	return &fixture{codec: c, src: src, table: table, sink: s, service: svc}
}

func twissLines(elements ...string) []string {
	lines := []string{"# twiss", "# columns", "BEGIN"}
	for i, name := range elements {
		lines = append(lines, ingest.FormatTwissLine(i, name, float64(i), 0.1, 0, 1, 2))
	}
	return append(lines, "END", "#", "#")
}

func (f *fixture) pushTwiss(t *testing.T, elements ...string) {
	meta, payload := ingest.TwissFrame(twissLines(elements...))
	f.src.push(t, f.codec, meta, payload)
}

func (f *fixture) pushOrbit(t *testing.T, n int) {
	x := make([]float64, n)
	y := make([]float64, n)
	meta, payload, err := ingest.OrbitFrame(x, y)
	require.NoError(t, err)
	f.src.push(t, f.codec, meta, payload)
}

func (f *fixture) pushOther(t *testing.T, tag string) {
	f.src.push(t, f.codec, ingest.Metadata{Tag: tag, Dtype: "<f8", Shape: []int{1}}, make([]byte, 8))
}

func TestStepUpdatesAndPublishesCorrelatedDevices(t *testing.T) {
	f := newFixture(t, newSink())
	f.pushTwiss(t, "QUAD01", "YAG01", "DRIFT", "OTR2", "OTR3")
	f.pushOrbit(t, 5)

	report, err := f.service.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Equal(t, 5, report.Rows)
	assert.Equal(t, 2, report.Unknown)
	assert.Equal(t, []string{"YAGS:IN20:241", "OTRS:IN20:571", "OTRS:IN20:621"}, report.Updated)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 3, f.sink.attempts)

	st, ok := f.table.Snapshot("OTRS:IN20:571")
	require.True(t, ok)
	require.Len(t, st.LastImage, 40*30)
	assert.Equal(t, uint64(1), st.Cycle)
	assert.Greater(t, st.Stats.Total, 0.0)

	m := f.service.Metrics()
	assert.Equal(t, uint64(1), m.Cycles)
	assert.Equal(t, uint64(3), m.Published)
	assert.Equal(t, uint64(2), m.Unknown)
	assert.Equal(t, "test-run", f.service.RunID())
}

func TestMismatchedTagsProduceNoUpdatesOrPublishes(t *testing.T) {
	f := newFixture(t, newSink())
	f.pushOther(t, "prof_lattice")
	f.pushOther(t, "heartbeat")

	report, err := f.service.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Complete)
	assert.Empty(t, report.Updated)
	assert.Zero(t, f.sink.attempts)
	for _, device := range f.table.Devices() {
		st, _ := f.table.Snapshot(device)
		assert.Nil(t, st.LastImage)
	}
	assert.Equal(t, uint64(1), f.service.Metrics().Incomplete)
}

func TestOneRejectingSinkDoesNotStopOthers(t *testing.T) {
	f := newFixture(t, newSink("OTRS:IN20:571:IMAGE"))
	f.pushTwiss(t, "YAG01", "OTR2", "OTR3")
	f.pushOrbit(t, 3)

	report, err := f.service.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Results, 3)
	assert.ErrorIs(t, report.Results[1].Err, errRejected)

	assert.Equal(t, 1, f.sink.writes["YAGS:IN20:241:IMAGE"])
	assert.Equal(t, 1, f.sink.writes["OTRS:IN20:621:IMAGE"])
	assert.Zero(t, f.sink.writes["OTRS:IN20:571:IMAGE"])

	// The table still holds the rejected device's image.
	st, _ := f.table.Snapshot("OTRS:IN20:571")
	assert.NotNil(t, st.LastImage)
	assert.Equal(t, uint64(1), f.service.Metrics().PublishErrors)
}

func TestStaleTwissIsNotReused(t *testing.T) {
	f := newFixture(t, newSink())
	f.pushTwiss(t, "YAG01")
	f.pushOrbit(t, 1)
	f.pushOther(t, "prof_other")
	f.pushOrbit(t, 1)

	_, err := f.service.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, f.sink.attempts)

	report, err := f.service.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Complete)
	assert.Equal(t, 1, f.sink.attempts)

	st, _ := f.table.Snapshot("YAGS:IN20:241")
	assert.Equal(t, uint64(1), st.Cycle)
}

func TestRowsWithoutOrbitAreSkipped(t *testing.T) {
	f := newFixture(t, newSink())
	f.pushTwiss(t, "YAG01", "OTR2", "OTR3")
	f.pushOrbit(t, 2)

	report, err := f.service.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.NoOrbit)
	assert.Equal(t, []string{"YAGS:IN20:241", "OTRS:IN20:571"}, report.Updated)
}

func TestDuplicateElementPublishesOnce(t *testing.T) {
	f := newFixture(t, newSink())
	f.pushTwiss(t, "YAG01", "YAG01")
	f.pushOrbit(t, 2)

	report, err := f.service.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"YAGS:IN20:241"}, report.Updated)
	assert.Equal(t, 1, f.sink.attempts)
}

func TestRunReturnsTransportError(t *testing.T) {
	f := newFixture(t, newSink())
	f.pushTwiss(t, "YAG01")
	f.pushOrbit(t, 1)

	var reports []CycleReport
	f.service.observers = append(f.service.observers, func(r CycleReport) { reports = append(reports, r) })

	err := f.service.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, io.EOF)
	assert.Len(t, reports, 1)
}

func TestRunStopsQuietlyOnCancel(t *testing.T) {
	f := newFixture(t, newSink())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, f.service.Run(ctx))
}

func TestApplyCancelledBeforePublish(t *testing.T) {
	f := newFixture(t, newSink())
	rows, err := ingest.ParseTwiss(mustTwiss(t, "YAG01"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.service.Apply(ctx, ingest.Cycle{Twiss: rows, Orbit: &ingest.Orbit{X: []float64{0}, Y: []float64{0}}})
	assert.True(t, IsShutdown(err))
	assert.Zero(t, f.sink.attempts)
}

func mustTwiss(t *testing.T, elements ...string) ingest.Array {
	t.Helper()
	meta, payload := ingest.TwissFrame(twissLines(elements...))
	arr, err := ingest.Decode(meta.Dtype, meta.Shape, payload)
	require.NoError(t, err)
	return arr
}

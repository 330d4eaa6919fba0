package ingest

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"profmon-sim-go/internal/codec"
)

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

func (q *queueSource) push(t *testing.T, c codec.Codec, meta Metadata, payload []byte) {
	t.Helper()
	raw, err := c.Marshal(meta)
	require.NoError(t, err)
	q.parts = append(q.parts, raw, payload)
}

type recorded struct {
	meta    [][]byte
	payload [][]byte
}

func (r *recorded) Record(meta []byte, payload []byte) error {
	r.meta = append(r.meta, meta)
	r.payload = append(r.payload, payload)
	return nil
}

func twissLines(elements ...string) []string {
	lines := []string{"# twiss", "# name s l phi beta_a beta_b", "start"}
	for i, name := range elements {
		lines = append(lines, FormatTwissLine(i, name, float64(i), 0.1, 0, 10+float64(i), 20+float64(i)))
	}
	return append(lines, "end", "# sentinel", "# sentinel")
}

func newCodec(t *testing.T) codec.Codec {
	t.Helper()
	c, err := codec.ByName(codec.CBOR)
	require.NoError(t, err)
	return c
}

func TestNextDecodesTwissAndOrbit(t *testing.T) {
	c := newCodec(t)
	src := &queueSource{}
	meta, payload := TwissFrame(twissLines("YAG01", "OTR2", "BPM3"))
	src.push(t, c, meta, payload)
	meta, payload, err := OrbitFrame([]float64{0.1, 0.2, 0.3}, []float64{-0.1, -0.2, -0.3})
	require.NoError(t, err)
	src.push(t, c, meta, payload)

	d := NewDecoder(src, c)
	cycle, err := d.Next(context.Background())
	require.NoError(t, err)
	require.True(t, cycle.Complete())

	require.Len(t, cycle.Twiss, 3)
	assert.Equal(t, TwissRow{Index: 1, Element: "OTR2", BetaA: 11, BetaB: 21}, cycle.Twiss[1])

	x, y, ok := cycle.Orbit.At(2)
	require.True(t, ok)
	assert.Equal(t, 0.3, x)
	assert.Equal(t, -0.3, y)
	_, _, ok = cycle.Orbit.At(3)
	assert.False(t, ok)

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Cycles)
	assert.Equal(t, uint64(2), stats.Frames)
	assert.Zero(t, stats.Drained)
	assert.Empty(t, src.parts)
}

func TestTwissTrimYieldsNRows(t *testing.T) {
	elements := []string{"A", "B", "C", "D", "E", "F", "G"}
	meta, payload := TwissFrame(twissLines(elements...))
	require.Equal(t, len(elements)+6, meta.Shape[0])

	arr, err := Decode(meta.Dtype, meta.Shape, payload)
	require.NoError(t, err)
	rows, err := ParseTwiss(arr)
	require.NoError(t, err)
	require.Len(t, rows, len(elements))
	for i, row := range rows {
		assert.Equal(t, elements[i], row.Element)
		assert.Equal(t, i, row.Index)
	}
}

func TestShortTwissTableYieldsEmptyRows(t *testing.T) {
	for _, lines := range [][]string{
		{},
		{"hdr", "row"},
		{"h0", "h1", "h2", "t0", "t1", "t2"},
	} {
		c := newCodec(t)
		src := &queueSource{}
		meta, payload := TwissFrame(lines)
		src.push(t, c, meta, payload)
		orbitMeta, orbitPayload, err := OrbitFrame([]float64{0.1}, []float64{-0.1})
		require.NoError(t, err)
		src.push(t, c, orbitMeta, orbitPayload)

		d := NewDecoder(src, c)
		var cycle Cycle
		require.NotPanics(t, func() {
			cycle, err = d.Next(context.Background())
		}, "%d twiss lines", len(lines))
		require.NoError(t, err)
		require.NotNil(t, cycle.Twiss)
		assert.Empty(t, cycle.Twiss)
		assert.NotNil(t, cycle.Orbit)
		assert.Zero(t, d.Stats().Malformed)
	}
}

func TestMismatchedTagsAreDrained(t *testing.T) {
	c := newCodec(t)
	src := &queueSource{}
	src.push(t, c, Metadata{Tag: "bpm_orbit", Dtype: "<f8", Shape: []int{1}}, make([]byte, 8))
	src.push(t, c, Metadata{Tag: "prof_twiss", Dtype: "|S4", Shape: []int{1}}, []byte("abcd"))

	d := NewDecoder(src, c)
	cycle, err := d.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cycle.Twiss)
	assert.Nil(t, cycle.Orbit)
	assert.False(t, cycle.Complete())
	assert.Equal(t, uint64(2), d.Stats().Drained)
	assert.Empty(t, src.parts, "payloads must be consumed to stay in sync")
}

func TestStaleTwissIsNotReused(t *testing.T) {
	c := newCodec(t)
	src := &queueSource{}
	meta, payload := TwissFrame(twissLines("YAG01"))
	src.push(t, c, meta, payload)
	orbitMeta, orbitPayload, err := OrbitFrame([]float64{0}, []float64{0})
	require.NoError(t, err)
	src.push(t, c, orbitMeta, orbitPayload)

	src.push(t, c, Metadata{Tag: "other"}, nil)
	src.push(t, c, orbitMeta, orbitPayload)

	d := NewDecoder(src, c)
	first, err := d.Next(context.Background())
	require.NoError(t, err)
	require.True(t, first.Complete())

	second, err := d.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, second.Twiss)
	assert.NotNil(t, second.Orbit)
}

func TestMalformedPayloadLeavesSlotEmpty(t *testing.T) {
	c := newCodec(t)
	src := &queueSource{}
	src.push(t, c, Metadata{Tag: TagTwiss, Dtype: "|S8", Shape: []int{10}}, []byte("short"))
	src.push(t, c, Metadata{Tag: TagOrbit, Dtype: "<f8", Shape: []int{1, 1}}, make([]byte, 8))

	d := NewDecoder(src, c)
	cycle, err := d.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cycle.Twiss)
	assert.Nil(t, cycle.Orbit, "single-row orbit cannot supply y offsets")
	assert.Equal(t, uint64(2), d.Stats().Malformed)
}

func TestUndecodableMetadataIsDrained(t *testing.T) {
	c := newCodec(t)
	src := &queueSource{parts: [][]byte{{0xff, 0x00}, []byte("payload")}}

	d := NewDecoder(src, c)
	frame, err := d.ReadFrame(context.Background(), TagTwiss)
	require.NoError(t, err)
	assert.Nil(t, frame)
	assert.Equal(t, uint64(1), d.Stats().Drained)
	assert.Empty(t, src.parts)
}

func TestTransportErrorIsReturned(t *testing.T) {
	c := newCodec(t)
	d := NewDecoder(&queueSource{}, c)
	_, err := d.Next(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestRecorderSeesEveryPair(t *testing.T) {
	c := newCodec(t)
	src := &queueSource{}
	src.push(t, c, Metadata{Tag: "noise"}, []byte{1})
	src.push(t, c, Metadata{Tag: "noise"}, []byte{2})

	rec := &recorded{}
	d := NewDecoder(src, c, WithRecorder(rec), WithLogEvery(10))
	_, err := d.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{1}, {2}}, rec.payload)
	assert.Len(t, rec.meta, 2)
}

func TestParseTwissSkipsShortRowsButKeepsIndex(t *testing.T) {
	lines := []string{"h", "h", "h",
		FormatTwissLine(0, "A", 0, 0, 0, 1, 2),
		"garbage row",
		FormatTwissLine(2, "C", 0, 0, 0, 3, 4),
		"t", "t", "t"}
	dtype, shape, payload := EncodeText(lines, 0)
	arr, err := Decode(dtype, shape, payload)
	require.NoError(t, err)

	rows, err := ParseTwiss(arr)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 0, rows[0].Index)
	assert.Equal(t, 2, rows[1].Index)
	assert.Equal(t, "C", rows[1].Element)
}

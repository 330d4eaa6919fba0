package ingest

import (
	"encoding/binary"
	"errors"
	"math"
	"reflect"
	"testing"
)

func TestDecodeFloat64Rows(t *testing.T) {
	dtype, shape, payload, err := EncodeFloat64([][]float64{{1, 2}, {3, 4}})
	if err != nil {
		t.Fatalf("EncodeFloat64 error: %v", err)
	}

	arr, err := Decode(dtype, shape, payload)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	got, err := arr.Rows()
	if err != nil {
		t.Fatalf("Rows error: %v", err)
	}

	want := [][]float64{
		{1, 2},
		{3, 4},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Rows mismatch: got %#v want %#v", got, want)
	}
}

func TestDecodeBigEndianInt16(t *testing.T) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:], uint16(0xfffe)) // -2
	binary.BigEndian.PutUint16(payload[2:], 300)

	arr, err := Decode(">i2", []int{2}, payload)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if !reflect.DeepEqual(arr.Numbers, []float64{-2, 300}) {
		t.Fatalf("unexpected values: %v", arr.Numbers)
	}
}

func TestDecodeFloat32Named(t *testing.T) {
	payload := binary.LittleEndian.AppendUint32(nil, math.Float32bits(1.5))
	arr, err := Decode("float32", []int{1}, payload)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if arr.Numbers[0] != 1.5 {
		t.Fatalf("unexpected value: %v", arr.Numbers[0])
	}
}

func TestDecodeUnicodeRows(t *testing.T) {
	var payload []byte
	for _, s := range []string{"ab", "c"} {
		cell := make([]byte, 12)
		for i, r := range s {
			binary.LittleEndian.PutUint32(cell[i*4:], uint32(r))
		}
		payload = append(payload, cell...)
	}

	arr, err := Decode("<U3", []int{2}, payload)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	lines, err := arr.Lines()
	if err != nil {
		t.Fatalf("Lines error: %v", err)
	}
	if !reflect.DeepEqual(lines, []string{"ab", "c"}) {
		t.Fatalf("unexpected lines: %q", lines)
	}
}

func TestDecodeShapeMismatch(t *testing.T) {
	_, err := Decode("<f8", []int{2, 3}, make([]byte, 40))
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestParseDTypeRejectsUnknown(t *testing.T) {
	for _, raw := range []string{"", "<c16", "f2", "<i3", "O", "b2"} {
		if _, err := ParseDType(raw); !errors.Is(err, ErrUnknownDType) {
			t.Fatalf("ParseDType(%q): expected ErrUnknownDType, got %v", raw, err)
		}
	}
}

func TestTrimDropsSentinelRows(t *testing.T) {
	lines := []string{"h0", "h1", "h2", "a", "b", "t0", "t1", "t2"}
	dtype, shape, payload := EncodeText(lines, 0)

	arr, err := Decode(dtype, shape, payload)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	trimmed := arr.Trim(3)
	if trimmed.Len() != 2 {
		t.Fatalf("unexpected trimmed length %d", trimmed.Len())
	}
	got, _ := trimmed.Lines()
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected trimmed lines: %q", got)
	}

	if short := arr.Trim(5); short.Len() != 0 || len(short.Strings) != 0 {
		t.Fatalf("expected empty array when trimming past both ends, got %v", short.Shape)
	}
}

func TestTrimKeepsRowsOfTwoDimensionalArray(t *testing.T) {
	rows := make([][]float64, 8)
	for i := range rows {
		rows[i] = []float64{float64(i), float64(i * 10)}
	}
	dtype, shape, payload, err := EncodeFloat64(rows)
	if err != nil {
		t.Fatalf("EncodeFloat64 error: %v", err)
	}
	arr, err := Decode(dtype, shape, payload)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	got, err := arr.Trim(3).Rows()
	if err != nil {
		t.Fatalf("Rows error: %v", err)
	}
	want := [][]float64{{3, 30}, {4, 40}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected rows: %v", got)
	}
}

func TestTrimShortTableYieldsNoRows(t *testing.T) {
	for _, lines := range [][]string{
		{},
		{"h0", "t0"},
		{"h0", "h1", "h2", "t0", "t1", "t2"},
	} {
		dtype, shape, payload := EncodeText(lines, 0)
		arr, err := Decode(dtype, shape, payload)
		if err != nil {
			t.Fatalf("Decode(%d lines) error: %v", len(lines), err)
		}
		trimmed := arr.Trim(3)
		if trimmed.Len() != 0 || len(trimmed.Strings) != 0 {
			t.Fatalf("%d lines: expected empty trim, got shape %v", len(lines), trimmed.Shape)
		}
		rows, err := ParseTwiss(arr)
		if err != nil {
			t.Fatalf("%d lines: ParseTwiss error: %v", len(lines), err)
		}
		if rows == nil || len(rows) != 0 {
			t.Fatalf("%d lines: expected empty non-nil rows, got %v", len(lines), rows)
		}
	}
}

func TestTrimZeroLeadingDimension(t *testing.T) {
	arr, err := Decode("|S8", []int{0, 5}, nil)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if got := arr.Trim(3); !reflect.DeepEqual(got.Shape, []int{0, 5}) {
		t.Fatalf("unexpected trimmed shape %v", got.Shape)
	}
	rows, err := ParseTwiss(arr)
	if err != nil {
		t.Fatalf("ParseTwiss error: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %v", rows)
	}

	nums, err := Decode("<f8", []int{0, 2}, nil)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	got, err := nums.Trim(3).Rows()
	if err != nil {
		t.Fatalf("Rows error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no rows, got %v", got)
	}
}

func TestDecodeRejectsOverflowingShape(t *testing.T) {
	for _, tc := range []struct {
		dtype string
		shape []int
	}{
		{"|S1", []int{1 << 62, 4}},
		{"<f8", []int{1 << 61}},
		{"<u2", []int{1 << 31, 1 << 31, 1 << 31}},
	} {
		_, err := Decode(tc.dtype, tc.shape, nil)
		if !errors.Is(err, ErrShapeMismatch) {
			t.Fatalf("Decode(%s, %v) error = %v, want ErrShapeMismatch", tc.dtype, tc.shape, err)
		}
	}

	if _, err := Decode("<f8", []int{0, 1 << 62}, nil); err != nil {
		t.Fatalf("zero-sized shape should decode, got %v", err)
	}
}

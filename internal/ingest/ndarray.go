package ingest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrUnknownDType  = errors.New("unsupported dtype")
	ErrShapeMismatch = errors.New("dimension mismatch")
)

type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindUint
	KindFloat
	KindBytes
	KindUnicode
)

func (k Kind) Text() bool {
	return k == KindBytes || k == KindUnicode
}

// DType is a parsed numpy-style array descriptor such as "<f8" or "|S96".
type DType struct {
	Kind  Kind
	Size  int
	Order binary.ByteOrder
	Raw   string
}

var namedDTypes = map[string]string{
	"bool":    "|b1",
	"int8":    "|i1",
	"int16":   "<i2",
	"int32":   "<i4",
	"int64":   "<i8",
	"uint8":   "|u1",
	"uint16":  "<u2",
	"uint32":  "<u4",
	"uint64":  "<u8",
	"float32": "<f4",
	"float64": "<f8",
	"double":  "<f8",
}

func ParseDType(value string) (DType, error) {
	raw := strings.TrimSpace(value)
	if alias, ok := namedDTypes[strings.ToLower(raw)]; ok {
		raw = alias
	}
	if raw == "" {
		return DType{}, fmt.Errorf("%w: empty", ErrUnknownDType)
	}

	var order binary.ByteOrder = binary.LittleEndian
	switch raw[0] {
	case '<', '|', '=':
		raw = raw[1:]
	case '>', '!':
		order = binary.BigEndian
		raw = raw[1:]
	}
	if raw == "?" {
		return DType{Kind: KindBool, Size: 1, Order: order, Raw: value}, nil
	}
	if len(raw) < 2 {
		return DType{}, fmt.Errorf("%w: %q", ErrUnknownDType, value)
	}

	n, err := strconv.Atoi(raw[1:])
	if err != nil || n <= 0 {
		return DType{}, fmt.Errorf("%w: %q", ErrUnknownDType, value)
	}

	dt := DType{Order: order, Raw: value}
	switch raw[0] {
	case 'b':
		if n != 1 {
			return DType{}, fmt.Errorf("%w: %q", ErrUnknownDType, value)
		}
		dt.Kind, dt.Size = KindBool, 1
	case 'i', 'u':
		if n != 1 && n != 2 && n != 4 && n != 8 {
			return DType{}, fmt.Errorf("%w: %q", ErrUnknownDType, value)
		}
		dt.Kind, dt.Size = KindInt, n
		if raw[0] == 'u' {
			dt.Kind = KindUint
		}
	case 'f':
		if n != 4 && n != 8 {
			return DType{}, fmt.Errorf("%w: %q", ErrUnknownDType, value)
		}
		dt.Kind, dt.Size = KindFloat, n
	case 'S', 'a':
		dt.Kind, dt.Size = KindBytes, n
	case 'U':
		dt.Kind, dt.Size = KindUnicode, 4*n
	default:
		return DType{}, fmt.Errorf("%w: %q", ErrUnknownDType, value)
	}
	return dt, nil
}

// Array is a decoded payload. Numeric kinds are widened into Numbers, text
// kinds into Strings; both are stored flat in row-major order.
type Array struct {
	DType   DType
	Shape   []int
	Numbers []float64
	Strings []string
}

func Decode(dtype string, shape []int, payload []byte) (Array, error) {
	dt, err := ParseDType(dtype)
	if err != nil {
		return Array{}, err
	}

	count := 1
	for _, dim := range shape {
		if dim < 0 {
			return Array{}, fmt.Errorf("%w: negative dimension in shape %v", ErrShapeMismatch, shape)
		}
		if dim != 0 && count > math.MaxInt/dim/dt.Size {
			return Array{}, fmt.Errorf("%w: shape %v of %s overflows", ErrShapeMismatch, shape, dt.Raw)
		}
		count *= dim
	}
	if len(payload) != count*dt.Size {
		return Array{}, fmt.Errorf("%w: shape %v of %s needs %d bytes, got %d",
			ErrShapeMismatch, shape, dt.Raw, count*dt.Size, len(payload))
	}

	arr := Array{DType: dt, Shape: append([]int(nil), shape...)}
	switch dt.Kind {
	case KindBytes:
		arr.Strings = bytesToStrings(payload, dt.Size)
	case KindUnicode:
		arr.Strings = utf32ToStrings(payload, dt.Size, dt.Order)
	default:
		arr.Numbers = bytesToFloat64(payload, dt)
	}
	return arr, nil
}

// Len is the extent of the primary axis.
func (a Array) Len() int {
	if len(a.Shape) == 0 {
		return 1
	}
	return a.Shape[0]
}

func (a Array) rowSize() int {
	size := 1
	for _, dim := range a.Shape[min(1, len(a.Shape)):] {
		size *= dim
	}
	return size
}

// Trim drops n entries from each end of the primary axis.
func (a Array) Trim(n int) Array {
	if len(a.Shape) == 0 || n <= 0 {
		return a
	}
	shape := append([]int(nil), a.Shape...)
	rs := a.rowSize()
	keep := a.Len() - 2*n
	if keep < 0 {
		keep = 0
	}
	shape[0] = keep
	out := Array{DType: a.DType, Shape: shape}
	if keep == 0 || rs == 0 {
		if a.Strings != nil {
			out.Strings = []string{}
		}
		if a.Numbers != nil {
			out.Numbers = []float64{}
		}
		return out
	}
	lo, hi := n*rs, (n+keep)*rs
	if a.Strings != nil {
		out.Strings = append([]string{}, a.Strings[lo:hi]...)
	}
	if a.Numbers != nil {
		out.Numbers = append([]float64{}, a.Numbers[lo:hi]...)
	}
	return out
}

// Rows reshapes a 2D numeric array into one slice per primary-axis entry.
func (a Array) Rows() ([][]float64, error) {
	if a.DType.Kind.Text() {
		return nil, fmt.Errorf("%w: %s is not numeric", ErrUnknownDType, a.DType.Raw)
	}
	if len(a.Shape) != 2 {
		return nil, fmt.Errorf("%w: expected 2 dimensions, got %v", ErrShapeMismatch, a.Shape)
	}
	return reshapeFloat64(a.Numbers, a.Shape[0], a.Shape[1])
}

// Lines returns one string per primary-axis entry. Multi-column text arrays
// are joined with single spaces.
func (a Array) Lines() ([]string, error) {
	if !a.DType.Kind.Text() {
		return nil, fmt.Errorf("%w: %s is not text", ErrUnknownDType, a.DType.Raw)
	}
	if len(a.Shape) <= 1 {
		return append([]string{}, a.Strings...), nil
	}
	rs := a.rowSize()
	out := make([]string, a.Len())
	for r := range out {
		out[r] = strings.Join(a.Strings[r*rs:(r+1)*rs], " ")
	}
	return out, nil
}

func bytesToFloat64(data []byte, dt DType) []float64 {
	out := make([]float64, len(data)/dt.Size)
	for i := range out {
		chunk := data[i*dt.Size : (i+1)*dt.Size]
		switch {
		case dt.Kind == KindFloat && dt.Size == 8:
			out[i] = math.Float64frombits(dt.Order.Uint64(chunk))
		case dt.Kind == KindFloat:
			out[i] = float64(math.Float32frombits(dt.Order.Uint32(chunk)))
		case dt.Kind == KindBool:
			if chunk[0] != 0 {
				out[i] = 1
			}
		case dt.Kind == KindUint:
			out[i] = float64(readUint(chunk, dt.Order))
		default:
			out[i] = float64(readInt(chunk, dt.Order))
		}
	}
	return out
}

func readUint(chunk []byte, order binary.ByteOrder) uint64 {
	switch len(chunk) {
	case 1:
		return uint64(chunk[0])
	case 2:
		return uint64(order.Uint16(chunk))
	case 4:
		return uint64(order.Uint32(chunk))
	default:
		return order.Uint64(chunk)
	}
}

func readInt(chunk []byte, order binary.ByteOrder) int64 {
	switch len(chunk) {
	case 1:
		return int64(int8(chunk[0]))
	case 2:
		return int64(int16(order.Uint16(chunk)))
	case 4:
		return int64(int32(order.Uint32(chunk)))
	default:
		return int64(order.Uint64(chunk))
	}
}

func bytesToStrings(data []byte, size int) []string {
	out := make([]string, len(data)/size)
	for i := range out {
		out[i] = string(bytes.TrimRight(data[i*size:(i+1)*size], "\x00"))
	}
	return out
}

func utf32ToStrings(data []byte, size int, order binary.ByteOrder) []string {
	out := make([]string, len(data)/size)
	for i := range out {
		chunk := data[i*size : (i+1)*size]
		var sb strings.Builder
		for j := 0; j+4 <= len(chunk); j += 4 {
			r := order.Uint32(chunk[j : j+4])
			if r == 0 {
				break
			}
			sb.WriteRune(rune(r))
		}
		out[i] = sb.String()
	}
	return out
}

func reshapeFloat64(flat []float64, rows, cols int) ([][]float64, error) {
	if rows*cols != len(flat) {
		return nil, ErrShapeMismatch
	}
	out := make([][]float64, rows)
	for r := 0; r < rows; r++ {
		row := make([]float64, cols)
		copy(row, flat[r*cols:(r+1)*cols])
		out[r] = row
	}
	return out, nil
}

// EncodeFloat64 packs equal-length rows as a little-endian "<f8" payload.
func EncodeFloat64(rows [][]float64) (string, []int, []byte, error) {
	cols := 0
	if len(rows) > 0 {
		cols = len(rows[0])
	}
	payload := make([]byte, 0, len(rows)*cols*8)
	for r, row := range rows {
		if len(row) != cols {
			return "", nil, nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrShapeMismatch, r, len(row), cols)
		}
		for _, v := range row {
			payload = binary.LittleEndian.AppendUint64(payload, math.Float64bits(v))
		}
	}
	return "<f8", []int{len(rows), cols}, payload, nil
}

// EncodeText packs lines as a fixed-width "|S<n>" payload, NUL padded. Width
// grows to fit the longest line.
func EncodeText(lines []string, width int) (string, []int, []byte) {
	for _, line := range lines {
		width = max(width, len(line))
	}
	width = max(width, 1)
	payload := make([]byte, len(lines)*width)
	for i, line := range lines {
		copy(payload[i*width:], line)
	}
	return "|S" + strconv.Itoa(width), []int{len(lines)}, payload
}

package ingest

import "fmt"

// TwissFrame packs twiss lines, headers and sentinels included, the way the
// model broadcasts them.
func TwissFrame(lines []string) (Metadata, []byte) {
	dtype, shape, payload := EncodeText(lines, 0)
	return Metadata{Tag: TagTwiss, Dtype: dtype, Shape: shape}, payload
}

func OrbitFrame(x, y []float64) (Metadata, []byte, error) {
	if len(x) != len(y) {
		return Metadata{}, nil, fmt.Errorf("%w: x has %d entries, y has %d", ErrShapeMismatch, len(x), len(y))
	}
	dtype, shape, payload, err := EncodeFloat64([][]float64{x, y})
	if err != nil {
		return Metadata{}, nil, err
	}
	return Metadata{Tag: TagOrbit, Dtype: dtype, Shape: shape}, payload, nil
}

// FormatTwissLine renders one data row in the column layout ParseTwiss reads.
func FormatTwissLine(index int, element string, s, length, phase, betaA, betaB float64) string {
	return fmt.Sprintf("%6d %-20s %12.6f %10.6f %12.6f %14.6f %14.6f", index, element, s, length, phase, betaA, betaB)
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"profmon-sim-go/internal/codec"
	"profmon-sim-go/internal/ingest"
	"profmon-sim-go/internal/output"
)

type options struct {
	limit   int
	preview int
}

type record struct {
	Index        int    `json:"index"`
	Time         string `json:"time"`
	Meta         any    `json:"meta"`
	PayloadBytes int    `json:"payload_bytes"`
	Preview      any    `json:"preview,omitempty"`
	Error        string `json:"error,omitempty"`
}

// dump writes one indented JSON document per record and returns how many it
// wrote. A truncated trailing record ends the dump without an error.
func dump(w io.Writer, r io.Reader, c codec.Codec, opts options) (int, error) {
	reader, err := output.NewRawLogReader(r)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	count := 0
	for opts.limit <= 0 || count < opts.limit {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			logrus.WithField("record", count).Warn("rawlog ends with a truncated record")
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("read record %d: %w", count, err)
		}
		if err := enc.Encode(describe(count, rec, c, opts.preview)); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func describe(index int, rec output.RawRecord, c codec.Codec, preview int) record {
	out := record{
		Index:        index,
		Time:         rec.Time.UTC().Format(time.RFC3339Nano),
		PayloadBytes: len(rec.Payload),
	}
	var decoded any
	if err := c.Unmarshal(rec.Meta, &decoded); err != nil {
		out.Error = fmt.Sprintf("%s decode: %v", c.Name(), err)
		return out
	}
	out.Meta = output.NormalizeJSONValue(decoded)

	var meta ingest.Metadata
	if err := c.Unmarshal(rec.Meta, &meta); err != nil || meta.Dtype == "" || preview <= 0 {
		return out
	}
	arr, err := ingest.Decode(meta.Dtype, meta.Shape, rec.Payload)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	if lines, err := arr.Lines(); err == nil {
		out.Preview = lines[:min(preview, len(lines))]
		return out
	}
	if rows, err := arr.Rows(); err == nil {
		head := make([][]float64, len(rows))
		for i, row := range rows {
			head[i] = row[:min(preview, len(row))]
		}
		out.Preview = head
	}
	return out
}

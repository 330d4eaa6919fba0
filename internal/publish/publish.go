// Package publish writes freshly synthesized images to their per-device
// outputs. One device failing never stops the others.
package publish

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Sink accepts a full replacement of an output's pixel buffer. It may reject
// identifiers that are not registered yet.
type Sink interface {
	Write(ctx context.Context, outputID string, pixels []uint16) error
}

type Image struct {
	Device   string
	OutputID string
	Pixels   []uint16
}

// Result is the outcome of one write. Err is nil on success.
type Result struct {
	Device   string
	OutputID string
	Err      error
}

type Publisher struct {
	sink Sink
	log  *logrus.Entry

	written atomic.Uint64
	failed  atomic.Uint64
}

func New(sink Sink) *Publisher {
	return &Publisher{
		sink: sink,
		log:  logrus.WithField("component", "publish"),
	}
}

// Publish writes every image in order and returns one result per image.
// A cancelled context stops the batch; images not attempted carry ctx.Err().
func (p *Publisher) Publish(ctx context.Context, images []Image) []Result {
	results := make([]Result, len(images))
	for i, img := range images {
		results[i] = Result{Device: img.Device, OutputID: img.OutputID}
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		if err := p.sink.Write(ctx, img.OutputID, img.Pixels); err != nil {
			results[i].Err = err
			p.failed.Add(1)
			p.log.WithError(err).WithField("output", img.OutputID).Debug("publish skipped")
			continue
		}
		p.written.Add(1)
	}
	return results
}

// Counts returns successful and failed writes since start.
func (p *Publisher) Counts() (written, failed uint64) {
	return p.written.Load(), p.failed.Load()
}

// Failed filters the results that carry an error.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

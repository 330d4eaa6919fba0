// Package trigger sends the one-shot command that asks the model to start
// broadcasting profile frames.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"profmon-sim-go/internal/codec"
)

const SendProfilesTwiss = "send_profiles_twiss"

type Command struct {
	Cmd string `json:"cmd" cbor:"cmd" msgpack:"cmd"`
}

// Requester performs one blocking request/reply round trip.
type Requester func(ctx context.Context, payload []byte) ([]byte, error)

// Prime sends the profile command and discards the reply. It does not retry.
func Prime(ctx context.Context, request Requester, c codec.Codec) error {
	payload, err := c.Marshal(Command{Cmd: SendProfilesTwiss})
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	start := time.Now()
	reply, err := request(ctx, payload)
	if err != nil {
		return fmt.Errorf("prime model: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"component": "trigger",
		"reply":     len(reply),
		"elapsed":   time.Since(start).Round(time.Millisecond),
	}).Info("model primed")
	return nil
}

// Go runs Prime in its own goroutine and logs a failure at error level. The
// returned channel closes when the attempt is over.
func Go(ctx context.Context, request Requester, c codec.Codec) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := Prime(ctx, request, c); err != nil && ctx.Err() == nil {
			logrus.WithField("component", "trigger").WithError(err).Error("model priming failed")
		}
	}()
	return done
}

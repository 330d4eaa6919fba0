package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var endpointSeq atomic.Int64

func inproc(name string) string {
	return fmt.Sprintf("inproc://%s-%d", name, endpointSeq.Add(1))
}

func TestRequestReply(t *testing.T) {
	endpoint := inproc("cmd")
	rep, err := Listen(endpoint, 20*time.Millisecond)
	require.NoError(t, err)
	defer rep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan []byte, 1)
	go func() {
		msg, err := rep.Recv(ctx)
		if err != nil {
			done <- nil
			return
		}
		_ = rep.Reply([]byte("ok"))
		done <- msg
	}()

	reply, err := Request(ctx, endpoint, []byte("send_profiles_twiss"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), reply)
	assert.Equal(t, []byte("send_profiles_twiss"), <-done)
}

func TestRequestTimesOutWithoutReply(t *testing.T) {
	endpoint := inproc("silent")
	rep, err := Listen(endpoint, 20*time.Millisecond)
	require.NoError(t, err)
	defer rep.Close()

	start := time.Now()
	_, err = Request(context.Background(), endpoint, []byte("x"), 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPublishSubscribeMultipart(t *testing.T) {
	endpoint := inproc("broadcast")
	pub, err := Bind(endpoint)
	require.NoError(t, err)
	defer pub.Close()

	sub, err := Subscribe(endpoint, 20*time.Millisecond)
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, endpoint, sub.Endpoint())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Subscriptions propagate asynchronously; keep publishing until the
	// first part shows up.
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = pub.Send([]byte("meta"), []byte("payload"))
			}
		}
	}()
	defer close(stop)

	first, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("meta"), first)
	second, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), second)
}

func TestSubscriberRecvObservesCancel(t *testing.T) {
	sub, err := Subscribe(inproc("idle"), 10*time.Millisecond)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

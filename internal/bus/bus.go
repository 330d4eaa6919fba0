// Package bus wraps the ZeroMQ sockets used to talk to the physics model:
// a SUB socket for the broadcast, REQ for commands, and the PUB/REP pair the
// simulated model binds.
//
// Receives poll with a short socket timeout so a cancelled context is noticed
// between polls; an expired poll is not an error.
package bus

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
)

const DefaultPoll = 250 * time.Millisecond

var ErrTimeout = errors.New("bus: timed out")

func retryable(err error) bool {
	switch zmq4.AsErrno(err) {
	case zmq4.Errno(syscall.EAGAIN), zmq4.Errno(syscall.EINTR):
		return true
	}
	return false
}

func open(kind zmq4.Type, poll time.Duration) (*zmq4.Socket, error) {
	if poll <= 0 {
		poll = DefaultPoll
	}
	socket, err := zmq4.NewSocket(kind)
	if err != nil {
		return nil, err
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.SetRcvtimeo(poll); err != nil {
		_ = socket.Close()
		return nil, err
	}
	return socket, nil
}

// recv blocks until a message arrives, ctx is done or the deadline passes.
// A zero deadline waits forever.
func recv(ctx context.Context, socket *zmq4.Socket, deadline time.Time) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := socket.RecvBytes(0)
		if err == nil {
			return msg, nil
		}
		if !retryable(err) {
			return nil, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, ErrTimeout
		}
	}
}

// Subscriber receives every message published on an endpoint.
type Subscriber struct {
	endpoint string
	socket   *zmq4.Socket
}

func Subscribe(endpoint string, poll time.Duration) (*Subscriber, error) {
	socket, err := open(zmq4.SUB, poll)
	if err != nil {
		return nil, fmt.Errorf("sub socket: %w", err)
	}
	if err := socket.SetSubscribe(""); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}
	return &Subscriber{endpoint: endpoint, socket: socket}, nil
}

// Recv returns the next message part. It only returns on a message, a
// cancelled context or a socket failure.
func (s *Subscriber) Recv(ctx context.Context) ([]byte, error) {
	msg, err := recv(ctx, s.socket, time.Time{})
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("recv %s: %w", s.endpoint, err)
	}
	return msg, err
}

func (s *Subscriber) Endpoint() string {
	return s.endpoint
}

func (s *Subscriber) Close() error {
	return s.socket.Close()
}

// Request performs one REQ/REP round trip on a fresh socket and returns the
// reply. The socket is discarded afterwards so a lost reply cannot wedge a
// later request.
func Request(ctx context.Context, endpoint string, payload []byte, timeout time.Duration) ([]byte, error) {
	poll := DefaultPoll
	if timeout > 0 && timeout < poll {
		poll = timeout
	}
	socket, err := open(zmq4.REQ, poll)
	if err != nil {
		return nil, fmt.Errorf("req socket: %w", err)
	}
	defer socket.Close()
	if err := socket.SetSndtimeo(poll); err != nil {
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if _, err := socket.SendBytes(payload, 0); err != nil {
		return nil, fmt.Errorf("send %s: %w", endpoint, err)
	}
	reply, err := recv(ctx, socket, deadline)
	if err != nil {
		return nil, fmt.Errorf("reply from %s: %w", endpoint, err)
	}
	return reply, nil
}

// Publisher binds a PUB socket.
type Publisher struct {
	socket *zmq4.Socket
}

func Bind(endpoint string) (*Publisher, error) {
	socket, err := open(zmq4.PUB, 0)
	if err != nil {
		return nil, fmt.Errorf("pub socket: %w", err)
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("bind %s: %w", endpoint, err)
	}
	return &Publisher{socket: socket}, nil
}

// Send publishes parts as separate messages in order, flagged SNDMORE
// between them.
func (p *Publisher) Send(parts ...[]byte) error {
	for i, part := range parts {
		flag := zmq4.Flag(0)
		if i < len(parts)-1 {
			flag = zmq4.SNDMORE
		}
		if _, err := p.socket.SendBytes(part, flag); err != nil {
			return fmt.Errorf("publish part %d: %w", i, err)
		}
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.socket.Close()
}

// Replier binds a REP socket. Every Recv must be followed by one Reply.
type Replier struct {
	socket *zmq4.Socket
}

func Listen(endpoint string, poll time.Duration) (*Replier, error) {
	socket, err := open(zmq4.REP, poll)
	if err != nil {
		return nil, fmt.Errorf("rep socket: %w", err)
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("bind %s: %w", endpoint, err)
	}
	return &Replier{socket: socket}, nil
}

func (r *Replier) Recv(ctx context.Context) ([]byte, error) {
	return recv(ctx, r.socket, time.Time{})
}

func (r *Replier) Reply(payload []byte) error {
	_, err := r.socket.SendBytes(payload, 0)
	return err
}

func (r *Replier) Close() error {
	return r.socket.Close()
}

// Package simulator is a stand-in for the physics model: it answers the
// profile command and broadcasts twiss and orbit frames for every catalog
// element, so the camera service can run without the real model.
package simulator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"

	"profmon-sim-go/internal/catalog"
	"profmon-sim-go/internal/codec"
	"profmon-sim-go/internal/ingest"
	"profmon-sim-go/internal/trigger"
)

type Options struct {
	Interval      time.Duration
	OrbitJitterMM float64
	BetaMin       float64
	BetaMax       float64
	Seed          uint64
	// AutoStart broadcasts without waiting for the profile command.
	AutoStart bool
}

// Element is one lattice row.
type Element struct {
	Name   string
	S      float64
	Length float64
	BetaA  float64
	BetaB  float64
}

// Broadcaster publishes a multipart message.
type Broadcaster interface {
	Send(parts ...[]byte) error
}

// Commands is a request/reply endpoint; every Recv is answered by one Reply.
type Commands interface {
	Recv(ctx context.Context) ([]byte, error)
	Reply(payload []byte) error
}

type Reply struct {
	Status string `json:"status" cbor:"status" msgpack:"status"`
	Error  string `json:"error,omitempty" cbor:"error,omitempty" msgpack:"error,omitempty"`
}

type Model struct {
	opts    Options
	codec   codec.Codec
	lattice []Element
	orbit   distuv.Normal
	started atomic.Bool
	kick    chan struct{}
	cycles  atomic.Uint64
	log     *logrus.Entry
}

// New lays out a lattice where every camera element sits behind a
// quadrupole and a drift, with betas drawn once per element.
func New(cat *catalog.Catalog, c codec.Codec, opts Options) *Model {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.BetaMin <= 0 {
		opts.BetaMin = 1
	}
	if opts.BetaMax < opts.BetaMin {
		opts.BetaMax = opts.BetaMin
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	src := rand.NewPCG(seed, seed>>1|1)
	beta := distuv.Uniform{Min: opts.BetaMin, Max: opts.BetaMax, Src: src}

	m := &Model{
		opts:  opts,
		codec: c,
		orbit: distuv.Normal{Mu: 0, Sigma: opts.OrbitJitterMM, Src: src},
		kick:  make(chan struct{}, 1),
		log:   logrus.WithField("component", "simulator"),
	}
	s := 0.0
	for i, device := range cat.Devices() {
		g, _ := cat.Lookup(device)
		quad := Element{Name: fmt.Sprintf("QUAD%03d", i+1), S: s, Length: 0.1, BetaA: beta.Rand(), BetaB: beta.Rand()}
		drift := Element{Name: fmt.Sprintf("DRIFT%03d", i+1), S: s + 0.1, Length: 1.9, BetaA: beta.Rand(), BetaB: beta.Rand()}
		screen := Element{Name: g.ElementName, S: s + 2, BetaA: beta.Rand(), BetaB: beta.Rand()}
		m.lattice = append(m.lattice, quad, drift, screen)
		s += 2
	}
	if opts.AutoStart {
		m.started.Store(true)
	}
	return m
}

func (m *Model) Lattice() []Element {
	return append([]Element(nil), m.lattice...)
}

func (m *Model) Cycles() uint64 {
	return m.cycles.Load()
}

// TwissLines renders the lattice with the three header and three sentinel
// rows the model wraps around every table.
func (m *Model) TwissLines() []string {
	lines := []string{
		"# profmon-sim lattice",
		"# index name s l phi beta_a beta_b",
		ingest.FormatTwissLine(0, "BEGIN", 0, 0, 0, 0, 0),
	}
	for i, el := range m.lattice {
		lines = append(lines, ingest.FormatTwissLine(i+1, el.Name, el.S, el.Length, 0, el.BetaA, el.BetaB))
	}
	last := len(m.lattice) + 1
	return append(lines,
		ingest.FormatTwissLine(last, "END", 0, 0, 0, 0, 0),
		"# end",
		"# sentinel",
	)
}

// Orbit draws one x/y offset per lattice element, in mm.
func (m *Model) Orbit() ([]float64, []float64) {
	x := make([]float64, len(m.lattice))
	y := make([]float64, len(m.lattice))
	if m.opts.OrbitJitterMM <= 0 {
		return x, y
	}
	for i := range m.lattice {
		x[i] = m.orbit.Rand()
		y[i] = m.orbit.Rand()
	}
	return x, y
}

// Frames encodes one broadcast cycle: twiss metadata, twiss payload, orbit
// metadata, orbit payload.
func (m *Model) Frames() ([][]byte, error) {
	twissMeta, twissPayload := ingest.TwissFrame(m.TwissLines())
	orbitMeta, orbitPayload, err := ingest.OrbitFrame(m.Orbit())
	if err != nil {
		return nil, err
	}
	rawTwiss, err := m.codec.Marshal(twissMeta)
	if err != nil {
		return nil, fmt.Errorf("encode twiss metadata: %w", err)
	}
	rawOrbit, err := m.codec.Marshal(orbitMeta)
	if err != nil {
		return nil, fmt.Errorf("encode orbit metadata: %w", err)
	}
	return [][]byte{rawTwiss, twissPayload, rawOrbit, orbitPayload}, nil
}

// Serve broadcasts a cycle every interval once started, and answers commands
// when cmds is non-nil. It returns when ctx is done or a socket fails.
func (m *Model) Serve(ctx context.Context, pub Broadcaster, cmds Commands) error {
	errc := make(chan error, 1)
	if cmds != nil {
		go func() {
			errc <- m.serveCommands(ctx, cmds)
		}()
	}

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case <-m.kick:
		case <-ticker.C:
			if !m.started.Load() {
				continue
			}
		}
		if err := m.broadcast(pub); err != nil {
			return err
		}
	}
}

func (m *Model) broadcast(pub Broadcaster) error {
	parts, err := m.Frames()
	if err != nil {
		return err
	}
	if err := pub.Send(parts[0], parts[1]); err != nil {
		return fmt.Errorf("broadcast twiss: %w", err)
	}
	if err := pub.Send(parts[2], parts[3]); err != nil {
		return fmt.Errorf("broadcast orbit: %w", err)
	}
	n := m.cycles.Add(1)
	m.log.WithFields(logrus.Fields{"cycle": n, "elements": len(m.lattice)}).Debug("profiles broadcast")
	return nil
}

func (m *Model) serveCommands(ctx context.Context, cmds Commands) error {
	for {
		raw, err := cmds.Recv(ctx)
		if err != nil {
			return err
		}
		reply := Reply{Status: "ok"}
		var cmd trigger.Command
		switch err := m.codec.Unmarshal(raw, &cmd); {
		case err != nil:
			reply = Reply{Status: "error", Error: err.Error()}
		case cmd.Cmd == trigger.SendProfilesTwiss:
			m.started.Store(true)
			select {
			case m.kick <- struct{}{}:
			default:
			}
			m.log.Info("profile broadcast requested")
		default:
			reply = Reply{Status: "error", Error: fmt.Sprintf("unknown command %q", cmd.Cmd)}
		}
		out, err := m.codec.Marshal(reply)
		if err != nil {
			return err
		}
		if err := cmds.Reply(out); err != nil {
			return err
		}
	}
}

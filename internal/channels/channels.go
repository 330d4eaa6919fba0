// Package channels is an in-process table of named control-system channels.
// It stands in for the variable server that real camera clients read: every
// simulated camera gets its image channel, one channel per catalog property
// and a few acquisition controls.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"profmon-sim-go/internal/catalog"
)

var (
	ErrNotRegistered = errors.New("channel not registered")
	ErrExists        = errors.New("channel already registered")
	ErrType          = errors.New("channel value type mismatch")
)

// Auxiliary per-device channel suffixes.
const (
	SuffixAcquisition = "Acquisition"
	SuffixFrameRate   = "FRAME_RATE"
	SuffixBufferIndex = "IMG_BUF_IDX"
	SuffixSaveImage   = "SAVE_IMG"
)

// DefaultUtility lists the timing and frame-rate channels that camera clients
// poll during startup.
var DefaultUtility = []string{
	"EVR:IN20:PM01:CTRL.DG0E", "EVR:IN20:PM01:CTRL.DG1E",
	"EVR:IN20:PM02:CTRL.DG0E", "EVR:IN20:PM02:CTRL.DG1E",
	"EVR:IN20:PM03:CTRL.DG0E", "EVR:IN20:PM03:CTRL.DG1E",
	"EVR:IN20:PM04:CTRL.DG0E", "EVR:IN20:PM04:CTRL.DG1E",
	"EVR:IN20:PM05:CTRL.DG0E", "EVR:IN20:PM05:CTRL.DG1E",
	"EVR:IN20:PM06:CTRL.DG0E", "EVR:IN20:PM06:CTRL.DG1E",
	"EVR:LI21:PM01:CTRL.DG0E", "EVR:LI21:PM01:CTRL.DG1E",
	"EVR:LI24:PM01:CTRL.DG0E", "EVR:LI24:PM01:CTRL.DG1E",
	"EVR:LTU1:PM01:CTRL.DG0E",
	"EVR:UND1:PM01:CTRL.DG0E",
	"EVR:UND1:PM03:CTRL.DG0E", "EVR:UND1:PM03:CTRL.DG1E",
	"YAGS:IN20:841:FRAME_RATE", "YAGS:IN20:351:FRAME_RATE",
	"OTRS:IN20:541:FRAME_RATE", "OTRS:IN20:621:FRAME_RATE",
	"YAGS:IN20:921:FRAME_RATE", "OTRS:LI21:291:FRAME_RATE",
	"OTRS:LI25:342:FRAME_RATE", "CTHD:IN20:206:FRAME_RATE",
	"SIOC:SYS0:ML02:AO000",
}

// Value is a channel's current content. Data is a float64, a string or a
// []uint16 waveform; the type is fixed at registration.
type Value struct {
	Name    string    `json:"name"`
	Data    any       `json:"value"`
	Updated time.Time `json:"updated"`
	Seq     uint64    `json:"seq"`
}

// Event announces a write. Subscribers read the new value with Get.
type Event struct {
	Name string
	Seq  uint64
}

type Table struct {
	mu      sync.RWMutex
	values  map[string]*Value
	subs    map[int]chan Event
	nextSub int
	seq     uint64
	dropped uint64
	log     *logrus.Entry
}

func New() *Table {
	return &Table{
		values: make(map[string]*Value),
		subs:   make(map[int]chan Event),
		log:    logrus.WithField("component", "channels"),
	}
}

// Register adds a channel with its initial value.
func (t *Table) Register(name string, initial any) error {
	initial, err := normalize(initial)
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.values[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrExists)
	}
	t.values[name] = &Value{Name: name, Data: initial, Updated: time.Now()}
	return nil
}

// RegisterDevice adds every channel of one camera: the image waveform (zeros
// of ROI length), DEVICE:ATTR for each catalog property and the auxiliary
// acquisition controls.
func (t *Table) RegisterDevice(g catalog.Geometry) error {
	if err := t.Register(g.ImageOutputID, make([]uint16, g.Pixels())); err != nil {
		return err
	}
	attrs := make([]string, 0, len(g.Properties))
	for attr := range g.Properties {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)
	for _, attr := range attrs {
		if err := t.Register(g.DeviceName+":"+attr, g.Properties[attr]); err != nil {
			return err
		}
	}
	aux := []struct {
		suffix string
		value  any
	}{
		{SuffixAcquisition, "Acquire"},
		{SuffixFrameRate, 0.0},
		{SuffixBufferIndex, 0.0},
		{SuffixSaveImage, 0.0},
	}
	for _, a := range aux {
		if err := t.Register(g.DeviceName+":"+a.suffix, a.value); err != nil {
			return err
		}
	}
	return nil
}

// RegisterUtility adds standalone numeric channels initialized to zero.
// Names already present are left alone.
func (t *Table) RegisterUtility(names []string) {
	for _, name := range names {
		if err := t.Register(name, 0.0); err != nil && !errors.Is(err, ErrExists) {
			t.log.WithError(err).Warn("utility channel skipped")
		}
	}
}

// Put replaces a channel value. The new value must have the registered type.
func (t *Table) Put(name string, v any) error {
	v, err := normalize(v)
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.putLocked(name, v)
}

func (t *Table) putLocked(name string, v any) error {
	cur, ok := t.values[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotRegistered)
	}
	if fmt.Sprintf("%T", cur.Data) != fmt.Sprintf("%T", v) {
		return fmt.Errorf("%s: %w: have %T, got %T", name, ErrType, cur.Data, v)
	}
	t.seq++
	cur.Data = v
	cur.Updated = time.Now()
	cur.Seq = t.seq
	t.notifyLocked(Event{Name: name, Seq: t.seq})
	return nil
}

// Write stores an image waveform. It makes Table usable as a publish sink.
func (t *Table) Write(ctx context.Context, outputID string, pixels []uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]uint16, len(pixels))
	copy(buf, pixels)
	return t.Put(outputID, buf)
}

// Increment adds one to a numeric channel and returns the new value.
func (t *Table) Increment(name string) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.values[name]
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, ErrNotRegistered)
	}
	f, numeric := cur.Data.(float64)
	if !numeric {
		return 0, fmt.Errorf("%s: %w: not numeric", name, ErrType)
	}
	f++
	return f, t.putLocked(name, f)
}

// Get returns a copy of the channel value.
func (t *Table) Get(name string) (Value, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cur, ok := t.values[name]
	if !ok {
		return Value{}, false
	}
	out := *cur
	if img, ok := cur.Data.([]uint16); ok {
		out.Data = append([]uint16(nil), img...)
	}
	return out, true
}

func (t *Table) Has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.values[name]
	return ok
}

// Names returns every registered channel, sorted.
func (t *Table) Names() []string {
	t.mu.RLock()
	names := make([]string, 0, len(t.values))
	for name := range t.values {
		names = append(names, name)
	}
	t.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.values)
}

// Subscribe returns a stream of write events and a cancel func. Events are
// dropped for a subscriber whose buffer is full.
func (t *Table) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped counts events not delivered to slow subscribers.
func (t *Table) Dropped() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dropped
}

func (t *Table) notifyLocked(ev Event) {
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			t.dropped++
		}
	}
}

func normalize(v any) (any, error) {
	switch x := v.(type) {
	case float64, string, []uint16:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	default:
		return nil, fmt.Errorf("%w: unsupported %T", ErrType, v)
	}
}

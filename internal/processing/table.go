package processing

import (
	"sync"
	"time"

	"profmon-sim-go/internal/catalog"
)

// DeviceState is the live state of one simulated camera.
type DeviceState struct {
	Geometry catalog.Geometry
	// LastImage is nil until the first synthesis for the device succeeds.
	LastImage []uint16
	Stats     ImageStats
	Updated   time.Time
	Cycle     uint64
}

// Summary is DeviceState without the pixel buffer.
type Summary struct {
	Device   string     `json:"device"`
	Element  string     `json:"element"`
	OutputID string     `json:"output_id"`
	Width    int        `json:"width"`
	Height   int        `json:"height"`
	BitDepth int        `json:"bit_depth"`
	HasImage bool       `json:"has_image"`
	Stats    ImageStats `json:"stats"`
	Updated  time.Time  `json:"updated"`
	Cycle    uint64     `json:"cycle"`
}

// Table holds one DeviceState per catalog device. Only the pipeline writes;
// readers get copies.
type Table struct {
	mu     sync.RWMutex
	order  []string
	states map[string]*DeviceState
}

func NewTable(cat *catalog.Catalog) *Table {
	t := &Table{states: make(map[string]*DeviceState, cat.Len())}
	for _, device := range cat.Devices() {
		g, _ := cat.Lookup(device)
		t.states[device] = &DeviceState{Geometry: g}
		t.order = append(t.order, device)
	}
	return t
}

func (t *Table) Geometry(device string) (catalog.Geometry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[device]
	if !ok {
		return catalog.Geometry{}, false
	}
	return st.Geometry, true
}

// Update replaces the device image. It refuses unknown devices and buffers
// whose length does not match the ROI, leaving the previous image in place.
func (t *Table) Update(device string, img []uint16, cycle uint64) bool {
	t.mu.RLock()
	st, ok := t.states[device]
	t.mu.RUnlock()
	if !ok || len(img) != st.Geometry.Pixels() {
		return false
	}
	stats := ComputeStats(img, st.Geometry)

	t.mu.Lock()
	st.LastImage = img
	st.Stats = stats
	st.Updated = time.Now()
	st.Cycle = cycle
	t.mu.Unlock()
	return true
}

// Snapshot returns a copy of the device state, image included.
func (t *Table) Snapshot(device string) (DeviceState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[device]
	if !ok {
		return DeviceState{}, false
	}
	out := *st
	if st.LastImage != nil {
		out.LastImage = make([]uint16, len(st.LastImage))
		copy(out.LastImage, st.LastImage)
	}
	return out, true
}

func (t *Table) Summary(device string) (Summary, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[device]
	if !ok {
		return Summary{}, false
	}
	return summarize(device, st), true
}

// Summaries lists every device in catalog order.
func (t *Table) Summaries() []Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Summary, 0, len(t.order))
	for _, device := range t.order {
		out = append(out, summarize(device, t.states[device]))
	}
	return out
}

func (t *Table) Devices() []string {
	return append([]string(nil), t.order...)
}

func (t *Table) Len() int {
	return len(t.order)
}

func summarize(device string, st *DeviceState) Summary {
	g := st.Geometry
	return Summary{
		Device:   device,
		Element:  g.ElementName,
		OutputID: g.ImageOutputID,
		Width:    g.ROIWidth,
		Height:   g.ROIHeight,
		BitDepth: g.BitDepth,
		HasImage: st.LastImage != nil,
		Stats:    st.Stats,
		Updated:  st.Updated,
		Cycle:    st.Cycle,
	}
}

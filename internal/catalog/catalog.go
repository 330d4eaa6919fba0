// Package catalog holds the static camera geometry of every simulated profile
// monitor and the element ↔ device name mapping used to correlate model rows
// with cameras. A Catalog is built once at startup and never mutated.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultImageDim = 1024
	// FallbackCalibration is used when a screen has no calibration, in m/pixel.
	FallbackCalibration = 1e-5
	defaultBitDepth     = 8
	// MaxImageDim bounds every image and ROI dimension.
	MaxImageDim         = 1 << 13
	maxBitDepth         = 16
	micron              = 1e-6
)

// Positions inside Screen.Values.
const (
	idxImageWidth  = 0
	idxImageHeight = 1
	idxBitDepth    = 2
	idxCalibration = 3
	idxROIWidth    = 6
	idxROIHeight   = 7
	idxCenterX     = 10
	idxCenterY     = 11
	minValues      = 12
)

var ErrMalformed = errors.New("malformed catalog entry")

// Screen is one catalog record as stored on disk. Props holds fully qualified
// property names (PREFIX:AREA:UNIT:ATTR) parallel to Values.
type Screen struct {
	ElementName string    `yaml:"element_name"`
	DeviceName  string    `yaml:"device_name"`
	ImageName   string    `yaml:"image_name"`
	Props       []string  `yaml:"props"`
	Values      []float64 `yaml:"values"`
}

type File struct {
	Screens []Screen `yaml:"screens"`
}

type Geometry struct {
	DeviceName    string
	ElementName   string
	ImageOutputID string
	ImageWidth    int
	ImageHeight   int
	BitDepth      int
	// Calibration in m/pixel.
	Calibration float64
	ROIWidth    int
	ROIHeight   int
	CenterX     float64
	CenterY     float64
	Properties  map[string]float64
}

// Pixels is the length of every image synthesized for this device.
func (g Geometry) Pixels() int {
	return g.ROIWidth * g.ROIHeight
}

// MaxValue is the largest pixel value representable at the device bit depth.
func (g Geometry) MaxValue() uint16 {
	return uint16(uint32(1)<<uint(g.BitDepth) - 1)
}

// NewGeometry validates a screen and applies the load-time corrections:
// a zero ROI becomes the full frame and a zero calibration the fallback.
func NewGeometry(s Screen) (Geometry, error) {
	if s.DeviceName == "" || s.ElementName == "" {
		return Geometry{}, fmt.Errorf("%w: missing device or element name", ErrMalformed)
	}
	if len(s.Values) < minValues {
		return Geometry{}, fmt.Errorf("%w: %s has %d values, need %d", ErrMalformed, s.DeviceName, len(s.Values), minValues)
	}
	for i, value := range s.Values {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return Geometry{}, fmt.Errorf("%w: %s has non-finite value at %d", ErrMalformed, s.DeviceName, i)
		}
	}
	for _, i := range []int{idxImageWidth, idxImageHeight, idxROIWidth, idxROIHeight} {
		if v := s.Values[i]; v < 0 || v > MaxImageDim {
			return Geometry{}, fmt.Errorf("%w: %s dimension %g at %d outside [0, %d]", ErrMalformed, s.DeviceName, v, i, MaxImageDim)
		}
	}

	props := make(map[string]float64, len(s.Props))
	for i, name := range s.Props {
		if name == "" {
			continue
		}
		parts := strings.Split(name, ":")
		if len(parts) < 4 || parts[3] == "" {
			return Geometry{}, fmt.Errorf("%w: %s has invalid property name %q", ErrMalformed, s.DeviceName, name)
		}
		if i >= len(s.Values) {
			return Geometry{}, fmt.Errorf("%w: %s property %q has no value", ErrMalformed, s.DeviceName, name)
		}
		props[parts[3]] = s.Values[i]
	}

	v := s.Values
	g := Geometry{
		DeviceName:    s.DeviceName,
		ElementName:   s.ElementName,
		ImageOutputID: s.ImageName,
		ImageWidth:    int(v[idxImageWidth]),
		ImageHeight:   int(v[idxImageHeight]),
		BitDepth:      int(v[idxBitDepth]),
		Calibration:   v[idxCalibration] * micron,
		ROIWidth:      int(v[idxROIWidth]),
		ROIHeight:     int(v[idxROIHeight]),
		CenterX:       v[idxCenterX],
		CenterY:       v[idxCenterY],
		Properties:    props,
	}
	if g.ImageOutputID == "" {
		g.ImageOutputID = g.DeviceName + ":IMAGE"
	}
	if g.ROIWidth*g.ROIHeight == 0 {
		if g.ImageWidth <= 0 || g.ImageHeight <= 0 {
			g.ImageWidth, g.ImageHeight = DefaultImageDim, DefaultImageDim
		}
		g.ROIWidth, g.ROIHeight = g.ImageWidth, g.ImageHeight
	}
	if g.Calibration <= 0 {
		g.Calibration = FallbackCalibration
	}
	switch {
	case g.BitDepth <= 0:
		g.BitDepth = defaultBitDepth
	case g.BitDepth > maxBitDepth:
		g.BitDepth = maxBitDepth
	}
	return g, nil
}

type Catalog struct {
	devices  map[string]Geometry
	order    []string
	resolver *Resolver
	rejected []error
}

// New builds a catalog from raw screens. Malformed screens and screens whose
// names do not resolve back to themselves are logged and left out.
func New(screens []Screen) *Catalog {
	log := logrus.WithField("component", "catalog")

	all := newResolver()
	for _, s := range screens {
		all.add(s.ElementName, s.DeviceName)
	}

	c := &Catalog{
		devices:  make(map[string]Geometry, len(screens)),
		resolver: newResolver(),
	}
	for _, s := range screens {
		element, ok := all.Element(s.DeviceName)
		if device, _ := all.Device(element); !ok || device != s.DeviceName {
			c.reject(log, fmt.Errorf("%w: %s does not resolve to a unique element", ErrMalformed, s.DeviceName))
			continue
		}
		if _, dup := c.devices[s.DeviceName]; dup {
			c.reject(log, fmt.Errorf("%w: duplicate device %s", ErrMalformed, s.DeviceName))
			continue
		}
		g, err := NewGeometry(s)
		if err != nil {
			c.reject(log, err)
			continue
		}
		c.devices[g.DeviceName] = g
		c.order = append(c.order, g.DeviceName)
		c.resolver.add(g.ElementName, g.DeviceName)
		log.WithFields(logrus.Fields{"device": g.DeviceName, "element": g.ElementName}).Debug("screen loaded")
	}
	return c
}

func (c *Catalog) reject(log *logrus.Entry, err error) {
	c.rejected = append(c.rejected, err)
	log.Warn(err)
}

// Load reads a YAML catalog file. Unknown keys are an error.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var file File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(file.Screens), nil
}

func (c *Catalog) Lookup(device string) (Geometry, bool) {
	g, ok := c.devices[device]
	return g, ok
}

// ForElement resolves a model element name straight to its camera geometry.
func (c *Catalog) ForElement(element string) (Geometry, bool) {
	device, ok := c.resolver.Device(element)
	if !ok {
		return Geometry{}, false
	}
	return c.Lookup(device)
}

// Devices returns device names in catalog order.
func (c *Catalog) Devices() []string {
	return append([]string(nil), c.order...)
}

func (c *Catalog) Len() int {
	return len(c.order)
}

func (c *Catalog) Resolver() *Resolver {
	return c.resolver
}

// Rejected lists the reasons screens were left out at load.
func (c *Catalog) Rejected() []error {
	return append([]error(nil), c.rejected...)
}

// Package synth renders a camera image of a Gaussian beam from optics and
// orbit values at a profile monitor.
//
// Beam size follows sigma = sqrt(beta * emittance), converted to pixels with
// the device calibration. The image is either the analytic Gaussian (Smooth)
// or a histogram of normally distributed particles (Stochastic), scaled by the
// number of photons a screen would emit for the nominal bunch charge, then
// quantized to the camera bit depth.
package synth

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"profmon-sim-go/internal/catalog"
)

const (
	Emittance         = 0.4e-6
	Charge            = 1e-9
	ElectronCharge    = 1.6e-19
	QuantumEfficiency = 2e-3
	Attenuation       = 1.0
	DefaultParticles  = 1_000_000
)

type Mode int

const (
	Stochastic Mode = iota
	Smooth
)

func (m Mode) String() string {
	if m == Smooth {
		return "smooth"
	}
	return "stochastic"
}

func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "stochastic", "particles":
		return Stochastic, nil
	case "smooth", "analytic":
		return Smooth, nil
	default:
		return Stochastic, fmt.Errorf("unknown synthesis mode %q", value)
	}
}

// BeamSample is the beam at one device: beta functions in meters and orbit
// offsets in millimeters.
type BeamSample struct {
	BetaA float64
	BetaB float64
	X     float64
	Y     float64
}

// Model holds the beam and screen constants that turn optics into photons.
type Model struct {
	Emittance         float64
	Charge            float64
	ElectronCharge    float64
	QuantumEfficiency float64
	Attenuation       float64
}

func DefaultModel() Model {
	return Model{
		Emittance:         Emittance,
		Charge:            Charge,
		ElectronCharge:    ElectronCharge,
		QuantumEfficiency: QuantumEfficiency,
		Attenuation:       Attenuation,
	}
}

// Intensity is the total signal of one image: electrons in the bunch times
// quantum efficiency over attenuation.
func (m Model) Intensity() float64 {
	return (m.Charge / m.ElectronCharge) * m.QuantumEfficiency / m.Attenuation
}

type Options struct {
	Mode      Mode
	Particles int
	// Seed fixes the particle sequence; zero picks a random seed.
	Seed  uint64
	Model Model
}

// Synthesizer is not safe for concurrent use; it owns one random stream.
type Synthesizer struct {
	mode      Mode
	particles int
	model     Model
	src       rand.Source
}

func New(opts Options) *Synthesizer {
	if opts.Particles <= 0 {
		opts.Particles = DefaultParticles
	}
	if opts.Model == (Model{}) {
		opts.Model = DefaultModel()
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Synthesizer{
		mode:      opts.Mode,
		particles: opts.Particles,
		model:     opts.Model,
		src:       rand.NewPCG(seed, seed^0x9e3779b97f4a7c15),
	}
}

func (s *Synthesizer) Mode() Mode {
	return s.mode
}

// Generate renders a quantized, row-major image of g.Pixels() values.
func (s *Synthesizer) Generate(beam BeamSample, g catalog.Geometry) []uint16 {
	return Quantize(s.Intensities(beam, g, s.mode), g.BitDepth)
}

// Intensities renders the unquantized image in the given mode.
func (s *Synthesizer) Intensities(beam BeamSample, g catalog.Geometry, mode Mode) []float64 {
	p := project(beam, g, s.model)
	if mode == Smooth {
		return smooth(p, s.model.Intensity())
	}
	return s.stochastic(p)
}

type projection struct {
	sigX, sigY float64
	// Pixel-center coordinates relative to the beam centroid.
	xs, ys []float64
}

func project(beam BeamSample, g catalog.Geometry, m Model) projection {
	cal := g.Calibration
	xPos := 1e-3 * beam.X / cal
	yPos := 1e-3 * beam.Y / cal
	return projection{
		sigX: math.Sqrt(beam.BetaA*m.Emittance) / cal,
		sigY: math.Sqrt(beam.BetaB*m.Emittance) / cal,
		xs:   axis(g.ROIWidth, g.CenterX+xPos),
		ys:   axis(g.ROIHeight, g.CenterY+yPos),
	}
}

// axis returns 1..n shifted by -shift.
func axis(n int, shift float64) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = 1
	} else {
		floats.Span(out, 1, float64(n))
	}
	floats.AddConst(-shift, out)
	return out
}

func smooth(p projection, intensity float64) []float64 {
	nx := distuv.Normal{Mu: 0, Sigma: p.sigX}
	ny := distuv.Normal{Mu: 0, Sigma: p.sigY}

	gx := make([]float64, len(p.xs))
	for i, x := range p.xs {
		gx[i] = nx.Prob(x)
	}
	img := make([]float64, len(p.xs)*len(p.ys))
	for j, y := range p.ys {
		gy := intensity * ny.Prob(y)
		row := img[j*len(p.xs) : (j+1)*len(p.xs)]
		for i := range row {
			row[i] = gy * gx[i]
		}
	}
	return img
}

func (s *Synthesizer) stochastic(p projection) []float64 {
	width, height := len(p.xs), len(p.ys)
	img := make([]float64, width*height)
	if width == 0 || height == 0 {
		return img
	}

	nx := distuv.Normal{Mu: 0, Sigma: p.sigX, Src: s.src}
	ny := distuv.Normal{Mu: 0, Sigma: p.sigY, Src: s.src}
	// Bin edges sit half a pixel either side of each coordinate.
	x0 := p.xs[0] - 0.5
	y0 := p.ys[0] - 0.5
	for n := 0; n < s.particles; n++ {
		ix := bin(nx.Rand()-x0, width)
		iy := bin(ny.Rand()-y0, height)
		if ix < 0 || iy < 0 {
			continue
		}
		img[iy*width+ix]++
	}

	floats.Scale(s.model.Intensity()/float64(s.particles), img)
	return img
}

// bin maps a distance from the first edge to a bin index, or -1 when the
// sample falls outside. The last edge is inclusive.
func bin(d float64, n int) int {
	if !(d >= 0) {
		return -1
	}
	k := int(math.Floor(d))
	if k == n && d == float64(n) {
		return n - 1
	}
	if k >= n {
		return -1
	}
	return k
}

// Quantize truncates toward zero into the camera pixel type (8 bit up to a
// depth of 8, 16 bit above) and clamps to 2^bitDepth - 1. Negative and
// non-finite intensities become zero.
func Quantize(img []float64, bitDepth int) []uint16 {
	limit := 0.0
	if bitDepth > 0 {
		limit = float64(uint64(1)<<uint(min(bitDepth, 16)) - 1)
	}
	ceiling := float64(math.MaxUint16)
	if bitDepth <= 8 {
		ceiling = math.MaxUint8
	}
	limit = math.Min(limit, ceiling)

	out := make([]uint16, len(img))
	for i, v := range img {
		switch {
		case !(v > 0):
			out[i] = 0
		case v >= limit:
			out[i] = uint16(limit)
		default:
			out[i] = uint16(v)
		}
	}
	return out
}

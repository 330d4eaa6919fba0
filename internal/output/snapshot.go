package output

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"profmon-sim-go/internal/catalog"
)

// EncodePNG renders a device image as grayscale PNG: 8 bit for depths up to
// 8, otherwise 16 bit with values shifted up to full scale.
func EncodePNG(w io.Writer, g catalog.Geometry, pixels []uint16) error {
	width, height := g.ROIWidth, g.ROIHeight
	if len(pixels) != width*height {
		return fmt.Errorf("image has %d pixels, roi is %dx%d", len(pixels), width, height)
	}
	rect := image.Rect(0, 0, width, height)
	if g.BitDepth <= 8 {
		img := image.NewGray(rect)
		for i, v := range pixels {
			img.Pix[i] = uint8(v)
		}
		return png.Encode(w, img)
	}
	shift := uint(16 - g.BitDepth)
	img := image.NewGray16(rect)
	for i, v := range pixels {
		img.SetGray16(i%width, i/width, color.Gray16{Y: v << shift})
	}
	return png.Encode(w, img)
}

// WriteSnapshot stores a PNG named after the device and the current time and
// returns its path.
func WriteSnapshot(outputDir string, g catalog.Geometry, pixels []uint16) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	name := strings.NewReplacer(":", "_", "/", "_").Replace(g.DeviceName)
	path := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", Timestamp(), name))
	f, err := os.CreateTemp(outputDir, ".snapshot-*")
	if err != nil {
		return "", err
	}
	if err := EncodePNG(f, g, pixels); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := os.Rename(f.Name(), path); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return path, nil
}

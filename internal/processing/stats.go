package processing

import (
	"gonum.org/v1/gonum/stat"

	"profmon-sim-go/internal/catalog"
)

// ImageStats summarizes one synthesized image. Centroid and RMS are in
// pixels, measured from the ROI origin.
type ImageStats struct {
	Min       uint16  `json:"min"`
	Max       uint16  `json:"max"`
	Mean      float64 `json:"mean"`
	Total     float64 `json:"total"`
	CentroidX float64 `json:"centroid_x"`
	CentroidY float64 `json:"centroid_y"`
	RMSX      float64 `json:"rms_x"`
	RMSY      float64 `json:"rms_y"`
	Saturated int     `json:"saturated"`
}

func ComputeStats(img []uint16, g catalog.Geometry) ImageStats {
	width, height := g.ROIWidth, g.ROIHeight
	if len(img) == 0 || width*height != len(img) {
		return ImageStats{}
	}

	limit := g.MaxValue()
	st := ImageStats{Min: img[0], Max: img[0]}
	colSum := make([]float64, width)
	rowSum := make([]float64, height)
	for j := 0; j < height; j++ {
		row := img[j*width : (j+1)*width]
		for i, v := range row {
			if v < st.Min {
				st.Min = v
			}
			if v > st.Max {
				st.Max = v
			}
			if v >= limit {
				st.Saturated++
			}
			f := float64(v)
			colSum[i] += f
			rowSum[j] += f
			st.Total += f
		}
	}
	st.Mean = st.Total / float64(len(img))
	if st.Total == 0 {
		return st
	}
	st.CentroidX, st.RMSX = stat.PopMeanStdDev(indices(width), colSum)
	st.CentroidY, st.RMSY = stat.PopMeanStdDev(indices(height), rowSum)
	return st
}

func indices(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

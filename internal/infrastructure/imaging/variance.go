package imaging

import (
	"image"

	"gonum.org/v1/gonum/stat"
)

const DefaultVarianceCeiling = 10000.0

type VarianceScorer struct {
	ceiling float64
}

func NewVarianceScorer(ceiling float64) *VarianceScorer {
	if ceiling <= 0 {
		ceiling = DefaultVarianceCeiling
	}
	return &VarianceScorer{ceiling: ceiling}
}

// Score averages the per-channel population variance of 8-bit values and
// normalizes it into [0,1].
func (s *VarianceScorer) Score(img image.Image) float64 {
	channels := splitChannels(img)
	if len(channels) == 0 || len(channels[0]) == 0 {
		return 0
	}
	var total float64
	for _, ch := range channels {
		total += stat.PopVariance(ch, nil)
	}
	score := total / float64(len(channels)) / s.ceiling
	if score > 1 {
		return 1
	}
	return score
}

func splitChannels(img image.Image) [][]float64 {
	bounds := img.Bounds()
	n := bounds.Dx() * bounds.Dy()
	if n <= 0 {
		return nil
	}

	if g, ok := img.(*image.Gray); ok {
		out := make([]float64, 0, n)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				out = append(out, float64(g.GrayAt(x, y).Y))
			}
		}
		return [][]float64{out}
	}

	r := make([]float64, 0, n)
	g := make([]float64, 0, n)
	b := make([]float64, 0, n)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			cr, cg, cb, _ := img.At(x, y).RGBA()
			r = append(r, float64(cr>>8))
			g = append(g, float64(cg>>8))
			b = append(b, float64(cb>>8))
		}
	}
	return [][]float64{r, g, b}
}

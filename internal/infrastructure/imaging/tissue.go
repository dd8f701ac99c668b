package imaging

import "image"

const DefaultMinTissueRatio = 0.1

// binaryTissueCutoff separates the dark class of the binarized tile.
const binaryTissueCutoff = 200

type TissueDetector struct {
	minTissueRatio float64
}

func NewTissueDetector(minTissueRatio float64) *TissueDetector {
	if minTissueRatio <= 0 || minTissueRatio > 1 {
		minTissueRatio = DefaultMinTissueRatio
	}
	return &TissueDetector{minTissueRatio: minTissueRatio}
}

// DetectTissue binarizes the tile with Otsu's threshold and reports the dark
// fraction as tissue. Empty tiles are background.
func (d *TissueDetector) DetectTissue(img image.Image) (bool, float64) {
	gray, _, _ := grayscale(img)
	if len(gray) == 0 {
		return true, 0
	}
	threshold := otsuThreshold(gray)

	tissue := 0
	for _, v := range gray {
		binary := 0
		if v > threshold {
			binary = 255
		}
		if binary < binaryTissueCutoff {
			tissue++
		}
	}
	ratio := float64(tissue) / float64(len(gray))
	return ratio < d.minTissueRatio, ratio
}

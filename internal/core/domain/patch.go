package domain

// Patch is one scored tile of a slide. Patches are values; nothing
// mutates them after tiling.
type Patch struct {
	ID            string      `json:"patch_id"`
	CaseID        string      `json:"case_id"`
	X             int         `json:"x"`
	Y             int         `json:"y"`
	Level         int         `json:"level"`
	Magnification int         `json:"magnification"`
	TissueRatio   float64     `json:"tissue_ratio"`
	VarianceScore float64     `json:"variance_score"`
	IsBackground  bool        `json:"is_background"`
	Coordinates   Coordinates `json:"coordinates"`
}

type Coordinates struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ScoredPatch pairs a tile with its ranking score without touching the tile.
type ScoredPatch struct {
	Patch Patch
	Score float64
}

type ROIResult struct {
	CaseID              string  `json:"case_id"`
	SelectedPatches     []Patch `json:"selected_patches"`
	AutoSelectedCount   int     `json:"auto_selected_count"`
	ManualOverrideCount int     `json:"manual_override_count"`
}

// TissuePatches returns the non-background tiles in input order.
func TissuePatches(patches []Patch) []Patch {
	out := make([]Patch, 0, len(patches))
	for _, p := range patches {
		if !p.IsBackground {
			out = append(out, p)
		}
	}
	return out
}

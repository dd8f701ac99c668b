package domain

import "time"

type CaseStatus string

const (
	CaseUploaded   CaseStatus = "uploaded"
	CaseProcessing CaseStatus = "processing"
	CaseROIPending CaseStatus = "roi_pending"
	CaseAnalyzing  CaseStatus = "analyzing"
	CaseCompleted  CaseStatus = "completed"
	CaseFailed     CaseStatus = "failed"
)

// Case is one uploaded slide moving through tiling, ROI selection and analysis.
type Case struct {
	ID            string         `json:"case_id"`
	Filename      string         `json:"filename"`
	StorageKey    string         `json:"storage_key"`
	Status        CaseStatus     `json:"status"`
	StatusMessage string         `json:"status_message,omitempty"`
	Metadata      *SlideMetadata `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type SlideMetadata struct {
	Width           int      `json:"width"`
	Height          int      `json:"height"`
	LevelCount      int      `json:"level_count"`
	LevelDimensions [][2]int `json:"level_dimensions"`
	Format          string   `json:"format,omitempty"`
	FileSizeBytes   int64    `json:"file_size_bytes,omitempty"`
	Magnification   int      `json:"magnification,omitempty"`
	ThumbnailKey    string   `json:"thumbnail_key,omitempty"`

	Clinical *ClinicalMetadata `json:"clinical,omitempty"`
}

// ClinicalMetadata is patient context supplied next to the slide.
type ClinicalMetadata struct {
	PatientAge      *int   `json:"patient_age,omitempty"`
	Gender          string `json:"gender,omitempty"`
	BodySite        string `json:"body_site,omitempty"`
	ProcedureType   string `json:"procedure_type,omitempty"`
	StainType       string `json:"stain_type,omitempty"`
	ClinicalHistory string `json:"clinical_history,omitempty"`
}

type SlideJob struct {
	CaseID string `json:"case_id"`
}

type WSIProcessingResult struct {
	CaseID          string    `json:"case_id"`
	TotalPatches    int       `json:"total_patches"`
	TissuePatches   int       `json:"tissue_patches"`
	BackgroundCount int       `json:"background_patches"`
	SavedPatches    int       `json:"saved_patches"`
	Patches         []Patch   `json:"patches"`
	ProcessingTime  float64   `json:"processing_time"`
	ThumbnailKey    string    `json:"thumbnail_key,omitempty"`
	ProcessedAt     time.Time `json:"processed_at"`
}

package domain

type ROISelectionRequest struct {
	SelectedPatchIDs []string `json:"selected_patch_ids"`
	AutoSelect       *bool    `json:"auto_select,omitempty"`
	TopK             int      `json:"top_k,omitempty"`
	MinDistance      int      `json:"min_distance,omitempty"`
}

type AnalyzeCaseRequest struct {
	PatchIDs        []string `json:"patch_ids,omitempty"`
	ClinicalContext string   `json:"clinical_context,omitempty"`
	TemplateContent string   `json:"template_content,omitempty"`
}

type ChatCaseRequest struct {
	Message string        `json:"message"`
	History []ChatMessage `json:"history,omitempty"`
}

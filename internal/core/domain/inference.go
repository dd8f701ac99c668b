package domain

// InferenceMode is the closed set of backends the engine can drive.
type InferenceMode string

const (
	ModeRemote          InferenceMode = "remote"
	ModeLocalMultimodal InferenceMode = "local_multimodal"
	ModeLocalTextOnly   InferenceMode = "local_text"
)

type SamplingMode string

const (
	SamplingStochastic SamplingMode = "sample"
	SamplingGreedy     SamplingMode = "greedy"
)

// InferenceSettings are the user-tunable model parameters.
type InferenceSettings struct {
	ModelName           string  `json:"model_name" yaml:"model_name"`
	PreferredMode       string  `json:"inference_mode,omitempty" yaml:"inference_mode"`
	RemoteURL           string  `json:"remote_inference_url,omitempty" yaml:"remote_inference_url"`
	RemoteAPIKey        string  `json:"remote_api_key,omitempty" yaml:"remote_api_key"`
	MaxTokens           int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature         float64 `json:"temperature" yaml:"temperature"`
	TopP                float64 `json:"top_p" yaml:"top_p"`
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	ReportTemplate      string  `json:"report_template,omitempty" yaml:"report_template"`
}

// RequiresReload reports whether switching from old to next changes the backend
// itself rather than only sampling parameters.
func RequiresReload(old, next InferenceSettings) bool {
	return old.ModelName != next.ModelName ||
		old.PreferredMode != next.PreferredMode ||
		old.RemoteURL != next.RemoteURL ||
		old.RemoteAPIKey != next.RemoteAPIKey
}

type GenerationRequest struct {
	Prompt      string
	System      string
	Images      []EncodedImage
	MaxTokens   int
	Temperature float64
	TopP        float64
	Sampling    SamplingMode
}

// EncodedImage is a tile already encoded for transport.
type EncodedImage struct {
	MimeType string
	Data     []byte
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	History      []ChatMessage
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	TopP         float64
	Sampling     SamplingMode
}

type ModelCapabilities struct {
	Model  string
	Loaded bool
	Vision bool
}

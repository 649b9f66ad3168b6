package types

// ModelSummary is the listing view returned by GET /models.
type ModelSummary struct {
	// Stable identifier for the model.
	// example: resnet18
	ID string `json:"id"`
	// Human-friendly name.
	// example: ResNet-18
	DisplayName string `json:"display_name"`
	// Input size as [H, W].
	InputSize [2]int `json:"input_size"`
}

// NormalizationInfo is the per-channel normalization applied before inference.
type NormalizationInfo struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// ModelDetail is the full descriptor view returned by GET /models/{id}.
type ModelDetail struct {
	ID               string            `json:"id"`
	DisplayName      string            `json:"display_name"`
	InputSize        [2]int            `json:"input_size"`
	Normalization    NormalizationInfo `json:"normalization"`
	LayersToHook     []string          `json:"layers_to_hook"`
	LayerStages      map[string]string `json:"layer_stages,omitempty"`
	DefaultCAMLayers []string          `json:"default_cam_layers"`
	NumClasses       int               `json:"num_classes"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []ModelSummary `json:"models"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: model not found: resnet99
	Error string `json:"error"`
	// HTTP status code.
	// example: 400
	Code int `json:"code"`
}

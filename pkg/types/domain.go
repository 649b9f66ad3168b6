package types

import "time"

// JobStatus is the lifecycle state of an inference job.
// Transitions only move forward: queued -> running -> succeeded|failed.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// JobSettings are the per-request knobs accepted at submission.
// Zero values are replaced with defaults during validation.
type JobSettings struct {
	// Number of top predicted classes returned in the result.
	// example: 3
	TopKPreds int `json:"top_k_preds"`
	// Number of top predicted classes rendered as Grad-CAM overlays.
	// example: 3
	TopKCAM int `json:"top_k_cam"`
	// Layer names to compute Grad-CAM for. Empty means the model's defaults.
	CAMLayers []string `json:"cam_layers,omitempty"`
}

// Job is the public record tracking one inference request from submission
// to terminal outcome.
type Job struct {
	// Unique job identifier (UUID).
	ID string `json:"job_id"`
	// Model identifier from the registry.
	ModelID string    `json:"model_id"`
	Status  JobStatus `json:"status"`
	// Progress percentage, 0-100, non-decreasing.
	Progress    int         `json:"progress"`
	Message     string      `json:"message,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Settings    JobSettings `json:"settings"`
	// Result is present iff Status == succeeded.
	Result *JobResult `json:"result,omitempty"`
	// Error is present iff Status == failed.
	Error string `json:"error,omitempty"`
}

// ModelInfo identifies the model a result was produced with.
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// InputInfo points at the stored copy of the submitted image.
type InputInfo struct {
	ImageURL string `json:"image_url"`
}

// LayerShape is the C×H×W shape of a captured activation tensor.
type LayerShape struct {
	C int `json:"c"`
	H int `json:"h"`
	W int `json:"w"`
}

// ChannelResult describes one rendered feature-map channel.
type ChannelResult struct {
	// Original channel index within the activation tensor.
	Channel  int     `json:"channel"`
	Mean     float64 `json:"mean"`
	Max      float64 `json:"max"`
	ImageURL string  `json:"image_url"`
}

// LayerResult is the feature-map summary for one captured layer.
type LayerResult struct {
	Name string `json:"name"`
	// Stage is the human-facing group label for the layer, e.g. "stage2".
	Stage string     `json:"stage,omitempty"`
	Shape LayerShape `json:"shape"`
	// TopChannels are ordered by descending mean activation,
	// ties broken by ascending channel index.
	TopChannels []ChannelResult `json:"top_channels"`
}

// PredictionClass is one entry of the softmax top-K.
type PredictionClass struct {
	ClassID   int     `json:"class_id"`
	ClassName string  `json:"class_name"`
	Prob      float64 `json:"prob"`
}

// Prediction holds the top-K classes, descending by probability,
// ties broken by ascending class id.
type Prediction struct {
	TopK []PredictionClass `json:"topk"`
}

// CAMResult is the legacy single-layer Grad-CAM overlay for one class.
type CAMResult struct {
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
	Prob       float64 `json:"prob"`
	OverlayURL string  `json:"overlay_url"`
}

// CAMOverlay is one rendered overlay for a (class, layer) pair.
type CAMOverlay struct {
	Layer string `json:"layer"`
	URL   string `json:"url"`
}

// CAMClass groups the per-layer overlays rendered for one class.
type CAMClass struct {
	ClassID   int          `json:"class_id"`
	ClassName string       `json:"class_name"`
	Prob      float64      `json:"prob"`
	Overlays  []CAMOverlay `json:"overlays"`
}

// GradCAM is the multi-layer Grad-CAM block of a job result.
type GradCAM struct {
	TopK    int        `json:"top_k"`
	Classes []CAMClass `json:"classes"`
	// Layers actually rendered, in request order.
	Layers []string `json:"layers"`
	// Warnings lists layers that were requested but not captured.
	Warnings []string `json:"warnings,omitempty"`
}

// Timings records wall-clock durations of the pipeline stages in milliseconds.
type Timings struct {
	PreprocessMS float64 `json:"preprocess_ms"`
	ForwardMS    float64 `json:"forward_ms"`
	SerializeMS  float64 `json:"serialize_ms"`
	TotalMS      float64 `json:"total_ms"`
}

// JobResult is the payload of a succeeded job.
type JobResult struct {
	Model      ModelInfo     `json:"model"`
	Input      InputInfo     `json:"input"`
	Prediction Prediction    `json:"prediction"`
	Layers     []LayerResult `json:"layers"`
	CAMs       []CAMResult   `json:"cams"`
	GradCAM    *GradCAM      `json:"gradcam,omitempty"`
	Timings    Timings       `json:"timings"`
}

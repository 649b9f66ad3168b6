package manager

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"convscope/internal/cache"
	"convscope/internal/model"
	"convscope/internal/registry"
	"convscope/internal/storage"
	"convscope/internal/tensor"
	"convscope/pkg/types"
)

// InferenceEngine is the forward half of the pipeline. Satisfied by
// infer.Engine; narrowed to an interface so tests can count invocations.
type InferenceEngine interface {
	Preprocess(imageBytes []byte, desc *registry.Descriptor) (*tensor.Tensor, image.Image, error)
	Forward(h *model.Handle, x *tensor.Tensor, layers []string) (*tensor.Tensor, map[string]*tensor.Tensor, error)
	TopChannels(jobID, layer string, act *tensor.Tensor, n int) ([]types.ChannelResult, error)
	Predict(logits *tensor.Tensor, k int, desc *registry.Descriptor) []types.PredictionClass
}

// CAMEngine renders Grad-CAM overlays. Satisfied by gradcam.Engine.
type CAMEngine interface {
	Render(h *model.Handle, x *tensor.Tensor, orig image.Image, jobID string,
		classes []types.PredictionClass, requested []string,
		captured map[string]*tensor.Tensor) (*types.GradCAM, []types.CAMResult, error)
}

// ModelLoader resolves model ids to loaded handles. Satisfied by model.Loader.
type ModelLoader interface {
	Load(id string) (*model.Handle, error)
}

// jobRecord is the internal mutable state of one job. The embedded Job is
// the public snapshot; image bytes and cache key never leave the manager.
type jobRecord struct {
	job      types.Job
	image    []byte
	cacheKey string
}

// Manager owns the job table and the worker pool. Submissions validate,
// record, and enqueue; workers drain the queue until Stop.
type Manager struct {
	cfg    ManagerConfig
	reg    *registry.Registry
	loader ModelLoader
	infer  InferenceEngine
	cams   CAMEngine
	store  *storage.Store
	cache  *cache.Cache
	log    zerolog.Logger

	mu   sync.RWMutex
	jobs map[string]*jobRecord

	queue   chan string
	stopped chan struct{}
	wg      sync.WaitGroup
}

// NewWithConfig constructs a Manager. Zero-valued config fields take package
// defaults.
func NewWithConfig(cfg ManagerConfig, reg *registry.Registry, loader ModelLoader,
	inf InferenceEngine, cams CAMEngine, store *storage.Store, c *cache.Cache, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		reg:     reg,
		loader:  loader,
		infer:   inf,
		cams:    cams,
		store:   store,
		cache:   c,
		log:     log.With().Str("component", "manager").Logger(),
		jobs:    make(map[string]*jobRecord),
		queue:   make(chan string, cfg.withDefaults().QueueDepth),
		stopped: make(chan struct{}),
	}
}

// Start launches the worker pool.
func (m *Manager) Start() {
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	m.log.Info().Int("workers", m.cfg.Workers).Int("queue_depth", m.cfg.QueueDepth).Msg("manager started")
}

// Stop tells workers to finish their current job and waits for them. Queued
// jobs that never ran stay in their last recorded state.
func (m *Manager) Stop() {
	close(m.stopped)
	m.wg.Wait()
	m.log.Info().Msg("manager stopped")
}

// Submit validates a request, records the job, and enqueues it. The returned
// Job is the queued snapshot; progress is observed via Get.
func (m *Manager) Submit(modelID string, imageBytes []byte, settings types.JobSettings) (types.Job, error) {
	desc, ok := m.reg.Get(modelID)
	if !ok {
		return types.Job{}, ErrModelNotFound(modelID)
	}
	if len(imageBytes) == 0 {
		return types.Job{}, ErrValidation("image payload is empty")
	}
	normalized, err := m.normalizeSettings(settings, desc)
	if err != nil {
		return types.Job{}, err
	}

	rec := &jobRecord{
		job: types.Job{
			ID:        uuid.NewString(),
			ModelID:   modelID,
			Status:    types.StatusQueued,
			Progress:  0,
			Message:   "queued",
			CreatedAt: time.Now().UTC(),
			Settings:  normalized,
		},
		image:    imageBytes,
		cacheKey: cache.Key(imageBytes, modelID, normalized),
	}

	m.mu.Lock()
	m.jobs[rec.job.ID] = rec
	m.mu.Unlock()

	select {
	case m.queue <- rec.job.ID:
		queueDepth.Inc()
	default:
		m.mu.Lock()
		delete(m.jobs, rec.job.ID)
		m.mu.Unlock()
		return types.Job{}, queueFullError{modelID: modelID}
	}

	m.log.Info().Str("job", rec.job.ID).Str("model", modelID).Msg("job accepted")
	return rec.job, nil
}

// normalizeSettings applies defaults and bounds checks.
func (m *Manager) normalizeSettings(s types.JobSettings, desc *registry.Descriptor) (types.JobSettings, error) {
	if s.TopKPreds == 0 {
		s.TopKPreds = m.cfg.DefaultTopK
	}
	if s.TopKCAM == 0 {
		s.TopKCAM = m.cfg.DefaultTopK
	}
	if s.TopKPreds < 1 || s.TopKPreds > m.cfg.MaxTopK {
		return s, ErrValidation(fmt.Sprintf("top_k_preds must be between 1 and %d", m.cfg.MaxTopK))
	}
	if s.TopKCAM < 1 || s.TopKCAM > m.cfg.MaxTopK {
		return s, ErrValidation(fmt.Sprintf("top_k_cam must be between 1 and %d", m.cfg.MaxTopK))
	}
	if len(s.CAMLayers) == 0 {
		s.CAMLayers = desc.DefaultCAMs()
	}
	for _, l := range s.CAMLayers {
		if l == "" {
			return s, ErrValidation("cam_layers entries must be non-empty")
		}
	}
	return s, nil
}

// Get returns a snapshot of the job, safe to serialize without holding locks.
func (m *Manager) Get(id string) (types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[id]
	if !ok {
		return types.Job{}, ErrJobNotFound(id)
	}
	return rec.job, nil
}

// ListModels returns the registry's model summaries.
func (m *Manager) ListModels() []types.ModelSummary { return m.reg.List() }

// ModelDetail returns the full descriptor view of one model.
func (m *Manager) ModelDetail(id string) (types.ModelDetail, error) {
	det, ok := m.reg.Detail(id)
	if !ok {
		return types.ModelDetail{}, ErrModelNotFound(id)
	}
	return det, nil
}

// updateProgress moves a job's progress forward. Terminal jobs and regressed
// percentages are ignored so late writes from an abandoned pipeline goroutine
// cannot corrupt a settled record.
func (m *Manager) updateProgress(id string, status types.JobStatus, pct int, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok || rec.job.Status.Terminal() {
		return
	}
	rec.job.Status = status
	if pct > rec.job.Progress {
		rec.job.Progress = pct
	}
	rec.job.Message = msg
}

// setSucceeded settles a job with its result.
func (m *Manager) setSucceeded(id string, result *types.JobResult, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok || rec.job.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	rec.job.Status = types.StatusSucceeded
	rec.job.Progress = 100
	rec.job.Message = msg
	rec.job.Result = result
	rec.job.CompletedAt = &now
	rec.image = nil
	jobsTotal.WithLabelValues(string(types.StatusSucceeded)).Inc()
}

// setFailed settles a job with an error message.
func (m *Manager) setFailed(id string, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok || rec.job.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	rec.job.Status = types.StatusFailed
	rec.job.Message = "failed"
	rec.job.Error = errMsg
	rec.job.CompletedAt = &now
	rec.image = nil
	jobsTotal.WithLabelValues(string(types.StatusFailed)).Inc()
}

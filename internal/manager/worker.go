package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"convscope/pkg/types"
)

func (m *Manager) worker(n int) {
	defer m.wg.Done()
	log := m.log.With().Int("worker", n).Logger()
	for {
		select {
		case <-m.stopped:
			return
		case id := <-m.queue:
			queueDepth.Dec()
			m.process(id, log)
		}
	}
}

func (m *Manager) process(id string, log zerolog.Logger) {
	m.mu.RLock()
	rec, ok := m.jobs[id]
	if !ok {
		m.mu.RUnlock()
		return
	}
	modelID := rec.job.ModelID
	settings := rec.job.Settings
	imageBytes := rec.image
	cacheKey := rec.cacheKey
	m.mu.RUnlock()

	start := time.Now()
	m.updateProgress(id, types.StatusRunning, 10, "loading model")

	if res, hit := m.cache.Get(cacheKey); hit {
		cacheHits.Inc()
		m.setSucceeded(id, res, "complete (cached)")
		jobDuration.Observe(time.Since(start).Seconds())
		log.Info().Str("job", id).Msg("served from cache")
		return
	}
	cacheMisses.Inc()

	type outcome struct {
		res *types.JobResult
		err error
	}
	done := make(chan outcome, 1)
	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if m.cfg.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.cfg.JobTimeout)
	}
	defer cancel()
	go func() {
		res, err := m.pipeline(ctx, id, modelID, imageBytes, settings, start)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			m.setFailed(id, o.err.Error())
			log.Error().Err(o.err).Str("job", id).Msg("job failed")
		} else {
			m.cache.Set(cacheKey, o.res)
			m.setSucceeded(id, o.res, "complete")
			log.Info().Str("job", id).Dur("elapsed", time.Since(start)).Msg("job complete")
		}
	case <-ctx.Done():
		// The pipeline goroutine keeps running until its next checkpoint,
		// but the terminal-state guard drops anything it reports late.
		m.setFailed(id, fmt.Sprintf("job timed out after %s", m.cfg.JobTimeout))
		log.Warn().Str("job", id).Msg("job timed out")
	}
	jobDuration.Observe(time.Since(start).Seconds())
}

// pipeline runs decode through overlay rendering for one job. It checks ctx
// between stages so a timed-out job stops doing work soon after it settles.
func (m *Manager) pipeline(ctx context.Context, id, modelID string, imageBytes []byte,
	settings types.JobSettings, start time.Time) (*types.JobResult, error) {

	h, err := m.loader.Load(modelID)
	if err != nil {
		return nil, err
	}
	desc := h.Desc
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.updateProgress(id, types.StatusRunning, 20, "preprocessing image")
	tPre := time.Now()
	x, orig, err := m.infer.Preprocess(imageBytes, desc)
	if err != nil {
		return nil, err
	}
	preprocessMS := msSince(tPre)
	inputURL, err := m.store.SavePNG(id+"/input.png", orig)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.updateProgress(id, types.StatusRunning, 40, "running forward pass")
	tFwd := time.Now()
	logits, captured, err := m.infer.Forward(h, x, desc.LayersToHook)
	if err != nil {
		return nil, err
	}
	forwardMS := msSince(tFwd)
	preds := m.infer.Predict(logits, settings.TopKPreds, desc)
	camClasses := m.infer.Predict(logits, settings.TopKCAM, desc)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.updateProgress(id, types.StatusRunning, 60, "extracting feature maps")
	tSer := time.Now()
	layers := make([]types.LayerResult, 0, len(desc.LayersToHook))
	for _, name := range desc.LayersToHook {
		act, ok := captured[name]
		if !ok || act.Dims() != 3 {
			continue
		}
		top, err := m.infer.TopChannels(id, name, act, m.cfg.FeatureMapChannels)
		if err != nil {
			return nil, err
		}
		layers = append(layers, types.LayerResult{
			Name:        name,
			Stage:       desc.Stage(name),
			Shape:       types.LayerShape{C: act.Channels(), H: act.Height(), W: act.Width()},
			TopChannels: top,
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.updateProgress(id, types.StatusRunning, 80, "rendering grad-cam overlays")
	gc, legacyCAMs, err := m.cams.Render(h, x, orig, id, camClasses, settings.CAMLayers, captured)
	if err != nil {
		return nil, err
	}
	serializeMS := msSince(tSer)

	return &types.JobResult{
		Model:      types.ModelInfo{ID: desc.ID, DisplayName: desc.DisplayName},
		Input:      types.InputInfo{ImageURL: inputURL},
		Prediction: types.Prediction{TopK: preds},
		Layers:     layers,
		CAMs:       legacyCAMs,
		GradCAM:    gc,
		Timings: types.Timings{
			PreprocessMS: preprocessMS,
			ForwardMS:    forwardMS,
			SerializeMS:  serializeMS,
			TotalMS:      msSince(start),
		},
	}, nil
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}

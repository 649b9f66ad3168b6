package gradcam

import (
	"fmt"
	"image"
	"math"

	"github.com/nfnt/resize"
	"github.com/rs/zerolog"

	"convscope/internal/model"
	"convscope/internal/storage"
	"convscope/internal/tensor"
	"convscope/pkg/types"
)

// heatAlpha is the blend weight of the heatmap over the original image.
const heatAlpha = 0.45

// Engine renders Grad-CAM overlays: for each predicted class and hooked
// convolutional layer, the gradient of the class logit is propagated back to
// the layer, channel-pooled into weights, and the weighted activation map is
// colorized over the original image.
type Engine struct {
	store *storage.Store
	log   zerolog.Logger
}

func NewEngine(store *storage.Store, log zerolog.Logger) *Engine {
	return &Engine{store: store, log: log.With().Str("component", "gradcam").Logger()}
}

// Render produces overlays for every (class, layer) pair. Requested layers
// that were not captured, or whose activations are not spatial, are skipped
// with a warning instead of failing the job. The returned CAMResult slice is
// the legacy single-layer view built from the last usable layer.
func (e *Engine) Render(
	h *model.Handle,
	x *tensor.Tensor,
	orig image.Image,
	jobID string,
	classes []types.PredictionClass,
	requested []string,
	captured map[string]*tensor.Tensor,
) (*types.GradCAM, []types.CAMResult, error) {
	out := &types.GradCAM{TopK: len(classes), Layers: []string{}}
	for _, layer := range requested {
		act, ok := captured[layer]
		if !ok {
			out.Warnings = append(out.Warnings, fmt.Sprintf("layer %q was not captured; skipping Grad-CAM", layer))
			continue
		}
		if act.Dims() != 3 {
			out.Warnings = append(out.Warnings, fmt.Sprintf("layer %q has no spatial activation; skipping Grad-CAM", layer))
			continue
		}
		out.Layers = append(out.Layers, layer)
	}
	if len(out.Layers) == 0 || len(classes) == 0 {
		return out, nil, nil
	}

	// Backward passes serialize per handle: the trace keeps every
	// intermediate activation alive.
	h.BackpropMu.Lock()
	defer h.BackpropMu.Unlock()
	trace, err := h.Net.Trace(x)
	if err != nil {
		return nil, nil, model.ErrInference(h.Desc.ID, err)
	}

	var legacy []types.CAMResult
	lastLayer := out.Layers[len(out.Layers)-1]
	for _, cls := range classes {
		grads, err := trace.BackpropClass(cls.ClassID, out.Layers)
		if err != nil {
			return nil, nil, model.ErrInference(h.Desc.ID, err)
		}
		camClass := types.CAMClass{ClassID: cls.ClassID, ClassName: cls.ClassName, Prob: cls.Prob}
		for _, layer := range out.Layers {
			grad, ok := grads[layer]
			if !ok {
				return nil, nil, model.ErrInferenceAt(h.Desc.ID, layer, fmt.Errorf("no gradient produced"))
			}
			cam := classActivationMap(captured[layer], grad)
			overlay := e.composite(cam, captured[layer].Width(), captured[layer].Height(), orig)
			url, err := e.store.SavePNG(fmt.Sprintf("%s/gradcam/%d/%s.png", jobID, cls.ClassID, layer), overlay)
			if err != nil {
				return nil, nil, err
			}
			camClass.Overlays = append(camClass.Overlays, types.CAMOverlay{Layer: layer, URL: url})
			if layer == lastLayer {
				legacyURL, err := e.store.SavePNG(fmt.Sprintf("%s/cams/class_%d.png", jobID, cls.ClassID), overlay)
				if err != nil {
					return nil, nil, err
				}
				legacy = append(legacy, types.CAMResult{
					ClassID:    cls.ClassID,
					ClassName:  cls.ClassName,
					Prob:       cls.Prob,
					OverlayURL: legacyURL,
				})
			}
		}
		out.Classes = append(out.Classes, camClass)
	}
	return out, legacy, nil
}

// classActivationMap pools the gradient into per-channel weights, sums the
// weighted activations, clamps negatives, and min-max normalizes to [0, 1].
// A flat map comes back as all zeros.
func classActivationMap(act, grad *tensor.Tensor) []float64 {
	channels, h, w := act.Channels(), act.Height(), act.Width()
	plane := h * w
	cam := make([]float64, plane)
	for c := 0; c < channels; c++ {
		g := grad.Channel(c)
		var weight float64
		for _, v := range g {
			weight += float64(v)
		}
		weight /= float64(plane)
		a := act.Channel(c)
		for i := 0; i < plane; i++ {
			cam[i] += weight * float64(a[i])
		}
	}
	min, max := math.Inf(1), math.Inf(-1)
	for i := range cam {
		if cam[i] < 0 {
			cam[i] = 0
		}
		if cam[i] < min {
			min = cam[i]
		}
		if cam[i] > max {
			max = cam[i]
		}
	}
	if max-min < 1e-6 {
		for i := range cam {
			cam[i] = 0
		}
		return cam
	}
	for i := range cam {
		cam[i] = (cam[i] - min) / (max - min)
	}
	return cam
}

// composite upsamples the cam to the original image size and alpha-blends a
// colorized heatmap over it.
func (e *Engine) composite(cam []float64, camW, camH int, orig image.Image) *image.RGBA {
	gray := image.NewGray(image.Rect(0, 0, camW, camH))
	for i, v := range cam {
		gray.Pix[i] = uint8(math.Round(v * 255))
	}
	bounds := orig.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	scaled := resize.Resize(uint(w), uint(h), gray, resize.Bilinear)

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gv, _, _, _ := scaled.At(scaled.Bounds().Min.X+x, scaled.Bounds().Min.Y+y).RGBA()
			v := float64(gv>>8) / 255.0
			hr, hg, hb := heatColor(v)
			or, og, ob, _ := orig.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			i := y*out.Stride + x*4
			out.Pix[i+0] = blend(float64(or>>8), hr)
			out.Pix[i+1] = blend(float64(og>>8), hg)
			out.Pix[i+2] = blend(float64(ob>>8), hb)
			out.Pix[i+3] = 255
		}
	}
	return out
}

// heatColor maps an intensity in [0, 1] to a blue-to-red ramp.
func heatColor(v float64) (r, g, b float64) {
	return v * 255, math.Abs(v-0.5) * 2 * 255, (1 - v) * 255
}

func blend(base, heat float64) uint8 {
	v := (1-heatAlpha)*base + heatAlpha*heat
	if v > 255 {
		v = 255
	}
	if v < 0 {
		v = 0
	}
	return uint8(math.Round(v))
}

package infer

import (
	"bytes"
	"fmt"
	"image"
	"math"
	"sort"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	"github.com/rs/zerolog"

	"convscope/internal/model"
	"convscope/internal/registry"
	"convscope/internal/storage"
	"convscope/internal/tensor"
	"convscope/pkg/types"
)

// Engine runs the forward half of the pipeline: decode and normalize the
// input, execute the network, and render per-channel feature maps.
type Engine struct {
	store *storage.Store
	log   zerolog.Logger
}

func NewEngine(store *storage.Store, log zerolog.Logger) *Engine {
	return &Engine{store: store, log: log.With().Str("component", "infer").Logger()}
}

// Preprocess decodes the uploaded image, scales it so the crop covers the
// model's input size, center-crops, and converts to a normalized CHW tensor.
// The decoded original is returned for overlay rendering.
func (e *Engine) Preprocess(imageBytes []byte, desc *registry.Descriptor) (*tensor.Tensor, image.Image, error) {
	img, format, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, nil, ErrDecode(err)
	}
	e.log.Debug().Str("format", format).Int("bytes", len(imageBytes)).Msg("decoded input")

	targetH, targetW := desc.InputSize[0], desc.InputSize[1]
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, nil, ErrDecode(fmt.Errorf("image has empty bounds"))
	}

	// Scale so both dimensions cover the target, then crop the center.
	scale := math.Max(float64(targetW)/float64(w), float64(targetH)/float64(h))
	newW := int(math.Ceil(float64(w) * scale))
	newH := int(math.Ceil(float64(h) * scale))
	scaled := resize.Resize(uint(newW), uint(newH), img, resize.Bilinear)

	offX := (newW - targetW) / 2
	offY := (newH - targetH) / 2

	x := tensor.New(3, targetH, targetW)
	mean := desc.Normalization.Mean
	std := desc.Normalization.Std
	sb := scaled.Bounds()
	for y := 0; y < targetH; y++ {
		for xx := 0; xx < targetW; xx++ {
			r, g, b, _ := scaled.At(sb.Min.X+offX+xx, sb.Min.Y+offY+y).RGBA()
			px := [3]float64{float64(r >> 8), float64(g >> 8), float64(b >> 8)}
			for c := 0; c < 3; c++ {
				x.Set3(c, y, xx, float32((px[c]/255.0-mean[c])/std[c]))
			}
		}
	}
	return x, img, nil
}

// Forward runs the network capturing the activations of the named layers.
func (e *Engine) Forward(h *model.Handle, x *tensor.Tensor, layers []string) (*tensor.Tensor, map[string]*tensor.Tensor, error) {
	capture := make(map[string]struct{}, len(layers))
	for _, l := range layers {
		capture[l] = struct{}{}
	}
	logits, caps, err := h.Net.Forward(x, capture)
	if err != nil {
		return nil, nil, model.ErrInference(h.Desc.ID, err)
	}
	return logits, caps, nil
}

// TopChannels picks the n channels with the highest mean activation from a
// captured layer, renders each as a normalized grayscale PNG, and returns
// their metadata. Ties on mean break toward the lower channel index.
func (e *Engine) TopChannels(jobID, layer string, act *tensor.Tensor, n int) ([]types.ChannelResult, error) {
	if act.Dims() != 3 {
		return nil, fmt.Errorf("layer %s: feature maps need a CHW activation, got shape %v", layer, act.Shape)
	}
	channels := act.Channels()
	type chanStat struct {
		idx  int
		mean float64
		max  float64
	}
	stats := make([]chanStat, channels)
	for c := 0; c < channels; c++ {
		data := act.Channel(c)
		var sum float64
		max := float64(data[0])
		for _, v := range data {
			sum += float64(v)
			if float64(v) > max {
				max = float64(v)
			}
		}
		stats[c] = chanStat{idx: c, mean: sum / float64(len(data)), max: max}
	}
	sort.SliceStable(stats, func(i, j int) bool {
		if stats[i].mean != stats[j].mean {
			return stats[i].mean > stats[j].mean
		}
		return stats[i].idx < stats[j].idx
	})
	if n > channels {
		n = channels
	}

	out := make([]types.ChannelResult, 0, n)
	for _, st := range stats[:n] {
		img := renderChannel(act, st.idx)
		url, err := e.store.SavePNG(fmt.Sprintf("%s/%s/ch_%d.png", jobID, layer, st.idx), img)
		if err != nil {
			return nil, err
		}
		out = append(out, types.ChannelResult{
			Channel:  st.idx,
			Mean:     st.mean,
			Max:      st.max,
			ImageURL: url,
		})
	}
	return out, nil
}

// renderChannel min-max normalizes one channel to 8-bit grayscale. A flat
// channel renders black when near zero and white otherwise.
func renderChannel(act *tensor.Tensor, c int) *image.Gray {
	h, w := act.Height(), act.Width()
	data := act.Channel(c)
	min, max := float64(data[0]), float64(data[0])
	for _, v := range data {
		f := float64(v)
		if f < min {
			min = f
		}
		if f > max {
			max = f
		}
	}
	img := image.NewGray(image.Rect(0, 0, w, h))
	if max-min < 1e-6 {
		if max >= 1e-6 {
			for i := range img.Pix {
				img.Pix[i] = 255
			}
		}
		return img
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := (float64(data[y*w+x]) - min) / (max - min)
			img.Pix[y*img.Stride+x] = uint8(math.Round(v * 255))
		}
	}
	return img
}

// Predict converts logits to probabilities with a numerically stable softmax
// and returns the top k classes, descending by probability with ties broken
// by ascending class id.
func (e *Engine) Predict(logits *tensor.Tensor, k int, desc *registry.Descriptor) []types.PredictionClass {
	n := logits.NumElems()
	if n == 0 {
		return nil
	}
	maxLogit := logits.Data[0]
	for _, v := range logits.Data {
		if v > maxLogit {
			maxLogit = v
		}
	}
	probs := make([]float64, n)
	var sum float64
	for i, v := range logits.Data {
		probs[i] = math.Exp(float64(v - maxLogit))
		sum += probs[i]
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		if probs[order[i]] != probs[order[j]] {
			return probs[order[i]] > probs[order[j]]
		}
		return order[i] < order[j]
	})
	if k > n {
		k = n
	}
	out := make([]types.PredictionClass, 0, k)
	for _, id := range order[:k] {
		out = append(out, types.PredictionClass{
			ClassID:   id,
			ClassName: desc.ClassName(id),
			Prob:      probs[id] / sum,
		})
	}
	return out
}

package manager

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"convscope/internal/cache"
	"convscope/internal/gradcam"
	"convscope/internal/infer"
	"convscope/internal/model"
	"convscope/internal/nn"
	"convscope/internal/registry"
	"convscope/internal/storage"
	"convscope/internal/tensor"
	"convscope/pkg/types"
)

const testRegistryYAML = `
models:
  - id: tinynet
    display_name: TinyNet
    weights: tinynet.csw
    input_size: [8, 8]
    normalization:
      mean: [0.5, 0.5, 0.5]
      std: [0.5, 0.5, 0.5]
    arch:
      - {name: conv1, type: conv, in: 3, out: 4, kernel: 3, stride: 1, pad: 1}
      - {name: relu1, type: relu}
      - {name: pool1, type: maxpool, kernel: 2}
      - {name: gap, type: globalavgpool}
      - {name: fc, type: linear, in: 4, out: 3}
    layers_to_hook: [conv1, relu1, pool1]
    num_classes: 3
`

// testRegistry writes a registry plus a deterministic weight file.
func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	regPath := filepath.Join(dir, "models.yaml")
	if err := os.WriteFile(regPath, []byte(testRegistryYAML), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	net, err := nn.New([]nn.Layer{
		nn.NewConv2D("conv1", 3, 4, 3, 1, 1),
		nn.NewReLU("relu1"),
		nn.NewMaxPool2D("pool1", 2, 2),
		nn.NewGlobalAvgPool("gap"),
		nn.NewLinear("fc", 4, 3),
	})
	if err != nil {
		t.Fatalf("build net: %v", err)
	}
	rng := rand.New(rand.NewSource(3))
	for _, p := range net.Params() {
		for i := range p.Data {
			p.Data[i] = float32(rng.Float64() - 0.5)
		}
	}
	var buf bytes.Buffer
	if err := nn.SaveWeights(&buf, net); err != nil {
		t.Fatalf("save weights: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tinynet.csw"), buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	reg, err := registry.Load(regPath)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg
}

// testManager wires a manager with real engines over temp storage.
func testManager(t *testing.T, cfg ManagerConfig) (*Manager, *countingEngine) {
	t.Helper()
	reg := testRegistry(t)
	store, err := storage.New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	eng := &countingEngine{Engine: infer.NewEngine(store, zerolog.Nop())}
	m := NewWithConfig(cfg, reg,
		model.NewLoader(reg, zerolog.Nop()),
		eng,
		gradcam.NewEngine(store, zerolog.Nop()),
		store,
		cache.New(16, true),
		zerolog.Nop())
	return m, eng
}

// countingEngine counts forward passes so cache behavior is observable.
type countingEngine struct {
	*infer.Engine
	forwards int32
}

func (c *countingEngine) Forward(h *model.Handle, x *tensor.Tensor, layers []string) (*tensor.Tensor, map[string]*tensor.Tensor, error) {
	atomic.AddInt32(&c.forwards, 1)
	return c.Engine.Forward(h, x, layers)
}

func (c *countingEngine) forwardCount() int32 {
	return atomic.LoadInt32(&c.forwards)
}

// testPNG encodes a small deterministic image.
func testPNG(t *testing.T, seed uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x*20) + seed, G: uint8(y * 20), B: seed, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// waitTerminal polls until the job settles or the deadline passes.
func waitTerminal(t *testing.T, m *Manager, id string) types.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := m.Get(id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not settle", id)
	return types.Job{}
}

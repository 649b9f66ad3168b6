package model

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"convscope/internal/nn"
	"convscope/internal/registry"
)

const fixtureRegistry = `
models:
  - id: tinynet
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

// fixture writes a registry file plus a matching weight file and returns the
// loaded registry.
func fixture(t *testing.T, corrupt func([]byte) []byte) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	regPath := filepath.Join(dir, "models.yaml")
	if err := os.WriteFile(regPath, []byte(fixtureRegistry), 0o644); err != nil {
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
	var buf bytes.Buffer
	if err := nn.SaveWeights(&buf, net); err != nil {
		t.Fatalf("save weights: %v", err)
	}
	raw := buf.Bytes()
	if corrupt != nil {
		raw = corrupt(raw)
	}
	if err := os.WriteFile(filepath.Join(dir, "tinynet.csw"), raw, 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}

	reg, err := registry.Load(regPath)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg
}

func TestLoaderLoadsHandle(t *testing.T) {
	l := NewLoader(fixture(t, nil), zerolog.Nop())
	h, err := l.Load("tinynet")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if h.Desc.ID != "tinynet" || !h.Net.HasLayer("conv1") {
		t.Fatalf("unexpected handle: %+v", h.Desc)
	}
	if !l.Loaded("tinynet") {
		t.Fatalf("Loaded should report true after a successful load")
	}
}

func TestLoaderSharesOneBuild(t *testing.T) {
	l := NewLoader(fixture(t, nil), zerolog.Nop())
	const n = 16
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := l.Load("tinynet")
			if err != nil {
				t.Errorf("load: %v", err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("concurrent loads returned distinct handles")
		}
	}
}

func TestLoaderMissingWeights(t *testing.T) {
	reg := fixture(t, nil)
	d, _ := reg.Get("tinynet")
	if err := os.Remove(d.Weights); err != nil {
		t.Fatalf("remove weights: %v", err)
	}
	l := NewLoader(reg, zerolog.Nop())
	_, err := l.Load("tinynet")
	if !IsInference(err) {
		t.Fatalf("want inference error, got %v", err)
	}
	if l.Loaded("tinynet") {
		t.Fatalf("failed load must not count as loaded")
	}
}

func TestLoaderCachesFailure(t *testing.T) {
	reg := fixture(t, func(raw []byte) []byte {
		copy(raw[:4], "NOPE")
		return raw
	})
	l := NewLoader(reg, zerolog.Nop())
	_, err1 := l.Load("tinynet")
	if !IsInference(err1) {
		t.Fatalf("want inference error, got %v", err1)
	}
	_, err2 := l.Load("tinynet")
	if err2 != err1 {
		t.Fatalf("second load should return the cached failure")
	}
}

func TestLoaderUnknownModel(t *testing.T) {
	l := NewLoader(fixture(t, nil), zerolog.Nop())
	if _, err := l.Load("ghost"); !IsInference(err) {
		t.Fatalf("want inference error for unknown id, got %v", err)
	}
}

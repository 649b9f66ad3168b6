package cache

import (
	"testing"

	"convscope/pkg/types"
)

func result(model string) *types.JobResult {
	return &types.JobResult{Model: types.ModelInfo{ID: model}}
}

func TestKeySensitivity(t *testing.T) {
	img := []byte("png-bytes")
	base := types.JobSettings{TopKPreds: 3, TopKCAM: 3, CAMLayers: []string{"conv3", "conv4"}}
	k := Key(img, "tinynet", base)
	if k == "" || len(k) != 64 {
		t.Fatalf("key = %q", k)
	}
	if Key(img, "tinynet", base) != k {
		t.Fatalf("key not deterministic")
	}
	variants := []struct {
		name string
		key  string
	}{
		{"image", Key([]byte("other"), "tinynet", base)},
		{"model", Key(img, "othernet", base)},
		{"top_k_preds", Key(img, "tinynet", types.JobSettings{TopKPreds: 5, TopKCAM: 3, CAMLayers: base.CAMLayers})},
		{"top_k_cam", Key(img, "tinynet", types.JobSettings{TopKPreds: 3, TopKCAM: 1, CAMLayers: base.CAMLayers})},
		{"cam_layers", Key(img, "tinynet", types.JobSettings{TopKPreds: 3, TopKCAM: 3, CAMLayers: []string{"conv3"}})},
	}
	for _, v := range variants {
		if v.key == k {
			t.Fatalf("changing %s did not change the key", v.name)
		}
	}
}

func TestLRUEvictsOldest(t *testing.T) {
	c := New(2, true)
	c.Set("a", result("a"))
	c.Set("b", result("b"))
	c.Set("c", result("c"))
	if c.Len() != 2 {
		t.Fatalf("len = %d", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Fatalf("a should have been evicted")
	}
	for _, k := range []string{"b", "c"} {
		if r, ok := c.Get(k); !ok || r.Model.ID != k {
			t.Fatalf("%s missing after eviction", k)
		}
	}
}

func TestGetRefreshesRecency(t *testing.T) {
	c := New(2, true)
	c.Set("a", result("a"))
	c.Set("b", result("b"))
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("a missing")
	}
	c.Set("c", result("c"))
	if _, ok := c.Get("b"); ok {
		t.Fatalf("b should have been evicted, not a")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("a should survive, it was touched last")
	}
}

func TestSetExistingKeyUpdates(t *testing.T) {
	c := New(2, true)
	c.Set("a", result("old"))
	c.Set("a", result("new"))
	if c.Len() != 1 {
		t.Fatalf("len = %d", c.Len())
	}
	if r, _ := c.Get("a"); r.Model.ID != "new" {
		t.Fatalf("result not updated: %+v", r)
	}
}

func TestDisabledCacheAlwaysMisses(t *testing.T) {
	c := New(8, false)
	c.Set("a", result("a"))
	if _, ok := c.Get("a"); ok {
		t.Fatalf("disabled cache returned a hit")
	}
	if c.Len() != 0 {
		t.Fatalf("disabled cache stored an entry")
	}
}

package manager

import (
	"strings"
	"testing"

	"convscope/pkg/types"
)

func TestSubmitUnknownModel(t *testing.T) {
	m, _ := testManager(t, ManagerConfig{})
	_, err := m.Submit("ghost", testPNG(t, 0), types.JobSettings{})
	if !IsNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	m, _ := testManager(t, ManagerConfig{})
	if _, err := m.Submit("tinynet", nil, types.JobSettings{}); !IsValidation(err) {
		t.Fatalf("empty image: want validation error, got %v", err)
	}
	cases := []types.JobSettings{
		{TopKPreds: -1},
		{TopKPreds: 6},
		{TopKCAM: 99},
		{CAMLayers: []string{""}},
	}
	for _, s := range cases {
		if _, err := m.Submit("tinynet", testPNG(t, 0), s); !IsValidation(err) {
			t.Fatalf("settings %+v: want validation error, got %v", s, err)
		}
	}
}

func TestSubmitAppliesDefaults(t *testing.T) {
	m, _ := testManager(t, ManagerConfig{})
	job, err := m.Submit("tinynet", testPNG(t, 0), types.JobSettings{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != types.StatusQueued || job.Progress != 0 {
		t.Fatalf("initial state: %+v", job)
	}
	if job.Settings.TopKPreds != defaultTopK || job.Settings.TopKCAM != defaultTopK {
		t.Fatalf("top-k defaults not applied: %+v", job.Settings)
	}
	// Three hooks derive two default CAM layers.
	if len(job.Settings.CAMLayers) != 2 || job.Settings.CAMLayers[0] != "relu1" {
		t.Fatalf("cam layer defaults: %v", job.Settings.CAMLayers)
	}
	if job.ID == "" || job.CreatedAt.IsZero() {
		t.Fatalf("missing identity fields: %+v", job)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	m, _ := testManager(t, ManagerConfig{QueueDepth: 1})
	// No workers started, so the first job occupies the only slot.
	if _, err := m.Submit("tinynet", testPNG(t, 0), types.JobSettings{}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	job2, err := m.Submit("tinynet", testPNG(t, 1), types.JobSettings{})
	if !IsQueueFull(err) {
		t.Fatalf("want queue full, got %v", err)
	}
	// The rejected job leaves no record behind.
	if _, err := m.Get(job2.ID); !IsNotFound(err) {
		t.Fatalf("rejected job should not be tracked")
	}
}

func TestJobLifecycleSucceeds(t *testing.T) {
	m, _ := testManager(t, ManagerConfig{})
	m.Start()
	defer m.Stop()

	job, err := m.Submit("tinynet", testPNG(t, 0), types.JobSettings{TopKPreds: 2, TopKCAM: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := waitTerminal(t, m, job.ID)
	if got.Status != types.StatusSucceeded {
		t.Fatalf("status = %s, error = %q", got.Status, got.Error)
	}
	if got.Progress != 100 || got.CompletedAt == nil {
		t.Fatalf("terminal bookkeeping: %+v", got)
	}
	res := got.Result
	if res == nil {
		t.Fatalf("succeeded job has no result")
	}
	if res.Model.ID != "tinynet" || res.Model.DisplayName != "TinyNet" {
		t.Fatalf("model info: %+v", res.Model)
	}
	if res.Input.ImageURL != "/static/"+job.ID+"/input.png" {
		t.Fatalf("input url: %q", res.Input.ImageURL)
	}
	if len(res.Prediction.TopK) != 2 {
		t.Fatalf("prediction topk = %d", len(res.Prediction.TopK))
	}
	// gap and fc are not hooked; the three hooked layers are all spatial.
	if len(res.Layers) != 3 {
		t.Fatalf("layers = %d", len(res.Layers))
	}
	if res.Layers[0].Name != "conv1" || res.Layers[0].Shape.C != 4 {
		t.Fatalf("layer[0]: %+v", res.Layers[0])
	}
	if res.Layers[0].Stage != "" && res.Layers[0].Stage != "early" {
		t.Fatalf("unexpected stage: %q", res.Layers[0].Stage)
	}
	if len(res.Layers[0].TopChannels) == 0 {
		t.Fatalf("no channels rendered")
	}
	if res.GradCAM == nil || res.GradCAM.TopK != 1 || len(res.GradCAM.Classes) != 1 {
		t.Fatalf("gradcam: %+v", res.GradCAM)
	}
	if len(res.CAMs) != 1 {
		t.Fatalf("legacy cams: %+v", res.CAMs)
	}
	if res.Timings.TotalMS <= 0 {
		t.Fatalf("timings: %+v", res.Timings)
	}
}

func TestCacheHitSkipsForward(t *testing.T) {
	m, eng := testManager(t, ManagerConfig{})
	m.Start()
	defer m.Stop()

	img := testPNG(t, 42)
	first, err := m.Submit("tinynet", img, types.JobSettings{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := waitTerminal(t, m, first.ID); got.Status != types.StatusSucceeded {
		t.Fatalf("first job failed: %q", got.Error)
	}
	if eng.forwardCount() != 1 {
		t.Fatalf("forwards after first job = %d", eng.forwardCount())
	}

	second, err := m.Submit("tinynet", img, types.JobSettings{})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	got := waitTerminal(t, m, second.ID)
	if got.Status != types.StatusSucceeded {
		t.Fatalf("second job failed: %q", got.Error)
	}
	if eng.forwardCount() != 1 {
		t.Fatalf("cache hit still ran the network, forwards = %d", eng.forwardCount())
	}
	if !strings.Contains(got.Message, "cached") {
		t.Fatalf("message = %q", got.Message)
	}
	if got.Result == nil || got.Result.Model.ID != "tinynet" {
		t.Fatalf("cached result: %+v", got.Result)
	}

	// Different settings miss the cache.
	third, err := m.Submit("tinynet", img, types.JobSettings{TopKPreds: 1})
	if err != nil {
		t.Fatalf("third submit: %v", err)
	}
	if got := waitTerminal(t, m, third.ID); got.Status != types.StatusSucceeded {
		t.Fatalf("third job failed: %q", got.Error)
	}
	if eng.forwardCount() != 2 {
		t.Fatalf("distinct settings should re-run, forwards = %d", eng.forwardCount())
	}
}

func TestDecodeFailureFailsJob(t *testing.T) {
	m, _ := testManager(t, ManagerConfig{})
	m.Start()
	defer m.Stop()

	job, err := m.Submit("tinynet", []byte("definitely not an image"), types.JobSettings{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := waitTerminal(t, m, job.ID)
	if got.Status != types.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if !strings.Contains(got.Error, "decode") {
		t.Fatalf("error = %q", got.Error)
	}
	if got.Result != nil {
		t.Fatalf("failed job carries a result")
	}
}

func TestGetUnknownJob(t *testing.T) {
	m, _ := testManager(t, ManagerConfig{})
	if _, err := m.Get("nope"); !IsNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestProgressForwardOnly(t *testing.T) {
	m, _ := testManager(t, ManagerConfig{})
	job, err := m.Submit("tinynet", testPNG(t, 0), types.JobSettings{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	m.updateProgress(job.ID, types.StatusRunning, 40, "forward")
	m.updateProgress(job.ID, types.StatusRunning, 20, "stale update")
	got, _ := m.Get(job.ID)
	if got.Progress != 40 {
		t.Fatalf("progress regressed to %d", got.Progress)
	}
}

func TestTerminalStateIsImmutable(t *testing.T) {
	m, _ := testManager(t, ManagerConfig{})
	job, err := m.Submit("tinynet", testPNG(t, 0), types.JobSettings{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	m.setFailed(job.ID, "boom")
	m.setSucceeded(job.ID, &types.JobResult{}, "complete")
	m.updateProgress(job.ID, types.StatusRunning, 90, "late pipeline write")
	got, _ := m.Get(job.ID)
	if got.Status != types.StatusFailed || got.Error != "boom" {
		t.Fatalf("terminal state mutated: %+v", got)
	}
	if got.Result != nil {
		t.Fatalf("result attached after failure")
	}
}

func TestModelEndpoints(t *testing.T) {
	m, _ := testManager(t, ManagerConfig{})
	models := m.ListModels()
	if len(models) != 1 || models[0].ID != "tinynet" {
		t.Fatalf("models: %+v", models)
	}
	det, err := m.ModelDetail("tinynet")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if det.NumClasses != 3 || len(det.LayersToHook) != 3 {
		t.Fatalf("detail: %+v", det)
	}
	if _, err := m.ModelDetail("ghost"); !IsNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}
}

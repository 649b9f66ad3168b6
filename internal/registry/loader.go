package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"convscope/pkg/types"
)

type registryFile struct {
	Models []*Descriptor `yaml:"models"`
}

// Registry is the validated, immutable set of model descriptors loaded at
// startup.
type Registry struct {
	byID  map[string]*Descriptor
	order []string
}

// Load reads and validates a YAML registry file. Relative weight and label
// paths are resolved against the file's directory. Any malformed entry fails
// the whole load so misconfiguration surfaces at startup, not per request.
func Load(path string) (*Registry, error) {
	base, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if len(file.Models) == 0 {
		return nil, fmt.Errorf("registry %s declares no models", abs)
	}

	dir := filepath.Dir(abs)
	r := &Registry{byID: make(map[string]*Descriptor, len(file.Models))}
	for i, d := range file.Models {
		if err := validate(d); err != nil {
			return nil, fmt.Errorf("model[%d] %q: %w", i, d.ID, err)
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q", d.ID)
		}
		d.Weights = resolve(dir, d.Weights)
		if d.LabelsPath != "" {
			d.LabelsPath = resolve(dir, d.LabelsPath)
			labels, err := loadLabels(d.LabelsPath)
			if err != nil {
				return nil, fmt.Errorf("model %q labels: %w", d.ID, err)
			}
			d.labels = labels
		}
		r.byID[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	return r, nil
}

func validate(d *Descriptor) error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if d.DisplayName == "" {
		d.DisplayName = d.ID
	}
	if d.Weights == "" {
		return fmt.Errorf("weights path is required")
	}
	if d.InputSize[0] <= 0 || d.InputSize[1] <= 0 {
		return fmt.Errorf("input_size must be positive, got %v", d.InputSize)
	}
	if len(d.Normalization.Mean) != 3 || len(d.Normalization.Std) != 3 {
		return fmt.Errorf("normalization mean/std must each have 3 entries")
	}
	for i, s := range d.Normalization.Std {
		if s == 0 {
			return fmt.Errorf("normalization std[%d] must be non-zero", i)
		}
	}
	if len(d.Arch) == 0 {
		return fmt.Errorf("arch is empty")
	}
	if d.NumClasses <= 0 {
		return fmt.Errorf("num_classes must be positive, got %d", d.NumClasses)
	}

	net, err := d.Build()
	if err != nil {
		return err
	}
	out, err := net.OutShape([]int{3, d.InputSize[0], d.InputSize[1]})
	if err != nil {
		return fmt.Errorf("shape check: %w", err)
	}
	if len(out) != 1 || out[0] != d.NumClasses {
		return fmt.Errorf("arch produces output shape %v, want [%d]", out, d.NumClasses)
	}

	if len(d.LayersToHook) == 0 {
		return fmt.Errorf("layers_to_hook is empty")
	}
	hooked := make(map[string]struct{}, len(d.LayersToHook))
	for _, h := range d.LayersToHook {
		if !net.HasLayer(h) {
			return fmt.Errorf("hooked layer %q is not in arch", h)
		}
		if _, dup := hooked[h]; dup {
			return fmt.Errorf("hooked layer %q listed twice", h)
		}
		hooked[h] = struct{}{}
	}
	for _, c := range d.DefaultCAMLayers {
		if _, ok := hooked[c]; !ok {
			return fmt.Errorf("default cam layer %q is not hooked", c)
		}
	}
	for s := range d.LayerStages {
		if !net.HasLayer(s) {
			return fmt.Errorf("layer_stages names unknown layer %q", s)
		}
	}
	return nil
}

// loadLabels reads a JSON array of class name strings.
func loadLabels(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	var labels []string
	if err := json.Unmarshal(raw, &labels); err != nil {
		return nil, fmt.Errorf("parse labels: %w", err)
	}
	return labels, nil
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// expandHome expands a leading '~' to the user's home directory.
func expandHome(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// Get returns the descriptor for id, or false when the id is unknown.
func (r *Registry) Get(id string) (*Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// List returns model summaries in registry file order.
func (r *Registry) List() []types.ModelSummary {
	out := make([]types.ModelSummary, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].summary())
	}
	return out
}

// Detail returns the full descriptor view for id, or false when unknown.
func (r *Registry) Detail(id string) (types.ModelDetail, bool) {
	d, ok := r.byID[id]
	if !ok {
		return types.ModelDetail{}, false
	}
	return d.detail(), true
}

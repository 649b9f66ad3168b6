package registry

import (
	"fmt"

	"convscope/internal/nn"
	"convscope/pkg/types"
)

// LayerSpec describes one layer of a model architecture as declared in the
// registry file. Which fields are meaningful depends on Type.
type LayerSpec struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	In     int    `yaml:"in,omitempty"`
	Out    int    `yaml:"out,omitempty"`
	Kernel int    `yaml:"kernel,omitempty"`
	Stride int    `yaml:"stride,omitempty"`
	Pad    int    `yaml:"pad,omitempty"`
}

// Normalization holds per-channel preprocessing constants (RGB order).
type Normalization struct {
	Mean []float64 `yaml:"mean"`
	Std  []float64 `yaml:"std"`
}

// Descriptor is one model entry from the registry file, validated and with
// file paths resolved relative to the registry file's directory.
type Descriptor struct {
	ID               string            `yaml:"id"`
	DisplayName      string            `yaml:"display_name"`
	Weights          string            `yaml:"weights"`
	InputSize        [2]int            `yaml:"input_size"`
	Normalization    Normalization     `yaml:"normalization"`
	Arch             []LayerSpec       `yaml:"arch"`
	LayersToHook     []string          `yaml:"layers_to_hook"`
	LayerStages      map[string]string `yaml:"layer_stages,omitempty"`
	DefaultCAMLayers []string          `yaml:"default_cam_layers,omitempty"`
	NumClasses       int               `yaml:"num_classes"`
	LabelsPath       string            `yaml:"labels,omitempty"`

	labels []string
}

// Build constructs the network described by the descriptor's arch. Layer
// instances are fresh on every call; weights are not loaded here.
func (d *Descriptor) Build() (*nn.Network, error) {
	layers := make([]nn.Layer, 0, len(d.Arch))
	for i, spec := range d.Arch {
		l, err := buildLayer(spec)
		if err != nil {
			return nil, fmt.Errorf("arch[%d] %q: %w", i, spec.Name, err)
		}
		layers = append(layers, l)
	}
	return nn.New(layers)
}

func buildLayer(spec LayerSpec) (nn.Layer, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("layer name is required")
	}
	switch spec.Type {
	case "conv":
		if spec.In <= 0 || spec.Out <= 0 || spec.Kernel <= 0 {
			return nil, fmt.Errorf("conv needs positive in/out/kernel, got in=%d out=%d kernel=%d", spec.In, spec.Out, spec.Kernel)
		}
		stride := spec.Stride
		if stride == 0 {
			stride = 1
		}
		if stride < 0 || spec.Pad < 0 {
			return nil, fmt.Errorf("conv stride/pad must be non-negative")
		}
		return nn.NewConv2D(spec.Name, spec.In, spec.Out, spec.Kernel, stride, spec.Pad), nil
	case "relu":
		return nn.NewReLU(spec.Name), nil
	case "maxpool":
		if spec.Kernel <= 0 {
			return nil, fmt.Errorf("maxpool needs a positive kernel, got %d", spec.Kernel)
		}
		stride := spec.Stride
		if stride == 0 {
			stride = spec.Kernel
		}
		if stride < 0 {
			return nil, fmt.Errorf("maxpool stride must be non-negative")
		}
		return nn.NewMaxPool2D(spec.Name, spec.Kernel, stride), nil
	case "globalavgpool":
		return nn.NewGlobalAvgPool(spec.Name), nil
	case "flatten":
		return nn.NewFlatten(spec.Name), nil
	case "linear":
		if spec.In <= 0 || spec.Out <= 0 {
			return nil, fmt.Errorf("linear needs positive in/out, got in=%d out=%d", spec.In, spec.Out)
		}
		return nn.NewLinear(spec.Name, spec.In, spec.Out), nil
	default:
		return nil, fmt.Errorf("unknown layer type %q", spec.Type)
	}
}

// DefaultCAMs returns the descriptor's default Grad-CAM layers. When the
// registry entry does not name any, the tail of layers_to_hook is used:
// up to 2 hooks take everything, 3 or 4 take the last 2, more take the last 3.
func (d *Descriptor) DefaultCAMs() []string {
	if len(d.DefaultCAMLayers) > 0 {
		return d.DefaultCAMLayers
	}
	hooks := d.LayersToHook
	var n int
	switch {
	case len(hooks) <= 2:
		n = len(hooks)
	case len(hooks) <= 4:
		n = 2
	default:
		n = 3
	}
	return hooks[len(hooks)-n:]
}

// ClassName resolves a class id to a human-readable label, falling back to a
// synthetic name when the labels file is absent or too short.
func (d *Descriptor) ClassName(classID int) string {
	if classID >= 0 && classID < len(d.labels) && d.labels[classID] != "" {
		return d.labels[classID]
	}
	return fmt.Sprintf("class_%d", classID)
}

// Stage returns the human-readable stage label for a hooked layer, or the
// empty string when none was declared.
func (d *Descriptor) Stage(layer string) string {
	return d.LayerStages[layer]
}

func (d *Descriptor) summary() types.ModelSummary {
	return types.ModelSummary{ID: d.ID, DisplayName: d.DisplayName, InputSize: d.InputSize}
}

func (d *Descriptor) detail() types.ModelDetail {
	return types.ModelDetail{
		ID:          d.ID,
		DisplayName: d.DisplayName,
		InputSize:   d.InputSize,
		Normalization: types.NormalizationInfo{
			Mean: d.Normalization.Mean,
			Std:  d.Normalization.Std,
		},
		LayersToHook:     d.LayersToHook,
		LayerStages:      d.LayerStages,
		DefaultCAMLayers: d.DefaultCAMs(),
		NumClasses:       d.NumClasses,
	}
}

package nn

import (
	"fmt"

	"convscope/internal/tensor"
)

// Network is an ordered sequence of named layers. It is immutable after
// construction and safe for concurrent forward passes; capture storage is
// allocated per call.
type Network struct {
	layers []Layer
	index  map[string]int
}

// New builds a network from ordered layers. Layer names must be unique
// and non-empty.
func New(layers []Layer) (*Network, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("network: no layers")
	}
	idx := make(map[string]int, len(layers))
	for i, l := range layers {
		name := l.Name()
		if name == "" {
			return nil, fmt.Errorf("network: layer %d has no name", i)
		}
		if _, dup := idx[name]; dup {
			return nil, fmt.Errorf("network: duplicate layer name %q", name)
		}
		idx[name] = i
	}
	return &Network{layers: layers, index: idx}, nil
}

// Layers returns the ordered layer list.
func (n *Network) Layers() []Layer { return n.layers }

// HasLayer reports whether a layer with the given name exists.
func (n *Network) HasLayer(name string) bool {
	_, ok := n.index[name]
	return ok
}

// OutShape propagates an input shape through every layer, returning the
// final output shape. It validates the whole architecture without running
// any arithmetic.
func (n *Network) OutShape(in []int) ([]int, error) {
	shape := append([]int(nil), in...)
	for _, l := range n.layers {
		var err error
		shape, err = l.OutShape(shape)
		if err != nil {
			return nil, err
		}
	}
	return shape, nil
}

// Params returns every learnable parameter tensor in layer order. The
// returned slices alias the live layer storage.
func (n *Network) Params() []*Param {
	var out []*Param
	for _, l := range n.layers {
		if pl, ok := l.(paramLayer); ok {
			out = append(out, pl.params()...)
		}
	}
	return out
}

// Forward runs one traversal and captures the outputs of exactly the layers
// named in capture that exist in the network. Intermediates outside the
// capture set are released as the pass advances.
func (n *Network) Forward(x *tensor.Tensor, capture map[string]struct{}) (*tensor.Tensor, map[string]*tensor.Tensor, error) {
	caps := make(map[string]*tensor.Tensor, len(capture))
	cur := x
	for _, l := range n.layers {
		y, err := l.Forward(cur)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %q: %w", l.Name(), err)
		}
		if _, want := capture[l.Name()]; want {
			caps[l.Name()] = y
		}
		cur = y
	}
	return cur, caps, nil
}

// Trace is a forward pass that retained every intermediate activation,
// enabling backpropagation to any layer afterwards.
type Trace struct {
	net  *Network
	acts []*tensor.Tensor // acts[0] is the input; acts[i+1] the output of layer i
}

// Trace runs a full forward pass keeping all intermediates.
func (n *Network) Trace(x *tensor.Tensor) (*Trace, error) {
	acts := make([]*tensor.Tensor, 0, len(n.layers)+1)
	acts = append(acts, x)
	cur := x
	for _, l := range n.layers {
		y, err := l.Forward(cur)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name(), err)
		}
		acts = append(acts, y)
		cur = y
	}
	return &Trace{net: n, acts: acts}, nil
}

// Logits returns the final network output.
func (t *Trace) Logits() *tensor.Tensor { return t.acts[len(t.acts)-1] }

// Activation returns the retained output of the named layer.
func (t *Trace) Activation(name string) (*tensor.Tensor, bool) {
	i, ok := t.net.index[name]
	if !ok {
		return nil, false
	}
	return t.acts[i+1], true
}

// BackpropClass backpropagates the raw logit of classID through the trace
// and returns the gradient with respect to the output of each layer named
// in want. Unknown names are ignored.
func (t *Trace) BackpropClass(classID int, want []string) (map[string]*tensor.Tensor, error) {
	logits := t.Logits()
	if classID < 0 || classID >= logits.NumElems() {
		return nil, fmt.Errorf("class %d out of range [0, %d)", classID, logits.NumElems())
	}
	wantSet := make(map[int]string, len(want))
	lowest := len(t.net.layers)
	for _, name := range want {
		if i, ok := t.net.index[name]; ok {
			wantSet[i] = name
			if i < lowest {
				lowest = i
			}
		}
	}
	grads := make(map[string]*tensor.Tensor, len(wantSet))
	grad := logits.ZerosLike()
	grad.Data[classID] = 1
	for i := len(t.net.layers) - 1; i >= lowest; i-- {
		if name, ok := wantSet[i]; ok {
			grads[name] = grad.Clone()
		}
		if i == lowest {
			break
		}
		var err error
		grad, err = t.net.layers[i].Backward(t.acts[i], t.acts[i+1], grad)
		if err != nil {
			return nil, fmt.Errorf("layer %q backward: %w", t.net.layers[i].Name(), err)
		}
	}
	return grads, nil
}

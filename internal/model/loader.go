package model

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"convscope/internal/nn"
	"convscope/internal/registry"
)

// Handle is a loaded model: immutable descriptor plus the network with
// weights applied. Capture-free forward passes are safe to run concurrently;
// Grad-CAM backward passes serialize on BackpropMu.
type Handle struct {
	Desc *registry.Descriptor
	Net  *nn.Network

	// BackpropMu guards gradient traces, which retain every intermediate
	// activation and are too large to run unbounded in parallel.
	BackpropMu sync.Mutex
}

// Loader loads models on first use and keeps them resident for the process
// lifetime. Concurrent loads of the same id share one build; a failed build
// is cached so a broken weight file does not get re-read per job.
type Loader struct {
	reg *registry.Registry
	log zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	once sync.Once
	h    *Handle
	err  error
}

func NewLoader(reg *registry.Registry, log zerolog.Logger) *Loader {
	return &Loader{
		reg:     reg,
		log:     log.With().Str("component", "model-loader").Logger(),
		entries: make(map[string]*entry),
	}
}

// Load returns the handle for id, building it on first call.
func (l *Loader) Load(id string) (*Handle, error) {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &entry{}
		l.entries[id] = e
	}
	l.mu.Unlock()

	e.once.Do(func() {
		e.h, e.err = l.build(id)
	})
	return e.h, e.err
}

// Loaded reports whether id has a successfully built handle.
func (l *Loader) Loaded(id string) bool {
	l.mu.Lock()
	e, ok := l.entries[id]
	l.mu.Unlock()
	return ok && e.h != nil
}

func (l *Loader) build(id string) (*Handle, error) {
	desc, ok := l.reg.Get(id)
	if !ok {
		return nil, ErrInference(id, fmt.Errorf("not in registry"))
	}
	net, err := desc.Build()
	if err != nil {
		return nil, ErrInference(id, err)
	}
	if err := nn.LoadWeightsFile(desc.Weights, net); err != nil {
		return nil, ErrInference(id, err)
	}
	l.log.Info().Str("model", id).Str("weights", desc.Weights).Msg("model loaded")
	return &Handle{Desc: desc, Net: net}, nil
}

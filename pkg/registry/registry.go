// Package registry maps model names to their descriptors. Registration is
// explicit at startup; there is no global table and no runtime reflection.
package registry

import (
	"fmt"
	"sort"

	"github.com/meridian/canon/pkg/canonical"
	"github.com/meridian/canon/pkg/intake"
	"github.com/meridian/canon/pkg/models"
)

// Descriptor carries everything the pipeline needs to know about a model type.
type Descriptor struct {
	// Name is the model name carried in envelopes, e.g. "Customer".
	Name string

	// ExternalIDField is the dot-notation path of the natural id within the
	// business payload. Empty when the model has none; SourceID then falls
	// back to the source system name.
	ExternalIDField string

	// KeyFields configures the aggregation keys: each inner slice is one key,
	// computed over the named payload paths. Order within a key matters.
	KeyFields [][]string

	// Views names the projections materialized for this model. Defaults to
	// the standard default and lineage views when empty.
	Views []string

	// FingerprintExclusions lists payload paths ignored for change detection.
	FingerprintExclusions map[string]bool

	// Interceptors run before intake, in order. May be empty.
	Interceptors []intake.Interceptor

	// UpdateHandler is the optional merge hook. Nil means every update
	// applies unconditionally.
	UpdateHandler canonical.UpdateHandler
}

// ViewNames returns the configured views, defaulting to the standard pair.
func (d *Descriptor) ViewNames() []string {
	if len(d.Views) == 0 {
		return []string{models.ViewDefault, models.ViewLineage}
	}
	return d.Views
}

// Registry resolves model names to descriptors. It is populated once at
// startup and read-only afterwards.
type Registry struct {
	descriptors map[string]*Descriptor
}

func New(descriptors ...*Descriptor) (*Registry, error) {
	r := &Registry{descriptors: make(map[string]*Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if err := r.register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) register(d *Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("model descriptor has no name")
	}
	if _, exists := r.descriptors[d.Name]; exists {
		return fmt.Errorf("model %q registered twice", d.Name)
	}
	for i, key := range d.KeyFields {
		if len(key) == 0 {
			return fmt.Errorf("model %q: aggregation key %d has no fields", d.Name, i)
		}
	}
	r.descriptors[d.Name] = d
	return nil
}

// Resolve looks up a model by name. A nil descriptor means the model is
// unknown to this deployment; the message is dropped, not retried.
func (r *Registry) Resolve(modelName string) (*Descriptor, bool) {
	d, ok := r.descriptors[modelName]
	return d, ok
}

// ModelNames lists registered models in sorted order.
func (r *Registry) ModelNames() []string {
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

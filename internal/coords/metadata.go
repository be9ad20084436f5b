// Package coords converts probe detections into stage-independent
// coordinates: multi-view triangulation into the reticle frame, and the
// per-reticle rotation and offset that map reticle-local points to global
// coordinates.
package coords

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/golang/geo/r3"

	"probe-tracker/internal/calibration"
)

var (
	// ErrDuplicateLabel is returned when two metadata entries share a label.
	ErrDuplicateLabel = errors.New("coords: duplicate reticle label")
	// ErrUnknownLabel is returned for a label missing from a snapshot.
	ErrUnknownLabel = errors.New("coords: unknown reticle label")
	// ErrInvalidMetadata is returned for empty labels or non-finite values.
	ErrInvalidMetadata = errors.New("coords: invalid reticle metadata")
)

// ReticleMetadata places one reticle in global coordinates. Rotation is in
// degrees about Z, counter-clockwise positive; Offset is added after rotating.
type ReticleMetadata struct {
	Label    string    `json:"label"`
	Rotation float64   `json:"rotation"`
	Offset   r3.Vector `json:"offset"`
}

// Validate checks the label and values.
func (m ReticleMetadata) Validate() error {
	if m.Label == "" {
		return fmt.Errorf("empty label: %w", ErrInvalidMetadata)
	}
	for _, v := range []float64{m.Rotation, m.Offset.X, m.Offset.Y, m.Offset.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("reticle %q: %w", m.Label, ErrInvalidMetadata)
		}
	}
	return nil
}

// ToGlobal rotates p about Z by the reticle rotation and adds the offset.
func ToGlobal(p r3.Vector, m ReticleMetadata) r3.Vector {
	return calibration.RotZ(m.Rotation).MulVec(p).Add(m.Offset)
}

// ToLocal is the inverse of ToGlobal.
func ToLocal(p r3.Vector, m ReticleMetadata) r3.Vector {
	return calibration.RotZ(m.Rotation).T().MulVec(p.Sub(m.Offset))
}

// RoundGlobal rounds each coordinate to one decimal place for display.
func RoundGlobal(p r3.Vector) r3.Vector {
	r := func(v float64) float64 { return math.Round(v*10) / 10 }
	return r3.Vector{X: r(p.X), Y: r(p.Y), Z: r(p.Z)}
}

// Snapshot is an immutable set of reticle metadata keyed by label.
type Snapshot struct {
	byLabel map[string]ReticleMetadata
	labels  []string
}

// NewSnapshot builds a snapshot, rejecting invalid entries and duplicate
// labels. Entry order is kept for Labels.
func NewSnapshot(entries []ReticleMetadata) (*Snapshot, error) {
	s := &Snapshot{byLabel: make(map[string]ReticleMetadata, len(entries))}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.byLabel[e.Label]; dup {
			return nil, fmt.Errorf("%q: %w", e.Label, ErrDuplicateLabel)
		}
		s.byLabel[e.Label] = e
		s.labels = append(s.labels, e.Label)
	}
	return s, nil
}

// Get returns the metadata for label.
func (s *Snapshot) Get(label string) (ReticleMetadata, bool) {
	if s == nil {
		return ReticleMetadata{}, false
	}
	m, ok := s.byLabel[label]
	return m, ok
}

// Labels returns the labels in file order.
func (s *Snapshot) Labels() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.labels...)
}

// Entries returns all metadata in file order.
func (s *Snapshot) Entries() []ReticleMetadata {
	if s == nil {
		return nil
	}
	out := make([]ReticleMetadata, 0, len(s.labels))
	for _, l := range s.labels {
		out = append(out, s.byLabel[l])
	}
	return out
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.labels)
}

// Global maps p to global coordinates for label.
func (s *Snapshot) Global(p r3.Vector, label string) (r3.Vector, error) {
	m, ok := s.Get(label)
	if !ok {
		return r3.Vector{}, fmt.Errorf("%q: %w", label, ErrUnknownLabel)
	}
	return ToGlobal(p, m), nil
}

// MetadataStore publishes metadata snapshots. Readers never block; a publish
// replaces the whole snapshot.
type MetadataStore struct {
	current atomic.Pointer[Snapshot]
}

// NewMetadataStore creates a store holding an empty snapshot.
func NewMetadataStore() *MetadataStore {
	s := &MetadataStore{}
	s.current.Store(&Snapshot{byLabel: map[string]ReticleMetadata{}})
	return s
}

// Publish replaces the current snapshot.
func (s *MetadataStore) Publish(snap *Snapshot) {
	if snap == nil {
		snap = &Snapshot{byLabel: map[string]ReticleMetadata{}}
	}
	s.current.Store(snap)
}

// Load returns the current snapshot.
func (s *MetadataStore) Load() *Snapshot {
	return s.current.Load()
}

// Package source supplies export units to the coordinator.
package source

import (
	"context"
	"io"
	"sync"

	"github.com/ssargent/featurestream/pkg/model"
)

// Source yields units until it returns io.EOF. Implementations are safe for
// concurrent use; each unit is handed to exactly one caller.
type Source interface {
	Next(ctx context.Context) (model.Unit, error)
}

// SliceSource serves units from memory
type SliceSource struct {
	mu    sync.Mutex
	units []model.Unit
	next  int
}

// NewSliceSource wraps units without copying them
func NewSliceSource(units []model.Unit) *SliceSource {
	return &SliceSource{units: units}
}

func (s *SliceSource) Next(ctx context.Context) (model.Unit, error) {
	if err := ctx.Err(); err != nil {
		return model.Unit{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.units) {
		return model.Unit{}, io.EOF
	}
	u := s.units[s.next]
	s.next++
	return u, nil
}

// Len returns the total number of units
func (s *SliceSource) Len() int {
	return len(s.units)
}

// Package translate turns remote source files into canonical upsert entities
// and streams them into the staging bucket under bounded memory.
package translate

import (
	"context"
	"io"

	"github.com/databiosphere/import-service/internal/model"
)

// EntityIterator yields entities one at a time. Next returns io.EOF when the
// source is exhausted. Implementations hold at most one record's worth of
// decoded data.
type EntityIterator interface {
	Next() (*model.Entity, error)
	Close() error
}

// Translator builds an entity iterator for an import's source stream.
type Translator interface {
	Translate(ctx context.Context, imp *model.Import, src io.Reader) (EntityIterator, error)
}

// sliceIterator serves tests and small fixed sequences.
type sliceIterator struct {
	entities []model.Entity
	pos      int
}

func NewSliceIterator(entities []model.Entity) EntityIterator {
	return &sliceIterator{entities: entities}
}

func (s *sliceIterator) Next() (*model.Entity, error) {
	if s.pos >= len(s.entities) {
		return nil, io.EOF
	}
	e := &s.entities[s.pos]
	s.pos++
	return e, nil
}

func (s *sliceIterator) Close() error { return nil }

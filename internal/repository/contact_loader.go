package repository

import (
	"context"

	"github.com/unclebandit/broadcast-pipeline/internal/model"
)

// ContactBatchLoader pages through one broadcast's contacts by id so that a
// caller holds at most one batch in memory, however large the job is.
type ContactBatchLoader struct {
	repo   ContactRepositoryInterface
	filter ContactFilter
	size   int
	lastID string
	done   bool
}

func NewContactBatchLoader(repo ContactRepositoryInterface, filter ContactFilter, size int) *ContactBatchLoader {
	if size <= 0 {
		size = 500
	}
	return &ContactBatchLoader{repo: repo, filter: filter, size: size}
}

// Next returns the next batch, or an empty batch once every row has been read.
func (l *ContactBatchLoader) Next(ctx context.Context) ([]*model.BroadcastContact, error) {
	if l.done {
		return nil, nil
	}
	batch, err := l.repo.ListAfter(ctx, l.filter, l.lastID, l.size)
	if err != nil {
		return nil, err
	}
	if len(batch) < l.size {
		l.done = true
	}
	if len(batch) > 0 {
		l.lastID = batch[len(batch)-1].ID
	}
	return batch, nil
}

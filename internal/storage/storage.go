// Package storage is the keyed record store for image records: point
// lookups, filtered list scans, and the conditional status update the
// pipeline's claim discipline is built on.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/andreweick/hamlet-hamtramck/internal/models"
)

var (
	ErrNotFound = errors.New("image record not found")

	// ErrIllegalTransition means the caller asked for a metadata status
	// move the state machine forbids from every requested from-status.
	ErrIllegalTransition = errors.New("no legal metadata status transition")
)

// ListFilter narrows and pages a record list. Zero values mean "no
// constraint". Deleted records are excluded unless IncludeDeleted.
type ListFilter struct {
	Status         models.LifecycleStatus
	UploadedBy     string
	From, To       *time.Time // bounds on created_at
	SortDescending bool
	Page           int
	Limit          int
	IncludeDeleted bool
}

// RecordPatch carries the caller-editable descriptive fields. Extraction
// fields are deliberately not reachable through it.
type RecordPatch struct {
	OriginalFilename *string
	Status           *models.LifecycleStatus
}

type RecordStore interface {
	Insert(ctx context.Context, rec *models.ImageRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ImageRecord, error)
	List(ctx context.Context, f ListFilter) ([]models.ImageRecord, error)

	// UpdateMetadataStatus is the single conditional write the pipeline
	// uses for claiming and for result publication: the record moves to
	// `to` only if its current metadata status is one of `from`, and the
	// extraction field group is replaced when fields is non-nil. From-
	// statuses the state machine cannot move to `to` are ignored; if none
	// remain the call fails with ErrIllegalTransition. Returns false when
	// the compare-and-set loses.
	UpdateMetadataStatus(ctx context.Context, id uuid.UUID, from []models.MetadataStatus, to models.MetadataStatus, fields *models.ExtractionFields) (bool, error)

	// FindStuckProcessing returns records that have sat in processing
	// since before cutoff: casualties of a worker that died between its
	// claim write and its result write.
	FindStuckProcessing(ctx context.Context, cutoff time.Time) ([]models.ImageRecord, error)

	Patch(ctx context.Context, id uuid.UUID, p RecordPatch) (*models.ImageRecord, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
	HardDelete(ctx context.Context, id uuid.UUID) error
}

// legalFrom filters the requested from-statuses down to those
// models.CanTransition allows to move to `to`, so no store write can take
// a transition the state machine forbids.
func legalFrom(from []models.MetadataStatus, to models.MetadataStatus) []models.MetadataStatus {
	var out []models.MetadataStatus
	for _, st := range from {
		if models.CanTransition(st, to) {
			out = append(out, st)
		}
	}
	return out
}

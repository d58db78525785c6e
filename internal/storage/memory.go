package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andreweick/hamlet-hamtramck/internal/models"
)

// Memory implements RecordStore in process memory with the same
// conditional-update semantics as the Postgres store. Used in tests.
type Memory struct {
	mu      sync.Mutex
	records map[uuid.UUID]models.ImageRecord
}

func NewMemory() *Memory {
	return &Memory{records: map[uuid.UUID]models.ImageRecord{}}
}

func (m *Memory) Insert(ctx context.Context, rec *models.ImageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = *rec
	return nil
}

func (m *Memory) GetByID(ctx context.Context, id uuid.UUID) (*models.ImageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *Memory) List(ctx context.Context, f ListFilter) ([]models.ImageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ImageRecord
	for _, rec := range m.records {
		if !f.IncludeDeleted && rec.Status == models.StatusDeleted {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.UploadedBy != "" && rec.UploadedBy != f.UploadedBy {
			continue
		}
		if f.From != nil && rec.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && rec.CreatedAt.After(*f.To) {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if f.SortDescending {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(out) {
		return nil, nil
	}
	end := start + limit
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func (m *Memory) UpdateMetadataStatus(ctx context.Context, id uuid.UUID, from []models.MetadataStatus, to models.MetadataStatus, fields *models.ExtractionFields) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	legal := legalFrom(from, to)
	if len(legal) == 0 {
		return false, ErrIllegalTransition
	}

	rec, ok := m.records[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, st := range legal {
		if rec.MetadataStatus == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	rec.MetadataStatus = to
	if fields != nil {
		rec.Width = fields.Width
		rec.Height = fields.Height
		rec.Exif = fields.Exif
		rec.Iptc = fields.Iptc
		rec.C2PA = fields.C2PA
		rec.C2PAVerified = fields.C2PAVerified
		rec.C2PASignatureOK = fields.C2PASignatureOK
		rec.C2PAIssuer = fields.C2PAIssuer
		rec.MetadataError = fields.MetadataError
	}
	rec.UpdatedAt = time.Now()
	m.records[id] = rec
	return true, nil
}

func (m *Memory) FindStuckProcessing(ctx context.Context, cutoff time.Time) ([]models.ImageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ImageRecord
	for _, rec := range m.records {
		if rec.MetadataStatus == models.MetadataProcessing && rec.UpdatedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) Patch(ctx context.Context, id uuid.UUID, p RecordPatch) (*models.ImageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok || rec.Status == models.StatusDeleted {
		return nil, ErrNotFound
	}
	if p.OriginalFilename != nil {
		rec.OriginalFilename = *p.OriginalFilename
	}
	if p.Status != nil {
		rec.Status = *p.Status
	}
	rec.UpdatedAt = time.Now()
	m.records[id] = rec
	return &rec, nil
}

func (m *Memory) SoftDelete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok || rec.Status == models.StatusDeleted {
		return ErrNotFound
	}
	now := time.Now()
	rec.Status = models.StatusDeleted
	rec.DeletedAt = &now
	rec.UpdatedAt = now
	m.records[id] = rec
	return nil
}

func (m *Memory) HardDelete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

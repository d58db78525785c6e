package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andreweick/hamlet-hamtramck/internal/models"
)

// Postgres implements RecordStore on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	const op = "storage.NewPostgres"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := runMigrations(pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

const recordColumns = `id, blob_ref, original_filename, mime_type, file_size_bytes, uploaded_by,
	width, height, exif_data, iptc_data, c2pa_data, c2pa_verified, c2pa_signature_valid, c2pa_issuer,
	metadata_status, metadata_error, status, created_at, updated_at, deleted_at`

func (s *Postgres) Insert(ctx context.Context, rec *models.ImageRecord) error {
	const op = "storage.Postgres.Insert"

	_, err := s.pool.Exec(ctx,
		`INSERT INTO images (id, blob_ref, original_filename, mime_type, file_size_bytes, uploaded_by,
			metadata_status, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		rec.ID, rec.BlobRef, rec.OriginalFilename, rec.MimeType, rec.FileSizeBytes, rec.UploadedBy,
		rec.MetadataStatus, rec.Status, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Postgres) GetByID(ctx context.Context, id uuid.UUID) (*models.ImageRecord, error) {
	const op = "storage.Postgres.GetByID"

	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM images WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return rec, nil
}

func (s *Postgres) List(ctx context.Context, f ListFilter) ([]models.ImageRecord, error) {
	const op = "storage.Postgres.List"

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !f.IncludeDeleted {
		where = append(where, "status <> 'deleted'")
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(f.Status))
	}
	if f.UploadedBy != "" {
		where = append(where, "uploaded_by = "+arg(f.UploadedBy))
	}
	if f.From != nil {
		where = append(where, "created_at >= "+arg(*f.From))
	}
	if f.To != nil {
		where = append(where, "created_at <= "+arg(*f.To))
	}

	q := `SELECT ` + recordColumns + ` FROM images`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.SortDescending {
		q += " ORDER BY created_at DESC"
	} else {
		q += " ORDER BY created_at ASC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	q += " LIMIT " + arg(limit) + " OFFSET " + arg((page-1)*limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.ImageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *Postgres) UpdateMetadataStatus(ctx context.Context, id uuid.UUID, from []models.MetadataStatus, to models.MetadataStatus, fields *models.ExtractionFields) (bool, error) {
	const op = "storage.Postgres.UpdateMetadataStatus"

	legal := legalFrom(from, to)
	if len(legal) == 0 {
		return false, fmt.Errorf("%s: %w", op, ErrIllegalTransition)
	}
	states := make([]string, len(legal))
	for i, st := range legal {
		states[i] = string(st)
	}

	var tag pgconn.CommandTag
	var err error
	if fields == nil {
		tag, err = s.pool.Exec(ctx,
			`UPDATE images SET metadata_status = $3, updated_at = now()
			 WHERE id = $1 AND metadata_status = ANY($2)`,
			id, states, to)
	} else {
		exifJSON, jerr := marshalNullable(fields.Exif)
		if jerr != nil {
			return false, fmt.Errorf("%s: %w", op, jerr)
		}
		iptcJSON, jerr := marshalNullable(fields.Iptc)
		if jerr != nil {
			return false, fmt.Errorf("%s: %w", op, jerr)
		}
		c2paJSON, jerr := marshalNullable(fields.C2PA)
		if jerr != nil {
			return false, fmt.Errorf("%s: %w", op, jerr)
		}
		tag, err = s.pool.Exec(ctx,
			`UPDATE images SET metadata_status = $3, width = $4, height = $5,
				exif_data = $6, iptc_data = $7, c2pa_data = $8,
				c2pa_verified = $9, c2pa_signature_valid = $10, c2pa_issuer = $11,
				metadata_error = $12, updated_at = now()
			 WHERE id = $1 AND metadata_status = ANY($2)`,
			id, states, to, fields.Width, fields.Height,
			exifJSON, iptcJSON, c2paJSON,
			fields.C2PAVerified, fields.C2PASignatureOK, fields.C2PAIssuer,
			fields.MetadataError)
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) FindStuckProcessing(ctx context.Context, cutoff time.Time) ([]models.ImageRecord, error) {
	const op = "storage.Postgres.FindStuckProcessing"

	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM images
		 WHERE metadata_status = 'processing' AND updated_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.ImageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *Postgres) Patch(ctx context.Context, id uuid.UUID, p RecordPatch) (*models.ImageRecord, error) {
	const op = "storage.Postgres.Patch"

	tag, err := s.pool.Exec(ctx,
		`UPDATE images SET
			original_filename = COALESCE($2, original_filename),
			status = COALESCE($3, status),
			updated_at = now()
		 WHERE id = $1 AND status <> 'deleted'`,
		id, p.OriginalFilename, p.Status)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return s.GetByID(ctx, id)
}

func (s *Postgres) SoftDelete(ctx context.Context, id uuid.UUID) error {
	const op = "storage.Postgres.SoftDelete"

	tag, err := s.pool.Exec(ctx,
		`UPDATE images SET status = 'deleted', deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND status <> 'deleted'`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) HardDelete(ctx context.Context, id uuid.UUID) error {
	const op = "storage.Postgres.HardDelete"

	tag, err := s.pool.Exec(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.ImageRecord, error) {
	var (
		rec        models.ImageRecord
		exifJSON   []byte
		iptcJSON   []byte
		c2paJSON   []byte
		deletedAt  *time.Time
		metaErr    *string
		c2paIssuer *string
	)
	err := row.Scan(&rec.ID, &rec.BlobRef, &rec.OriginalFilename, &rec.MimeType, &rec.FileSizeBytes,
		&rec.UploadedBy, &rec.Width, &rec.Height, &exifJSON, &iptcJSON, &c2paJSON,
		&rec.C2PAVerified, &rec.C2PASignatureOK, &c2paIssuer,
		&rec.MetadataStatus, &metaErr, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	rec.DeletedAt = deletedAt
	rec.MetadataError = metaErr
	rec.C2PAIssuer = c2paIssuer

	if len(exifJSON) > 0 {
		rec.Exif = &models.ExifData{}
		if err := json.Unmarshal(exifJSON, rec.Exif); err != nil {
			return nil, err
		}
	}
	if len(iptcJSON) > 0 {
		rec.Iptc = &models.IptcData{}
		if err := json.Unmarshal(iptcJSON, rec.Iptc); err != nil {
			return nil, err
		}
	}
	if len(c2paJSON) > 0 {
		rec.C2PA = &models.C2PAManifest{}
		if err := json.Unmarshal(c2paJSON, rec.C2PA); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

func marshalNullable(v any) ([]byte, error) {
	switch t := v.(type) {
	case *models.ExifData:
		if t == nil {
			return nil, nil
		}
	case *models.IptcData:
		if t == nil {
			return nil, nil
		}
	case *models.C2PAManifest:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
